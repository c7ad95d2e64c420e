package windowsapi

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessNamesLookup(t *testing.T) {
	var calls atomic.Int32
	procs := map[uint32]string{4: "System", 1234: "Notepad.EXE"}
	p := NewProcessNames(func() (map[uint32]string, error) {
		calls.Add(1)
		out := make(map[uint32]string, len(procs))
		for k, v := range procs {
			out[k] = v
		}
		return out, nil
	})
	p.MinRefresh = time.Hour

	name, ok := p.Lookup(1234)
	require.True(t, ok)
	assert.Equal(t, "notepad.exe", name)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 2, p.Len())

	// Unknown pid inside MinRefresh does not retake the snapshot.
	procs[77] = "late.exe"
	_, ok = p.Lookup(77)
	assert.False(t, ok)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, p.Refresh())
	name, ok = p.Lookup(77)
	assert.True(t, ok)
	assert.Equal(t, "late.exe", name)
}

func TestProcessNamesUnknownPidRefreshes(t *testing.T) {
	var calls atomic.Int32
	p := NewProcessNames(func() (map[uint32]string, error) {
		n := calls.Add(1)
		if n == 1 {
			return map[uint32]string{1: "a.exe"}, nil
		}
		return map[uint32]string{1: "a.exe", 2: "b.exe"}, nil
	})
	p.MinRefresh = 0

	_, ok := p.Lookup(1)
	require.True(t, ok)
	name, ok := p.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, "b.exe", name)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProcessNamesSnapshotError(t *testing.T) {
	p := NewProcessNames(func() (map[uint32]string, error) {
		return nil, errors.New("access denied")
	})
	_, ok := p.Lookup(4)
	assert.False(t, ok)
	assert.Error(t, p.Refresh())
	assert.Equal(t, 0, p.Len())
}
