package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/yew011/etwpilot-sub000/internal/event"
	"github.com/yew011/etwpilot-sub000/internal/session"
)

var kernelProcessGUID = uuid.MustParse("22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716")

func sampleEvents(n int) []*event.Event {
	out := make([]*event.Event, n)
	for i := range out {
		out[i] = &event.Event{
			ProviderID:   kernelProcessGUID,
			ProviderName: "Microsoft-Windows-Kernel-Process",
			EventID:      uint16(i + 1),
			Level:        4,
			Keywords:     0x8000000000000010,
			ProcessID:    uint32(1000 + i),
			ThreadID:     7,
			ActivityID:   uuid.MustParse("6a399ae0-4bc6-4de9-870b-3657f8947e7e"),
			UserSID:      "S-1-5-18",
			Timestamp:    time.Date(2026, 10, 18, 12, 0, i, 0, time.UTC),
			Payload: []event.Property{
				{Name: "ImageName", Value: "notepad.exe"},
				{Name: "ProcessID", Value: uint64(1000 + i)},
			},
			Stack: []uint64{0x7ff600001234},
		}
	}
	return out
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "etwpilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := NewSessionRecord("boot", session.Parameters{
		Providers:     []string{"Microsoft-Windows-Kernel-Process"},
		StopOnSeconds: 5,
	}, session.Stats{
		Name:    "etwpilot-1",
		State:   session.Stopped,
		Reason:  session.ReasonTime,
		Events:  3,
		Bytes:   4096,
		Buffers: 2,
		Dropped: 1,
		Elapsed: 5 * time.Second,
	}, nil)

	id, err := s.SaveSession(ctx, rec, sampleEvents(3))
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "boot", got.Label)
	assert.Equal(t, "etwpilot-1", got.Name)
	assert.Equal(t, []string{"Microsoft-Windows-Kernel-Process"}, got.Providers)
	assert.Equal(t, "stopped", got.State)
	assert.Equal(t, "time", got.Reason)
	assert.Equal(t, uint64(3), got.Events)
	assert.Equal(t, uint64(4096), got.Bytes)
	assert.Equal(t, uint64(1), got.Dropped)
	assert.Equal(t, 5*time.Second, got.Elapsed)
	assert.Empty(t, got.Err)
	assert.False(t, got.SavedAt.IsZero())

	evs, err := s.Events(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	want := sampleEvents(3)
	for i, ev := range evs {
		assert.Equal(t, want[i].ProviderID, ev.ProviderID)
		assert.Equal(t, want[i].EventID, ev.EventID)
		assert.Equal(t, want[i].Keywords, ev.Keywords)
		assert.Equal(t, want[i].ProcessID, ev.ProcessID)
		assert.Equal(t, want[i].ActivityID, ev.ActivityID)
		assert.True(t, want[i].Timestamp.Equal(ev.Timestamp))
		assert.Equal(t, want[i].Stack, ev.Stack)
		name, ok := ev.PropertyString("ImageName")
		require.True(t, ok)
		assert.Equal(t, "notepad.exe", name)
	}

	limited, err := s.Events(ctx, id, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStoreListAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stats := session.Stats{State: session.Faulted, Reason: session.ReasonFault}
	first, err := s.SaveSession(ctx, NewSessionRecord("a", session.Parameters{}, stats, session.ErrConsume), nil)
	require.NoError(t, err)
	second, err := s.SaveSession(ctx, NewSessionRecord("b", session.Parameters{}, stats, nil), sampleEvents(1))
	require.NoError(t, err)

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, session.ErrConsume.Error(), list[0].Err)
	assert.Equal(t, second, list[1].ID)

	require.NoError(t, s.DeleteSession(ctx, second))
	assert.ErrorIs(t, s.DeleteSession(ctx, second), ErrNotFound)
	_, err = s.Session(ctx, second)
	assert.ErrorIs(t, err, ErrNotFound)

	evs, err := s.Events(ctx, second, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.SaveSession(context.Background(), SessionRecord{Label: "x"}, sampleEvents(2))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "x", list[0].Label)
}

func TestWriteJSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, sampleEvents(3)))

	sc := bufio.NewScanner(&buf)
	n := 0
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		assert.Equal(t, kernelProcessGUID.String(), m["provider_id"])
		assert.EqualValues(t, n+1, m["event_id"])
		n++
	}
	assert.Equal(t, 3, n)
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, sampleEvents(2)))

	var out []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "Microsoft-Windows-Kernel-Process", out[0]["provider_name"])
	assert.Equal(t, kernelProcessGUID.String(), out[0]["provider_id"])
	assert.Equal(t, 2, out[1]["event_id"])

	buf.Reset()
	require.NoError(t, WriteYAML(&buf, nil))
	assert.Equal(t, "[]\n", buf.String())
}

func TestWriteFormats(t *testing.T) {
	tests := []struct {
		format  string
		wantErr bool
		prefix  string
	}{
		{FormatJSONL, false, "{"},
		{"", false, "{"},
		{FormatYAML, false, "- "},
		{"xml", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			err := Write(&buf, tt.format, sampleEvents(1))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(buf.String(), tt.prefix), buf.String())
		})
	}
}

func TestWriteSessionsYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSessionsYAML(&buf, []SessionRecord{{ID: 1, Label: "boot", Providers: []string{"p"}}}))
	assert.Contains(t, buf.String(), "label: boot")
}
