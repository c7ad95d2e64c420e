// Package windowsapi resolves process ids to executable names for the
// consumer side executable filter.
package windowsapi

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"github.com/yew011/etwpilot-sub000/internal/logger"
)

// ErrUnsupported is returned by the process snapshot on platforms without one.
var ErrUnsupported = errors.New("process snapshot not supported on this platform")

// SnapshotFunc lists running processes as pid -> executable base name.
type SnapshotFunc func() (map[uint32]string, error)

// ProcessNames caches a process snapshot. A lookup for an unknown pid
// retakes the snapshot, at most once per MinRefresh, so processes started
// after the last snapshot are found.
type ProcessNames struct {
	snapshot   SnapshotFunc
	MinRefresh time.Duration

	names atomic.Pointer[map[uint32]string]
	taken atomic.Int64 // unix nanos of the last snapshot attempt

	mu  sync.Mutex // serializes refreshes
	log log.Logger
}

// NewProcessNames creates a cache over snapshot. The first lookup takes
// the first snapshot.
func NewProcessNames(snapshot SnapshotFunc) *ProcessNames {
	return &ProcessNames{
		snapshot:   snapshot,
		MinRefresh: time.Second,
		log:        logger.NewLoggerWithContext("process_names"),
	}
}

// Lookup returns the executable base name of pid.
func (p *ProcessNames) Lookup(pid uint32) (string, bool) {
	if name, ok := p.cached(pid); ok {
		return name, true
	}
	if !p.refresh(false) {
		return "", false
	}
	return p.cached(pid)
}

// Refresh retakes the snapshot now.
func (p *ProcessNames) Refresh() error {
	if !p.refresh(true) {
		return errors.New("process snapshot failed")
	}
	return nil
}

// Len is the number of processes in the current snapshot.
func (p *ProcessNames) Len() int {
	if m := p.names.Load(); m != nil {
		return len(*m)
	}
	return 0
}

func (p *ProcessNames) cached(pid uint32) (string, bool) {
	m := p.names.Load()
	if m == nil {
		return "", false
	}
	name, ok := (*m)[pid]
	return name, ok
}

// refresh takes a new snapshot unless one was taken within MinRefresh.
// It reports whether a new snapshot was stored.
func (p *ProcessNames) refresh(force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !force && now.Sub(time.Unix(0, p.taken.Load())) < p.MinRefresh {
		return false
	}
	p.taken.Store(now.UnixNano())

	raw, err := p.snapshot()
	if err != nil {
		p.log.Warn().Err(err).Msg("Process snapshot failed")
		return false
	}
	names := make(map[uint32]string, len(raw))
	for pid, exe := range raw {
		names[pid] = strings.ToLower(exe)
	}
	p.names.Store(&names)
	p.log.Debug().Int("processes", len(names)).Msg("Process snapshot refreshed")
	return true
}
