package native

import (
	"strings"

	"github.com/google/uuid"

	"github.com/yew011/etwpilot-sub000/internal/provider"
	"github.com/yew011/etwpilot-sub000/internal/record"
)

// ProcessNameFunc returns the image name of a running process.
type ProcessNameFunc func(pid uint32) (string, bool)

// Matcher applies enabled-provider filters to raw records on the consumer
// side. Facilities that cannot push a filter down to the source use it to
// honor the filter anyway.
type Matcher struct {
	byProvider  map[uuid.UUID]*providerMatch
	processName ProcessNameFunc
}

type providerMatch struct {
	pids     map[uint32]struct{}
	exes     map[string]struct{}
	eventIDs map[uint16]struct{}
	allowIDs bool
}

// NewMatcher builds a matcher for providers. processName may be nil, in
// which case executable name filters are not applied.
func NewMatcher(providers []provider.Enabled, processName ProcessNameFunc) *Matcher {
	m := &Matcher{
		byProvider:  make(map[uuid.UUID]*providerMatch, len(providers)),
		processName: processName,
	}
	for _, p := range providers {
		pm := &providerMatch{}
		for _, f := range p.Filters {
			switch f := f.(type) {
			case provider.PIDFilter:
				pm.pids = make(map[uint32]struct{}, len(f.PIDs))
				for _, pid := range f.PIDs {
					pm.pids[pid] = struct{}{}
				}
			case provider.ExecutableNameFilter:
				pm.exes = make(map[string]struct{})
				for _, n := range f.List() {
					pm.exes[strings.ToLower(n)] = struct{}{}
				}
			case provider.EventIDFilter:
				pm.eventIDs = make(map[uint16]struct{}, len(f.IDs))
				for _, id := range f.IDs {
					pm.eventIDs[id] = struct{}{}
				}
				pm.allowIDs = f.Enable
			}
		}
		m.byProvider[p.GUID] = pm
	}
	return m
}

// Match reports whether raw should be delivered. Records that cannot be
// peeked are delivered so the decoder can report them.
func (m *Matcher) Match(raw []byte) bool {
	if len(m.byProvider) == 0 {
		return true
	}
	h, err := record.PeekHeader(raw)
	if err != nil {
		return true
	}
	pm, ok := m.byProvider[h.Provider]
	if !ok {
		return false
	}
	if pm.pids != nil {
		if _, ok := pm.pids[h.ProcessID]; !ok {
			return false
		}
	}
	if pm.eventIDs != nil {
		_, listed := pm.eventIDs[h.EventID]
		if listed != pm.allowIDs {
			return false
		}
	}
	if pm.exes != nil && m.processName != nil {
		name, ok := m.processName(h.ProcessID)
		if !ok {
			return false
		}
		if _, ok := pm.exes[strings.ToLower(baseName(name))]; !ok {
			return false
		}
	}
	return true
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}
