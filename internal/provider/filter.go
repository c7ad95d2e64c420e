package provider

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Native limits on the filters pushed down to the session. Process id
// filters are applied by the consumer and have no count limit.
const (
	MaxEventIDFilterCount     = 64
	MaxExecutableFilterBytes  = 1024
	executableFilterSeparator = ";"
)

// FilterKind identifies a filter type. The numeric order is the order in
// which filters are attached to a provider.
type FilterKind uint8

const (
	FilterPID FilterKind = iota + 1
	FilterExecutableName
	FilterEventID
)

func (k FilterKind) String() string {
	switch k {
	case FilterPID:
		return "pid"
	case FilterExecutableName:
		return "exe"
	case FilterEventID:
		return "event_id"
	default:
		return "unknown"
	}
}

// Filter is a scope or attribute filter passed through to the native
// facility. Filters are values and never change once built.
type Filter interface {
	Kind() FilterKind
	String() string
}

// PIDFilter limits a provider to events from the listed processes.
type PIDFilter struct {
	PIDs []uint32
}

// NewPIDFilter deduplicates pids, keeping the first occurrence order.
func NewPIDFilter(pids []uint32) PIDFilter {
	return PIDFilter{PIDs: dedupe(pids)}
}

func (PIDFilter) Kind() FilterKind { return FilterPID }

func (f PIDFilter) String() string {
	parts := make([]string, len(f.PIDs))
	for i, p := range f.PIDs {
		parts[i] = strconv.FormatUint(uint64(p), 10)
	}
	return "pid=" + strings.Join(parts, ",")
}

// ExecutableNameFilter limits a provider to processes whose image name
// matches one of the names. Names holds the semicolon joined list in the
// form the native facility expects.
type ExecutableNameFilter struct {
	Names string
}

// NewExecutableNameFilter joins names with ';' and checks the UTF-16
// encoded size, terminator included, against MaxExecutableFilterBytes.
// Blank and duplicate names are dropped.
func NewExecutableNameFilter(names []string) (ExecutableNameFilter, error) {
	clean := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if strings.Contains(n, executableFilterSeparator) {
			return ExecutableNameFilter{}, fmt.Errorf("%w: executable name %q contains %q", ErrFilterLimit, n, executableFilterSeparator)
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		clean = append(clean, n)
	}
	joined := strings.Join(clean, executableFilterSeparator)
	if size := UTF16Size(joined); size > MaxExecutableFilterBytes {
		return ExecutableNameFilter{}, fmt.Errorf("%w: executable name filter is %d bytes encoded, at most %d",
			ErrFilterLimit, size, MaxExecutableFilterBytes)
	}
	return ExecutableNameFilter{Names: joined}, nil
}

// List splits the joined names.
func (f ExecutableNameFilter) List() []string {
	if f.Names == "" {
		return nil
	}
	return strings.Split(f.Names, executableFilterSeparator)
}

func (ExecutableNameFilter) Kind() FilterKind { return FilterExecutableName }

func (f ExecutableNameFilter) String() string { return "exe=" + f.Names }

// UTF16Size is the size in bytes of s encoded as a null terminated UTF-16
// string.
func UTF16Size(s string) int {
	return (len(utf16.Encode([]rune(s))) + 1) * 2
}

// EventIDFilter enables (or, with Enable false, disables) the listed event ids.
type EventIDFilter struct {
	Enable bool
	IDs    []uint16
}

// NewEventIDFilter builds an allow-list filter.
func NewEventIDFilter(ids []uint16) (EventIDFilter, error) {
	out := dedupe(ids)
	if len(out) > MaxEventIDFilterCount {
		return EventIDFilter{}, fmt.Errorf("%w: %d event ids, at most %d", ErrFilterLimit, len(out), MaxEventIDFilterCount)
	}
	return EventIDFilter{Enable: true, IDs: out}, nil
}

func (EventIDFilter) Kind() FilterKind { return FilterEventID }

func (f EventIDFilter) String() string {
	parts := make([]string, len(f.IDs))
	for i, id := range f.IDs {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	op := "event_id="
	if !f.Enable {
		op = "event_id!="
	}
	return op + strings.Join(parts, ",")
}

// Scope holds the optional filter sets of a session request.
type Scope struct {
	ProcessIDs      []uint32
	ExecutableNames []string
	EventIDs        []uint16
}

// Filters builds the filters for s in the fixed order PID, executable
// name, event id. Empty sets produce no filter.
func (s Scope) Filters() ([]Filter, error) {
	var out []Filter
	if len(s.ProcessIDs) > 0 {
		out = append(out, NewPIDFilter(s.ProcessIDs))
	}
	if len(s.ExecutableNames) > 0 {
		f, err := NewExecutableNameFilter(s.ExecutableNames)
		if err != nil {
			return nil, err
		}
		if f.Names != "" {
			out = append(out, f)
		}
	}
	if len(s.EventIDs) > 0 {
		f, err := NewEventIDFilter(s.EventIDs)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func dedupe[T comparable](in []T) []T {
	out := make([]T, 0, len(in))
	seen := make(map[T]struct{}, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
