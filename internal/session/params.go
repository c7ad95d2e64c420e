package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yew011/etwpilot-sub000/internal/provider"
)

var (
	ErrInvalidParameters = errors.New("invalid session parameters")
	ErrNativeStart       = errors.New("native session failed to start")
	ErrConsume           = errors.New("native consumption failed")
	ErrSessionActive     = errors.New("session already active")
	ErrEngineClosed      = errors.New("session engine closed")
)

// Parameters is the input contract of one session. It is built fresh per
// request and not modified after Start validated it.
type Parameters struct {
	// Providers are provider names or GUID strings, in request order.
	Providers []string `json:"providers" yaml:"providers" toml:"providers"`

	StopOnBytesMB int `json:"stop_on_bytes_mb" yaml:"stop_on_bytes_mb" toml:"stop_on_bytes_mb"`
	StopOnSeconds int `json:"stop_on_seconds" yaml:"stop_on_seconds" toml:"stop_on_seconds"`

	TargetProcessIDs   []uint32 `json:"target_process_ids,omitempty" yaml:"target_process_ids,omitempty" toml:"target_process_ids"`
	TargetProcessNames []string `json:"target_process_names,omitempty" yaml:"target_process_names,omitempty" toml:"target_process_names"`
	EventIDs           []uint16 `json:"event_ids,omitempty" yaml:"event_ids,omitempty" toml:"event_ids"`
}

// Scope returns the filter sets of p.
func (p Parameters) Scope() provider.Scope {
	return provider.Scope{
		ProcessIDs:      p.TargetProcessIDs,
		ExecutableNames: p.TargetProcessNames,
		EventIDs:        p.EventIDs,
	}
}

// Validate checks p without touching the catalog or the native facility.
// Every failure wraps ErrInvalidParameters; filter limit failures also
// wrap provider.ErrFilterLimit.
func (p Parameters) Validate() error {
	if len(p.Providers) == 0 {
		return fmt.Errorf("%w: provider list is empty", ErrInvalidParameters)
	}
	for i, name := range p.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: provider entry %d is blank", ErrInvalidParameters, i)
		}
	}
	if p.StopOnBytesMB < 0 || p.StopOnSeconds < 0 {
		return fmt.Errorf("%w: stop thresholds must not be negative", ErrInvalidParameters)
	}
	if p.StopOnBytesMB == 0 && p.StopOnSeconds == 0 {
		return fmt.Errorf("%w: at least one of stop_on_bytes_mb and stop_on_seconds must be set", ErrInvalidParameters)
	}
	if _, err := p.Scope().Filters(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	return nil
}

// trimmed returns a copy of p with surrounding spaces removed from the
// provider entries.
func (p Parameters) trimmed() Parameters {
	out := p
	out.Providers = make([]string, len(p.Providers))
	for i, name := range p.Providers {
		out.Providers[i] = strings.TrimSpace(name)
	}
	return out
}
