// Package provider resolves user supplied provider names or GUIDs against a
// catalog and turns them into enabled-provider descriptors, with the scope
// filters the native facility applies on its side.
package provider

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/yew011/etwpilot-sub000/internal/event"
)

// Defaults applied to every resolved provider.
const (
	LevelInformation       uint8  = 4
	AllKeywords            uint64 = 0xFFFFFFFFFFFFFFFF
	DefaultMatchAllKeyword uint64 = 0
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrNoProviders      = errors.New("no providers requested")
	ErrFilterLimit      = errors.New("filter exceeds native limit")
)

// Descriptor is a catalog entry.
type Descriptor struct {
	GUID uuid.UUID `toml:"guid" json:"guid" yaml:"guid"`
	Name string    `toml:"name" json:"name" yaml:"name"`
}

// Enabled is the resolved form of one requested provider, ready to be
// registered with a native session.
type Enabled struct {
	GUID            uuid.UUID
	Name            string
	Level           uint8
	MatchAnyKeyword uint64
	MatchAllKeyword uint64
	Filters         []Filter
}

// String renders the descriptor as "Name {GUID}".
func (e Enabled) String() string {
	if e.Name == "" {
		return event.FormatGUID(e.GUID)
	}
	return e.Name + " " + event.FormatGUID(e.GUID)
}

// ParseGUID parses the canonical 36 character form, with or without braces.
// Other forms accepted by uuid.Parse (urn, bare hex) are rejected so that a
// provider name is never mistaken for a GUID.
func ParseGUID(s string) (uuid.UUID, bool) {
	s = strings.TrimSpace(s)
	if len(s) == 38 && s[0] == '{' && s[37] == '}' {
		s = s[1:37]
	}
	if len(s) != 36 {
		return uuid.Nil, false
	}
	g, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return g, true
}

// guidKey is the catalog index key for a GUID.
func guidKey(g uuid.UUID) string { return g.String() }
