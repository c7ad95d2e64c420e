// Package event holds the decoded form of one native trace event.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Property is one decoded payload field. Payload order follows the
// order the provider wrote the fields in.
type Property struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value" yaml:"value"`
}

// Event is the structured record produced by a decoder for one raw native
// event. It is never mutated once appended to a sink; consumers share it
// read-only.
type Event struct {
	ProviderID   uuid.UUID  `json:"provider_id" yaml:"provider_id"`
	ProviderName string     `json:"provider_name,omitempty" yaml:"provider_name,omitempty"`
	EventID      uint16     `json:"event_id" yaml:"event_id"`
	Version      uint8      `json:"version" yaml:"version"`
	Level        uint8      `json:"level" yaml:"level"`
	Opcode       uint8      `json:"opcode" yaml:"opcode"`
	Keywords     uint64     `json:"keywords" yaml:"keywords"`
	ProcessID    uint32     `json:"process_id" yaml:"process_id"`
	ThreadID     uint32     `json:"thread_id" yaml:"thread_id"`
	ActivityID   uuid.UUID  `json:"activity_id" yaml:"activity_id"`
	UserSID      string     `json:"user_sid,omitempty" yaml:"user_sid,omitempty"`
	Timestamp    time.Time  `json:"timestamp" yaml:"timestamp"`
	Payload      []Property `json:"payload,omitempty" yaml:"payload,omitempty"`
	Stack        []uint64   `json:"stack,omitempty" yaml:"stack,omitempty"`
}

// Property returns the payload value with the given name.
func (e *Event) Property(name string) (any, bool) {
	for i := range e.Payload {
		if e.Payload[i].Name == name {
			return e.Payload[i].Value, true
		}
	}
	return nil, false
}

// PropertyString returns the payload value with the given name when it is a string.
func (e *Event) PropertyString(name string) (string, bool) {
	if v, ok := e.Property(name); ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// FormatGUID renders a GUID the way ETW tooling prints it: upper case, in braces.
func FormatGUID(g uuid.UUID) string {
	s := g.String()
	b := make([]byte, 0, len(s)+2)
	b = append(b, '{')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'f' {
			c -= 'a' - 'A'
		}
		b = append(b, c)
	}
	b = append(b, '}')
	return string(b)
}
