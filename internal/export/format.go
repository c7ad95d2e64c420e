package export

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/yew011/etwpilot-sub000/internal/event"
)

// Output formats accepted by Write.
const (
	FormatJSONL = "jsonl"
	FormatYAML  = "yaml"
)

var ErrUnknownFormat = errors.New("unknown export format")

// Formats lists the accepted format names.
func Formats() []string { return []string{FormatJSONL, FormatYAML} }

// Write writes events to w in the named format.
func Write(w io.Writer, format string, events []*event.Event) error {
	switch format {
	case FormatJSONL, "":
		return WriteJSONL(w, events)
	case FormatYAML:
		return WriteYAML(w, events)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// WriteJSONL writes one JSON object per event and line.
func WriteJSONL(w io.Writer, events []*event.Event) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encoding event %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// WriteYAML writes the events as one YAML sequence.
func WriteYAML(w io.Writer, events []*event.Event) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if events == nil {
		events = []*event.Event{}
	}
	if err := enc.Encode(events); err != nil {
		return fmt.Errorf("encoding events: %w", err)
	}
	return enc.Close()
}

// WriteSessionsYAML writes stored session summaries as YAML.
func WriteSessionsYAML(w io.Writer, recs []SessionRecord) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if recs == nil {
		recs = []SessionRecord{}
	}
	if err := enc.Encode(recs); err != nil {
		return fmt.Errorf("encoding sessions: %w", err)
	}
	return enc.Close()
}
