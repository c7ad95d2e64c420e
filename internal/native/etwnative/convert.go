package etwnative

import (
	"encoding/binary"
	"sort"
	"strconv"
	"strings"

	"github.com/yew011/etwpilot-sub000/internal/event"
)

// Extended data item types carried by an event record
// (EVENT_HEADER_EXT_TYPE_*).
const (
	extTypeSID          = 0x0002
	extTypeStackTrace32 = 0x0005
	extTypeStackTrace64 = 0x0006
)

// extendedItem is one extended data item copied out of an event record.
type extendedItem struct {
	Type uint16
	Data []byte
}

// applyExtended fills the user SID and the stack of ev from items. Items
// that do not parse are ignored.
func applyExtended(ev *event.Event, items []extendedItem) {
	for _, it := range items {
		switch it.Type {
		case extTypeSID:
			if sid, ok := formatSID(it.Data); ok {
				ev.UserSID = sid
			}
		case extTypeStackTrace32, extTypeStackTrace64:
			if stack := parseStack(it.Type, it.Data); len(stack) > 0 {
				ev.Stack = stack
			}
		}
	}
}

// formatSID renders a binary security identifier in its S-R-I-S... form.
func formatSID(b []byte) (string, bool) {
	if len(b) < 8 || b[0] != 1 {
		return "", false
	}
	count := int(b[1])
	if len(b) < 8+4*count {
		return "", false
	}
	var auth uint64
	for _, c := range b[2:8] {
		auth = auth<<8 | uint64(c)
	}
	var sb strings.Builder
	sb.WriteString("S-1-")
	if auth >= 1<<32 {
		sb.WriteString("0x")
		sb.WriteString(strings.ToUpper(strconv.FormatUint(auth, 16)))
	} else {
		sb.WriteString(strconv.FormatUint(auth, 10))
	}
	for i := 0; i < count; i++ {
		sb.WriteByte('-')
		sb.WriteString(strconv.FormatUint(uint64(binary.LittleEndian.Uint32(b[8+4*i:])), 10))
	}
	return sb.String(), true
}

// parseStack reads the return addresses of a stack trace item. Both
// layouts start with a 64 bit match id.
func parseStack(kind uint16, b []byte) []uint64 {
	if len(b) < 8 {
		return nil
	}
	b = b[8:]
	if kind == extTypeStackTrace32 {
		out := make([]uint64, 0, len(b)/4)
		for ; len(b) >= 4; b = b[4:] {
			out = append(out, uint64(binary.LittleEndian.Uint32(b)))
		}
		return out
	}
	out := make([]uint64, 0, len(b)/8)
	for ; len(b) >= 8; b = b[8:] {
		out = append(out, binary.LittleEndian.Uint64(b))
	}
	return out
}

// payloadFrom flattens the decoded property groups of an event, in group
// order and by name within a group. A name repeated in a later group is
// skipped.
func payloadFrom(groups ...map[string]any) []event.Property {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	if n == 0 {
		return nil
	}
	out := make([]event.Property, 0, n)
	seen := make(map[string]struct{}, n)
	for _, g := range groups {
		names := make([]string, 0, len(g))
		for name := range g {
			if _, dup := seen[name]; !dup {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			seen[name] = struct{}{}
			out = append(out, event.Property{Name: name, Value: g[name]})
		}
	}
	return out
}
