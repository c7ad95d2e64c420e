//go:build windows

package etwnative

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/tekert/golang-etw/etw"
)

// toETW converts an RFC 4122 ordered GUID to the Windows struct layout.
func toETW(g uuid.UUID) etw.GUID {
	out := etw.GUID{
		Data1: binary.BigEndian.Uint32(g[0:4]),
		Data2: binary.BigEndian.Uint16(g[4:6]),
		Data3: binary.BigEndian.Uint16(g[6:8]),
	}
	copy(out.Data4[:], g[8:16])
	return out
}

func fromETW(g etw.GUID) uuid.UUID {
	var out uuid.UUID
	binary.BigEndian.PutUint32(out[0:4], g.Data1)
	binary.BigEndian.PutUint16(out[4:6], g.Data2)
	binary.BigEndian.PutUint16(out[6:8], g.Data3)
	copy(out[8:16], g.Data4[:])
	return out
}
