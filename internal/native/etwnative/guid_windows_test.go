//go:build windows

package etwnative

import (
	"testing"

	"github.com/google/uuid"
	"github.com/tekert/golang-etw/etw"
)

func TestGUIDConversion(t *testing.T) {
	u := uuid.MustParse("22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716")
	g := toETW(u)
	want := etw.GUID{
		Data1: 0x22fb2cd6,
		Data2: 0x0e7b,
		Data3: 0x422b,
		Data4: [8]byte{0xa0, 0xc7, 0x2f, 0xad, 0x1f, 0xd0, 0xe7, 0x16},
	}
	if g != want {
		t.Fatalf("toETW = %+v, want %+v", g, want)
	}
	if back := fromETW(g); back != u {
		t.Fatalf("fromETW = %s, want %s", back, u)
	}
}
