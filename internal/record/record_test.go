package record

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yew011/etwpilot-sub000/internal/event"
)

func sampleEvent() *event.Event {
	return &event.Event{
		ProviderID:   uuid.MustParse("22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716"),
		ProviderName: "Microsoft-Windows-Kernel-Process",
		EventID:      1,
		Version:      3,
		Level:        4,
		Opcode:       1,
		Keywords:     0x10,
		ProcessID:    4,
		ThreadID:     128,
		ActivityID:   uuid.MustParse("6a399ae0-4bc6-4de9-870b-3657f8947e7e"),
		UserSID:      "S-1-5-18",
		Timestamp:    time.Date(2026, 10, 18, 12, 0, 0, 500, time.UTC),
		Payload: []event.Property{
			{Name: "ProcessID", Value: uint32(1234)},
			{Name: "ImageName", Value: `\Device\HarddiskVolume3\Windows\notepad.exe`},
			{Name: "ExitCode", Value: int32(-1)},
			{Name: "Elevated", Value: true},
			{Name: "Ratio", Value: 0.5},
			{Name: "Blob", Value: []byte{0xde, 0xad}},
			{Name: "Empty", Value: nil},
		},
		Stack: []uint64{0xfffff80000001000, 0x7ff600001234},
	}
}

func TestEncodeDecode(t *testing.T) {
	in := sampleEvent()
	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := NewDecoder().Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, in.ProviderID, out.ProviderID)
	assert.Equal(t, in.ProviderName, out.ProviderName)
	assert.Equal(t, in.EventID, out.EventID)
	assert.Equal(t, in.ProcessID, out.ProcessID)
	assert.Equal(t, in.ThreadID, out.ThreadID)
	assert.Equal(t, in.ActivityID, out.ActivityID)
	assert.Equal(t, in.UserSID, out.UserSID)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.Stack, out.Stack)

	// Integer widths are normalized on the wire.
	v, ok := out.Property("ProcessID")
	require.True(t, ok)
	assert.Equal(t, uint64(1234), v)
	v, _ = out.Property("ExitCode")
	assert.Equal(t, int64(-1), v)
	s, ok := out.PropertyString("ImageName")
	require.True(t, ok)
	assert.Contains(t, s, "notepad.exe")
	v, _ = out.Property("Empty")
	assert.Nil(t, v)
	require.Len(t, out.Payload, len(in.Payload))
	assert.Equal(t, "Blob", out.Payload[5].Name)
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	raw, err := Encode(sampleEvent())
	require.NoError(t, err)

	out, err := NewDecoder().Decode(raw)
	require.NoError(t, err)
	for i := range raw {
		raw[i] = 0
	}
	v, _ := out.Property("Blob")
	assert.Equal(t, []byte{0xde, 0xad}, v)
	assert.Equal(t, "Microsoft-Windows-Kernel-Process", out.ProviderName)
}

func TestDecodeErrors(t *testing.T) {
	good, err := Encode(sampleEvent())
	require.NoError(t, err)

	badVersion := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(badVersion, 7)

	badHeader := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(badHeader[2:], 12)

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"header only half", good[:30], ErrTruncated},
		{"cut in payload", good[:len(good)-20], ErrTruncated},
		{"unknown version", badVersion, ErrUnsupportedVersion},
		{"wrong header size", badHeader, ErrBadHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder().Decode(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDecodeUnknownValueType(t *testing.T) {
	ev := &event.Event{Payload: []event.Property{{Name: "x", Value: true}}}
	raw, err := Encode(ev)
	require.NoError(t, err)
	// type byte follows the header, two empty strings and the name.
	typeOff := headerSizeV1 + 2 + 2 + 2 + 1
	raw[typeOff] = 0x7f
	_, err = NewDecoder().Decode(raw)
	assert.ErrorIs(t, err, ErrUnknownValueType)
}

func TestPeekHeader(t *testing.T) {
	in := sampleEvent()
	raw, err := Encode(in)
	require.NoError(t, err)

	h, err := PeekHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, in.EventID, h.EventID)
	assert.Equal(t, in.ProcessID, h.ProcessID)
	assert.Equal(t, in.ProviderID, h.Provider)

	_, err = PeekHeader(raw[:10])
	assert.ErrorIs(t, err, ErrTruncated)
}
