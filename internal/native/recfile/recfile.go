// Package recfile implements capture files: a permanent log of the raw
// records and buffer boundaries a live session delivered. A Writer tees a
// live native.Handle into a file; Replay is a native.Facility that plays a
// capture back through the same engine.
//
// A file starts with the 8 byte magic "ETWPREC1" followed by frames. Each
// frame is a tag byte and a tag dependent body, integers little endian:
//
//	'P' provider  GUID (16) | name length u16 | name
//	'E' event     length u32 | raw record
//	'B' buffer    filled u32 | size u32 | unix nanos i64 | flags u8
package recfile

import (
	"errors"
)

const (
	magic = "ETWPREC1"

	tagProvider = 'P'
	tagEvent    = 'E'
	tagBuffer   = 'B'

	bufferFlagMetadataErr = 1

	// A native event never exceeds 64 KiB; anything far larger means the
	// file is damaged.
	maxEventSize = 1 << 20
)

var (
	ErrBadMagic = errors.New("not a capture file")
	ErrCorrupt  = errors.New("capture file corrupt")
	// ErrBufferMetadata is reported for replayed buffers whose metadata
	// could not be read at capture time.
	ErrBufferMetadata = errors.New("buffer metadata unavailable at capture time")
)

// FrameKind identifies a frame.
type FrameKind byte

const (
	FrameProvider FrameKind = tagProvider
	FrameEvent    FrameKind = tagEvent
	FrameBuffer   FrameKind = tagBuffer
)
