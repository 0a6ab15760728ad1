package transport

import (
	"encoding/binary"
	"fmt"
)

// FrameHeaderSize is the length of the big-endian offset/length header
const FrameHeaderSize = 16

// Frame is one block response: the bytes of a file starting at Offset
type Frame struct {
	Offset uint64
	Data   []byte
}

// EncodeFrame returns header+data for a block response
func EncodeFrame(offset uint64, data []byte) []byte {
	return AppendFrame(make([]byte, 0, FrameHeaderSize+len(data)), offset, data)
}

// AppendFrame appends the encoded frame to dst
func AppendFrame(dst []byte, offset uint64, data []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, offset)
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(data)))
	return append(dst, data...)
}

// PutFrameHeader writes the header for a payload of length bytes into dst[:FrameHeaderSize]
func PutFrameHeader(dst []byte, offset, length uint64) {
	binary.BigEndian.PutUint64(dst[0:8], offset)
	binary.BigEndian.PutUint64(dst[8:16], length)
}

// DecodeFrame parses a single frame. The returned Data aliases b.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < FrameHeaderSize {
		return Frame{}, fmt.Errorf("frame of %d bytes is shorter than header: %w", len(b), ErrProtocolViolation)
	}

	offset := binary.BigEndian.Uint64(b[0:8])
	length := binary.BigEndian.Uint64(b[8:16])
	payload := b[FrameHeaderSize:]

	if length > uint64(len(payload)) {
		return Frame{}, fmt.Errorf("frame declares %d bytes but carries %d: %w", length, len(payload), ErrProtocolViolation)
	}
	if length < uint64(len(payload)) {
		return Frame{}, fmt.Errorf("frame has %d trailing bytes: %w", uint64(len(payload))-length, ErrProtocolViolation)
	}

	return Frame{Offset: offset, Data: payload}, nil
}
