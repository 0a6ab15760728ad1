package transport

import (
	"encoding/json"
	"fmt"
)

// MaxBlockRequest is the largest range one block request may cover, the
// device's maximum NBD block size
const MaxBlockRequest = 16 * 1024

// BlockRequest asks for the byte range [Start, End) of the served file
type BlockRequest struct {
	Start uint64
	End   uint64
}

type blockRequestWire struct {
	StartOffset *uint64 `json:"startOffset,omitempty"`
	EndOffset   *uint64 `json:"endOffset,omitempty"`
	Start       *uint64 `json:"start,omitempty"`
	End         *uint64 `json:"end,omitempty"`
}

func (r BlockRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(blockRequestWire{StartOffset: &r.Start, EndOffset: &r.End})
}

// UnmarshalJSON accepts both {startOffset,endOffset} and the firmware's {start,end}
func (r *BlockRequest) UnmarshalJSON(data []byte) error {
	var w blockRequestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	start, end := w.StartOffset, w.EndOffset
	if start == nil && end == nil {
		start, end = w.Start, w.End
	}
	if start == nil || end == nil {
		return fmt.Errorf("block request is missing its range")
	}

	r.Start, r.End = *start, *end
	return nil
}

// Len returns the number of bytes requested
func (r BlockRequest) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// ParseBlockRequest decodes and validates a request received on the disk channel
func ParseBlockRequest(data []byte) (BlockRequest, error) {
	var req BlockRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return BlockRequest{}, fmt.Errorf("malformed block request: %v: %w", err, ErrProtocolViolation)
	}
	if req.Start > req.End {
		return BlockRequest{}, fmt.Errorf("block request start %d is past end %d: %w", req.Start, req.End, ErrProtocolViolation)
	}
	if req.Len() > MaxBlockRequest {
		return BlockRequest{}, fmt.Errorf("block request of %d bytes exceeds %d: %w", req.Len(), MaxBlockRequest, ErrProtocolViolation)
	}
	return req, nil
}

// UploadAck is the receiver's report of how many bytes it has persisted
type UploadAck struct {
	AlreadyUploadedBytes uint64
	TotalSize            uint64
}

type uploadAckWire struct {
	AlreadyUploadedBytes *uint64 `json:"alreadyUploadedBytes,omitempty"`
	TotalSize            *uint64 `json:"totalSize,omitempty"`
	Size                 *uint64 `json:"Size,omitempty"`
}

func (a UploadAck) MarshalJSON() ([]byte, error) {
	return json.Marshal(uploadAckWire{AlreadyUploadedBytes: &a.AlreadyUploadedBytes, TotalSize: &a.TotalSize})
}

// UnmarshalJSON also accepts the firmware's {AlreadyUploadedBytes, Size} spelling
func (a *UploadAck) UnmarshalJSON(data []byte) error {
	var w uploadAckWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.AlreadyUploadedBytes == nil {
		return fmt.Errorf("upload ack is missing alreadyUploadedBytes")
	}

	total := w.TotalSize
	if total == nil {
		total = w.Size
	}
	if total == nil {
		return fmt.Errorf("upload ack is missing its total size")
	}

	a.AlreadyUploadedBytes, a.TotalSize = *w.AlreadyUploadedBytes, *total
	return nil
}

// Complete reports whether the receiver holds the whole file
func (a UploadAck) Complete() bool {
	return a.AlreadyUploadedBytes >= a.TotalSize
}

// ParseUploadAck decodes an ack received on an upload channel
func ParseUploadAck(data []byte) (UploadAck, error) {
	var ack UploadAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return UploadAck{}, fmt.Errorf("malformed upload ack: %v: %w", err, ErrProtocolViolation)
	}
	return ack, nil
}
