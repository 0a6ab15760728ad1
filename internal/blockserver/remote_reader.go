package blockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"kvmmount/internal/transport"

	"github.com/pion/webrtc/v4"
)

// DefaultReadTimeout bounds how long a single remote read may take
const DefaultReadTimeout = 5 * time.Second

var ErrReaderClosed = errors.New("remote reader closed")

// RemoteReader is the device side of a live mount: it requests byte ranges
// from the client's block server. Reads are serialized, so each response
// belongs to the single outstanding request. A response that belongs to no
// request is a protocol violation and ends the session.
type RemoteReader struct {
	ch      transport.MessageChannel
	size    int64
	timeout time.Duration

	readMu sync.Mutex
	// abandoned holds offsets of timed-out requests whose responses may still arrive
	abandoned map[uint64]int
	frames    chan []byte
	closed    chan struct{}
	once      sync.Once
}

var _ io.ReaderAt = (*RemoteReader)(nil)

// NewRemoteReader attaches to the disk channel for an image of size bytes
func NewRemoteReader(ch transport.MessageChannel, size int64, timeout time.Duration) *RemoteReader {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	r := &RemoteReader{
		ch:        ch,
		size:      size,
		timeout:   timeout,
		abandoned: make(map[uint64]int),
		frames:    make(chan []byte, 4),
		closed:    make(chan struct{}),
	}
	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		select {
		case r.frames <- msg.Data:
		default:
		}
	})
	ch.OnClose(r.markClosed)
	return r
}

// Size returns the image size
func (r *RemoteReader) Size() int64 {
	return r.size
}

// Close detaches the reader from the channel
func (r *RemoteReader) Close() error {
	r.markClosed()
	transport.Detach(r.ch)
	return nil
}

func (r *RemoteReader) markClosed() {
	r.once.Do(func() { close(r.closed) })
}

// ReadAt implements io.ReaderAt. Reads larger than transport.MaxBlockRequest
// are split, each request bounded by the reader's timeout.
func (r *RemoteReader) ReadAt(p []byte, off int64) (int, error) {
	var n int
	for n < len(p) {
		chunk := p[n:]
		if len(chunk) > transport.MaxBlockRequest {
			chunk = chunk[:transport.MaxBlockRequest]
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		data, err := r.Read(ctx, off+int64(n), int64(len(chunk)))
		cancel()

		n += copy(chunk, data)
		if err != nil {
			return n, err
		}
		if len(data) < len(chunk) {
			return n, io.EOF
		}
	}
	return n, nil
}

// Read fetches up to size bytes at offset. The range is clamped to the image
// size and to transport.MaxBlockRequest.
func (r *RemoteReader) Read(ctx context.Context, offset, size int64) ([]byte, error) {
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("invalid read range %d+%d", offset, size)
	}
	if offset >= r.size {
		return nil, io.EOF
	}
	if size > transport.MaxBlockRequest {
		size = transport.MaxBlockRequest
	}
	end := offset + size
	if end > r.size {
		end = r.size
	}

	r.readMu.Lock()
	defer r.readMu.Unlock()

	select {
	case <-r.closed:
		return nil, ErrReaderClosed
	default:
	}

	// drop responses to reads that timed out earlier
	for drained := false; !drained; {
		select {
		case data := <-r.frames:
			if frame, err := transport.DecodeFrame(data); err != nil {
				return nil, r.violation(err)
			} else if !r.forget(frame.Offset) {
				return nil, r.violation(fmt.Errorf("unrequested block at %d: %w", frame.Offset, transport.ErrProtocolViolation))
			}
		default:
			drained = true
		}
	}

	req, err := json.Marshal(transport.BlockRequest{Start: uint64(offset), End: uint64(end)})
	if err != nil {
		return nil, err
	}
	if err := r.ch.SendText(string(req)); err != nil {
		return nil, fmt.Errorf("failed to send block request: %w", err)
	}

	for {
		select {
		case data := <-r.frames:
			frame, err := transport.DecodeFrame(data)
			if err != nil {
				return nil, r.violation(err)
			}
			if frame.Offset == uint64(offset) && int64(len(frame.Data)) == end-offset {
				return frame.Data, nil
			}
			if r.forget(frame.Offset) {
				continue
			}
			if frame.Offset != uint64(offset) {
				return nil, r.violation(fmt.Errorf("block at %d received while waiting for %d: %w", frame.Offset, offset, transport.ErrProtocolViolation))
			}
			return nil, r.violation(fmt.Errorf("block at %d has %d bytes, want %d: %w", offset, len(frame.Data), end-offset, transport.ErrProtocolViolation))
		case <-r.closed:
			return nil, ErrReaderClosed
		case <-ctx.Done():
			r.abandoned[uint64(offset)]++
			return nil, fmt.Errorf("reading block at %d: %w", offset, ctx.Err())
		}
	}
}

// forget consumes one abandoned request at offset; caller holds readMu
func (r *RemoteReader) forget(offset uint64) bool {
	if r.abandoned[offset] == 0 {
		return false
	}
	r.abandoned[offset]--
	if r.abandoned[offset] == 0 {
		delete(r.abandoned, offset)
	}
	return true
}

// violation ends the session: the disk channel is closed and every later read fails
func (r *RemoteReader) violation(err error) error {
	r.markClosed()
	transport.Detach(r.ch)
	_ = r.ch.Close()
	return transport.Failed("protocol violation", err)
}
