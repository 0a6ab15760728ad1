package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"kvmmount/internal/transport"

	"github.com/pion/webrtc/v4"
)

// AckState is the receiving end of a bulk upload: bytes persisted so far and
// when the last acknowledgement went out.
type AckState struct {
	Written  uint64
	Total    uint64
	Interval time.Duration
	lastAck  time.Time
}

// NewAckState starts acknowledging from already persisted bytes
func NewAckState(already, total uint64, interval time.Duration, now time.Time) AckState {
	return AckState{Written: already, Total: total, Interval: interval, lastAck: now}
}

// Receive accounts for n newly written bytes. The ack is non-nil when one is
// due: the interval has elapsed or the upload is complete.
func (s AckState) Receive(n int, now time.Time) (AckState, *transport.UploadAck) {
	s.Written += uint64(n)
	if now.Sub(s.lastAck) < s.Interval && !s.Complete() {
		return s, nil
	}
	s.lastAck = now
	return s, &transport.UploadAck{AlreadyUploadedBytes: s.Written, TotalSize: s.Total}
}

// Complete reports whether every byte has arrived
func (s AckState) Complete() bool {
	return s.Written >= s.Total
}

// Receiver writes the chunks arriving on an upload channel and acknowledges them
type Receiver struct {
	ch  transport.MessageChannel
	w   io.Writer
	now func() time.Time

	mu       sync.Mutex
	state    AckState
	finished bool
	done     chan error
}

// NewReceiver registers its handlers on ch right away so no chunk is missed
func NewReceiver(ch transport.MessageChannel, w io.Writer, state AckState, now func() time.Time) *Receiver {
	if now == nil {
		now = time.Now
	}
	r := &Receiver{
		ch:    ch,
		w:     w,
		now:   now,
		state: state,
		done:  make(chan error, 1),
	}
	if state.Complete() {
		r.finish(nil)
		return r
	}
	ch.OnMessage(r.handleChunk)
	ch.OnClose(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.finish(transport.ErrChannelClosed)
	})
	return r
}

func (r *Receiver) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true
	r.done <- err
}

func (r *Receiver) handleChunk(msg webrtc.DataChannelMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || msg.IsString {
		return
	}

	written, err := r.w.Write(msg.Data)
	if err != nil {
		r.finish(fmt.Errorf("failed to write upload data: %w", err))
		return
	}

	var ack *transport.UploadAck
	r.state, ack = r.state.Receive(written, r.now())
	if ack != nil {
		data, err := json.Marshal(ack)
		if err == nil {
			err = r.ch.SendText(string(data))
		}
		if err != nil {
			r.finish(fmt.Errorf("failed to send upload ack: %w", err))
			return
		}
	}
	if r.state.Complete() {
		r.finish(nil)
	}
}

// Wait blocks until the upload completes, the channel closes, or ctx is done.
// It detaches from the channel and returns the final state.
func (r *Receiver) Wait(ctx context.Context) (AckState, error) {
	var err error
	select {
	case err = <-r.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	transport.Detach(r.ch)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	return r.state, err
}
