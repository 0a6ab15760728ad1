package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrProtocolViolation marks malformed frames or requests from the remote side
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrChannelClosed is returned when a channel closes before its work is done
	ErrChannelClosed = errors.New("channel closed")
)

// MessageChannel is the subset of *webrtc.DataChannel the media protocols rely on.
// Handlers registered through the On* methods must not block.
type MessageChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	OnOpen(f func())
	OnClose(f func())
	OnError(f func(err error))
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

var _ MessageChannel = (*webrtc.DataChannel)(nil)

type gracefulCloser interface {
	GracefulClose() error
}

// FailedError reports a transfer that stopped before completion
type FailedError struct {
	Reason string
	Err    error
}

func (e *FailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer failed: %s: %v", e.Reason, e.Err)
	}
	return "transfer failed: " + e.Reason
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Failed builds a FailedError wrapping err
func Failed(reason string, err error) *FailedError {
	return &FailedError{Reason: reason, Err: err}
}

// Detach replaces every handler on ch with a no-op
func Detach(ch MessageChannel) {
	ch.OnOpen(func() {})
	ch.OnClose(func() {})
	ch.OnError(func(error) {})
	ch.OnMessage(func(webrtc.DataChannelMessage) {})
	ch.OnBufferedAmountLow(func() {})
}

// CloseGracefully closes ch, waiting for queued data when the channel supports it
func CloseGracefully(ch MessageChannel) error {
	if ch.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	if gc, ok := ch.(gracefulCloser); ok {
		return gc.GracefulClose()
	}
	return ch.Close()
}

// WaitOpen blocks until ch is open, it closes, or ctx is done.
// It replaces the channel's OnOpen and OnClose handlers.
func WaitOpen(ctx context.Context, ch MessageChannel) error {
	if ch.ReadyState() == webrtc.DataChannelStateOpen {
		return nil
	}

	openCh := make(chan struct{}, 1)
	closeCh := make(chan struct{}, 1)
	ch.OnOpen(func() {
		select {
		case openCh <- struct{}{}:
		default:
		}
	})
	ch.OnClose(func() {
		select {
		case closeCh <- struct{}{}:
		default:
		}
	})

	select {
	case <-openCh:
		return nil
	case <-closeCh:
		return fmt.Errorf("channel %q: %w", ch.Label(), ErrChannelClosed)
	case <-ctx.Done():
		return fmt.Errorf("waiting for channel %q to open: %w", ch.Label(), ctx.Err())
	}
}
