package upload

import (
	"context"
	"fmt"
	"io"
	"sync"

	"kvmmount/internal/reporter"
	"kvmmount/internal/transport"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PeerChannelUploader streams the image over a dedicated data channel whose
// label is the upload session id. The receiver acknowledges progress on the
// same channel.
type PeerChannelUploader struct {
	opener ChannelOpener
	opts   Options
	logger zerolog.Logger
}

// NewPeerChannelUploader creates a peer channel uploader
func NewPeerChannelUploader(opener ChannelOpener, opts Options, logger zerolog.Logger) *PeerChannelUploader {
	return &PeerChannelUploader{
		opener: opener,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "peer-upload").Logger(),
	}
}

// Upload opens the session's channel and sends everything after AlreadyUploadedBytes
func (u *PeerChannelUploader) Upload(ctx context.Context, req Request) error {
	ch, err := u.opener.OpenChannel(ctx, req.Session.DataChannel)
	if err != nil {
		return transport.Failed("open upload channel", err)
	}
	return u.Send(ctx, ch, req)
}

// Send runs the upload over an already open channel and closes it when done
func (u *PeerChannelUploader) Send(ctx context.Context, ch transport.MessageChannel, req Request) error {
	s := newPeerSession(ch, req, u.opts)
	defer transport.Detach(ch)

	logger := u.logger.With().Str("upload_id", ch.Label()).Logger()
	logger.Info().
		Uint64("offset", s.offset).
		Uint64("total_bytes", req.TotalSize).
		Msg("starting upload")

	if err := s.run(ctx); err != nil {
		_ = ch.Close()
		logger.Warn().Err(err).Uint64("offset", s.offset).Msg("upload stopped")
		return err
	}

	if err := transport.CloseGracefully(ch); err != nil {
		logger.Debug().Err(err).Msg("closing upload channel")
	}
	logger.Info().Msg("upload complete")
	return nil
}

type peerSession struct {
	ch   transport.MessageChannel
	req  Request
	opts Options

	offset uint64

	lowCh      chan struct{}
	errCh      chan *transport.FailedError
	closedCh   chan struct{}
	completeCh chan struct{}
	closeOnce  sync.Once
	doneOnce   sync.Once

	window reporter.RateWindow
}

func newPeerSession(ch transport.MessageChannel, req Request, opts Options) *peerSession {
	s := &peerSession{
		ch:         ch,
		req:        req,
		opts:       opts,
		offset:     req.startOffset(),
		lowCh:      make(chan struct{}, 1),
		errCh:      make(chan *transport.FailedError, 1),
		closedCh:   make(chan struct{}),
		completeCh: make(chan struct{}),
	}
	s.window = reporter.NewRateWindow(opts.Now(), s.offset)

	ch.SetBufferedAmountLowThreshold(opts.LowWatermark)
	ch.OnBufferedAmountLow(func() {
		select {
		case s.lowCh <- struct{}{}:
		default:
		}
	})
	ch.OnError(func(err error) {
		s.fail(transport.Failed("channel error", err))
	})
	ch.OnClose(func() {
		s.closeOnce.Do(func() { close(s.closedCh) })
	})
	ch.OnMessage(s.handleAck)
	return s
}

// fail records why the session stopped; the first report wins
func (s *peerSession) fail(err *transport.FailedError) {
	select {
	case s.errCh <- err:
	default:
	}
}

// handleAck runs on the channel's callback goroutine, which owns s.window
func (s *peerSession) handleAck(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		return
	}
	ack, err := transport.ParseUploadAck(msg.Data)
	if err != nil {
		s.fail(transport.Failed("protocol violation", err))
		return
	}

	s.window = s.window.Observe(s.opts.Now(), ack.AlreadyUploadedBytes)
	s.req.progress(s.window.Progress(ack.TotalSize))

	if ack.AlreadyUploadedBytes >= s.req.TotalSize {
		s.doneOnce.Do(func() { close(s.completeCh) })
	}
}

func (s *peerSession) run(ctx context.Context) error {
	total := s.req.TotalSize
	if s.offset >= total {
		s.req.progress(s.window.Progress(total))
		return nil
	}

	buf := make([]byte, s.opts.ChunkSize)
	for s.offset < total {
		if err := s.waitForCapacity(ctx); err != nil {
			return err
		}

		n := uint64(len(buf))
		if remaining := total - s.offset; remaining < n {
			n = remaining
		}
		read, err := s.req.Source.ReadAt(buf[:n], int64(s.offset))
		if uint64(read) < n {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return transport.Failed(fmt.Sprintf("read source at %d", s.offset), err)
		}

		if err := s.ch.Send(buf[:n]); err != nil {
			return transport.Failed("send chunk", err)
		}
		s.offset += n
	}

	return s.waitForCompletion(ctx)
}

// waitForCapacity pauses while the channel holds at least the high watermark
func (s *peerSession) waitForCapacity(ctx context.Context) error {
	for s.ch.BufferedAmount() >= s.opts.HighWatermark {
		select {
		case <-s.lowCh:
		case err := <-s.errCh:
			return err
		case <-s.closedCh:
			return transport.Failed("channel closed", transport.ErrChannelClosed)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case err := <-s.errCh:
		return err
	case <-s.closedCh:
		return transport.Failed("channel closed", transport.ErrChannelClosed)
	default:
		return nil
	}
}

// waitForCompletion blocks until the receiver acknowledges the final byte
func (s *peerSession) waitForCompletion(ctx context.Context) error {
	select {
	case <-s.completeCh:
		return nil
	default:
	}

	select {
	case <-s.completeCh:
		return nil
	case err := <-s.errCh:
		return err
	case <-s.closedCh:
		select {
		case <-s.completeCh:
			return nil
		default:
		}
		return transport.Failed("channel closed before final acknowledgement", transport.ErrChannelClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}
