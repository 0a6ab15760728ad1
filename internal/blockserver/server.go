package blockserver

import (
	"context"
	"fmt"
	"io"
	"sync"

	"kvmmount/internal/transport"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// State is the lifecycle of a block server
type State int

const (
	StateIdle State = iota
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Server answers block requests on the disk channel from a local file.
// Requests are served one at a time in arrival order.
type Server struct {
	ch     transport.MessageChannel
	logger zerolog.Logger

	mu      sync.Mutex
	file    io.ReaderAt
	size    uint64
	state   State
	queue   []transport.BlockRequest
	err     error
	served  uint64
	stopped bool

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New creates a block server for file of the given size
func New(ch transport.MessageChannel, file io.ReaderAt, size uint64, logger zerolog.Logger) *Server {
	return &Server{
		ch:     ch,
		file:   file,
		size:   size,
		logger: logger.With().Str("component", "blockserver").Str("label", ch.Label()).Logger(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start attaches to the channel and serves requests until the channel closes,
// Close is called, or ctx is done
func (s *Server) Start(ctx context.Context) {
	s.ch.OnMessage(s.handleMessage)
	s.ch.OnClose(func() {
		s.logger.Debug().Msg("disk channel closed")
		s.stop(nil)
	})
	s.ch.OnError(func(err error) {
		s.stop(transport.Failed("disk channel error", err))
	})

	go s.serve(ctx)
}

// State returns the server's lifecycle state
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Served returns the number of requests answered so far
func (s *Server) Served() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

// Done is closed once the server has stopped
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns why the server stopped; nil for an orderly close
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops serving, detaches from the channel and releases the file.
// The disk channel itself stays open for the next mount.
func (s *Server) Close() error {
	s.stop(nil)
	return nil
}

func (s *Server) handleMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		s.violation(fmt.Errorf("unexpected binary message of %d bytes: %w", len(msg.Data), transport.ErrProtocolViolation))
		return
	}
	req, err := transport.ParseBlockRequest(msg.Data)
	if err != nil {
		s.violation(err)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if req.Start > s.size {
		s.mu.Unlock()
		s.violation(fmt.Errorf("block request start %d is past end of file %d: %w", req.Start, s.size, transport.ErrProtocolViolation))
		return
	}
	if s.state == StateIdle {
		s.state = StateServing
	}
	s.queue = append(s.queue, req)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Server) violation(err error) {
	s.logger.Warn().Err(err).Msg("closing disk channel")
	s.stop(transport.Failed("protocol violation", err))
	_ = s.ch.Close()
}

func (s *Server) stop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.state = StateClosed
		s.err = err
		s.queue = nil
		s.file = nil
		s.mu.Unlock()

		transport.Detach(s.ch)
		close(s.done)
	})
}

func (s *Server) next() (transport.BlockRequest, io.ReaderAt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.queue) == 0 {
		return transport.BlockRequest{}, nil, false
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	return req, s.file, true
}

func (s *Server) serve(ctx context.Context) {
	var buf []byte
	for {
		req, file, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				s.stop(ctx.Err())
				return
			}
		}

		end := req.End
		if end > s.size {
			end = s.size
		}
		n := int(end - req.Start)

		if cap(buf) < transport.FrameHeaderSize+n {
			buf = make([]byte, 0, transport.FrameHeaderSize+n)
		}
		frame := buf[:transport.FrameHeaderSize+n]
		read, err := file.ReadAt(frame[transport.FrameHeaderSize:], int64(req.Start))
		if read < n {
			s.stop(transport.Failed(fmt.Sprintf("read local file at %d", req.Start), err))
			return
		}
		transport.PutFrameHeader(frame, req.Start, uint64(n))

		if err := s.ch.Send(frame); err != nil {
			s.stop(transport.Failed("send block", err))
			return
		}

		s.mu.Lock()
		s.served++
		s.mu.Unlock()
		s.logger.Trace().Uint64("start", req.Start).Int("length", n).Msg("served block")
	}
}
