package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"kvmmount/internal/transport"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// HandlerFunc serves one method. Returning an *Error sends it verbatim;
// any other error is reported as an internal error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches JSON-RPC requests to registered handlers
type Server struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewServer creates an empty dispatcher
func NewServer(logger zerolog.Logger) *Server {
	return &Server{
		logger:   logger.With().Str("component", "rpc-server").Logger(),
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds method to h
func (s *Server) Register(method string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Serve answers requests arriving on ch until ctx is done. Each request is
// handled on its own goroutine.
func (s *Server) Serve(ctx context.Context, ch transport.MessageChannel) {
	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		go func() {
			resp := s.Handle(ctx, msg.Data)
			if resp == nil {
				return
			}
			data, err := json.Marshal(resp)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to encode rpc response")
				return
			}
			if err := ch.SendText(string(data)); err != nil {
				s.logger.Warn().Err(err).Msg("failed to send rpc response")
			}
		}()
	})
}

// Notify sends a device-initiated event
func (s *Server) Notify(ch transport.MessageChannel, method string, params any) error {
	req := Request{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return ch.SendText(string(data))
}

// Handle processes one raw request and returns the response, or nil for notifications
func (s *Server) Handle(ctx context.Context, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		zero := int64(0)
		return &Response{JSONRPC: Version, Error: &Error{Code: CodeParseError, Message: "Parse error"}, ID: &zero}
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		if req.ID == nil {
			return nil
		}
		return &Response{JSONRPC: Version, Error: &Error{Code: CodeMethodNotFound, Message: "Method not found"}, ID: req.ID}
	}

	result, err := h(ctx, req.Params)
	if req.ID == nil {
		return nil
	}
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeInternalError, Message: "Internal error", Data: err.Error()}
		}
		s.logger.Debug().Str("method", req.Method).Err(err).Msg("rpc call failed")
		return &Response{JSONRPC: Version, Error: rpcErr, ID: req.ID}
	}

	resp := &Response{JSONRPC: Version, ID: req.ID}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return &Response{JSONRPC: Version, Error: &Error{Code: CodeInternalError, Message: "Internal error", Data: err.Error()}, ID: req.ID}
		}
		resp.Result = raw
	}
	return resp
}

// DecodeParams unmarshals params into v, reporting failures as invalid params
func DecodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: "missing params"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}
