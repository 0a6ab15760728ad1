package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"kvmmount/internal/transport"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("rpc client closed")

// EventHandler receives device-initiated notifications
type EventHandler func(method string, params json.RawMessage)

// Client issues JSON-RPC calls over a message channel and matches responses
// to callers by numeric id
type Client struct {
	ch     transport.MessageChannel
	logger zerolog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan Response
	closed  bool
	onEvent EventHandler
}

// NewClient attaches a client to ch
func NewClient(ch transport.MessageChannel, logger zerolog.Logger) *Client {
	c := &Client{
		ch:      ch,
		logger:  logger.With().Str("component", "rpc").Logger(),
		pending: make(map[int64]chan Response),
	}
	ch.OnMessage(c.handleMessage)
	ch.OnClose(c.shutdown)
	return c
}

// OnEvent registers a handler for notifications sent by the device
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.onEvent = h
	c.mu.Unlock()
}

// Call invokes method with params and decodes the result into result, which may be nil
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	req := Request{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		req.Params = raw
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	req.ID = &id
	respCh := make(chan Response, 1)
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	c.logger.Debug().Str("method", method).Int64("id", id).Msg("rpc call")
	if err := c.ch.SendText(string(data)); err != nil {
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return ErrClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Close fails every pending call and closes the channel
func (c *Client) Close() error {
	c.shutdown()
	return c.ch.Close()
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) handleMessage(msg webrtc.DataChannelMessage) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed rpc message")
		return
	}

	if env.Method != "" && env.ID == nil {
		c.mu.Lock()
		h := c.onEvent
		c.mu.Unlock()
		if h != nil {
			h(env.Method, env.Params)
		}
		return
	}

	if env.ID == nil {
		c.logger.Warn().Interface("error", env.Error).Msg("rpc response without id")
		return
	}

	c.mu.Lock()
	respCh, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Int64("id", *env.ID).Msg("response for unknown call")
		return
	}

	respCh <- Response{JSONRPC: env.JSONRPC, Result: env.Result, Error: env.Error, ID: env.ID}
}
