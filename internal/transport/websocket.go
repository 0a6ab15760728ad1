package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const wsWriteTimeout = 10 * time.Second

var wsDialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// WSChannel adapts a WebSocket connection to MessageChannel. Writes are
// synchronous so the buffered amount is always zero.
type WSChannel struct {
	conn  *websocket.Conn
	label string

	writeMu sync.Mutex

	mu        sync.Mutex
	state     webrtc.DataChannelState
	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(webrtc.DataChannelMessage)

	started   chan struct{}
	startOnce sync.Once
}

var _ MessageChannel = (*WSChannel)(nil)

// DialWebSocket connects to wsURL and wraps the connection
func DialWebSocket(ctx context.Context, wsURL, label string) (*WSChannel, error) {
	conn, resp, err := wsDialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return NewWSChannel(conn, label), nil
}

// NewWSChannel wraps an established connection. Reading starts once an
// OnMessage handler is registered so no message is lost.
func NewWSChannel(conn *websocket.Conn, label string) *WSChannel {
	c := &WSChannel{
		conn:    conn,
		label:   label,
		state:   webrtc.DataChannelStateOpen,
		started: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *WSChannel) Label() string {
	return c.label
}

func (c *WSChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *WSChannel) Send(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *WSChannel) SendText(s string) error {
	return c.write(websocket.TextMessage, []byte(s))
}

func (c *WSChannel) write(messageType int, data []byte) error {
	if c.ReadyState() != webrtc.DataChannelStateOpen {
		return io.ErrClosedPipe
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *WSChannel) BufferedAmount() uint64 {
	return 0
}

func (c *WSChannel) SetBufferedAmountLowThreshold(uint64) {}

func (c *WSChannel) OnBufferedAmountLow(func()) {}

func (c *WSChannel) OnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	open := c.state == webrtc.DataChannelStateOpen
	c.mu.Unlock()
	if open && f != nil {
		go f()
	}
}

func (c *WSChannel) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *WSChannel) OnError(f func(err error)) {
	c.mu.Lock()
	c.onError = f
	c.mu.Unlock()
}

func (c *WSChannel) OnMessage(f func(msg webrtc.DataChannelMessage)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
	c.startOnce.Do(func() { close(c.started) })
}

// Close sends a close frame and tears the connection down
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.state != webrtc.DataChannelStateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = webrtc.DataChannelStateClosing
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.startOnce.Do(func() { close(c.started) })
	return c.conn.Close()
}

func (c *WSChannel) readLoop() {
	<-c.started

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			expected := c.state != webrtc.DataChannelStateOpen
			c.state = webrtc.DataChannelStateClosed
			onError, onClose := c.onError, c.onClose
			c.mu.Unlock()

			if !expected && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && onError != nil {
				onError(err)
			}
			_ = c.conn.Close()
			if onClose != nil {
				onClose()
			}
			return
		}

		c.mu.Lock()
		onMessage := c.onMessage
		c.mu.Unlock()
		if onMessage != nil {
			onMessage(webrtc.DataChannelMessage{
				IsString: messageType == websocket.TextMessage,
				Data:     data,
			})
		}
	}
}
