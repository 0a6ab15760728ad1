package transport

import (
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MemChannel is an in-process MessageChannel. Messages are delivered to the
// peer asynchronously and in order; the sender's buffered amount drops once
// the peer's message handler returns.
type MemChannel struct {
	label string
	peer  *MemChannel

	mu           sync.Mutex
	state        webrtc.DataChannelState
	buffered     uint64
	lowThreshold uint64

	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(webrtc.DataChannelMessage)
	onLow     func()

	qmu    sync.Mutex
	queue  []memItem
	notify chan struct{}
}

type memItem struct {
	msg   webrtc.DataChannelMessage
	err   error
	close bool
}

var _ MessageChannel = (*MemChannel)(nil)

// NewPipe returns two connected, already open channels sharing label
func NewPipe(label string) (*MemChannel, *MemChannel) {
	a := newMemChannel(label)
	b := newMemChannel(label)
	a.peer, b.peer = b, a
	go a.deliver()
	go b.deliver()
	return a, b
}

func newMemChannel(label string) *MemChannel {
	return &MemChannel{
		label:  label,
		state:  webrtc.DataChannelStateOpen,
		notify: make(chan struct{}, 1),
	}
}

func (c *MemChannel) Label() string {
	return c.label
}

func (c *MemChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MemChannel) Send(data []byte) error {
	return c.send(webrtc.DataChannelMessage{Data: append([]byte(nil), data...)})
}

func (c *MemChannel) SendText(s string) error {
	return c.send(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
}

func (c *MemChannel) send(msg webrtc.DataChannelMessage) error {
	c.mu.Lock()
	if c.state != webrtc.DataChannelStateOpen {
		c.mu.Unlock()
		return io.ErrClosedPipe
	}
	c.buffered += uint64(len(msg.Data))
	c.mu.Unlock()

	c.peer.push(memItem{msg: msg})
	return nil
}

func (c *MemChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *MemChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.mu.Lock()
	c.lowThreshold = th
	c.mu.Unlock()
}

func (c *MemChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

// OnOpen fires f right away when the channel is already open, like pion does.
func (c *MemChannel) OnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	open := c.state == webrtc.DataChannelStateOpen
	c.mu.Unlock()
	if open && f != nil {
		go f()
	}
}

func (c *MemChannel) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *MemChannel) OnError(f func(err error)) {
	c.mu.Lock()
	c.onError = f
	c.mu.Unlock()
}

func (c *MemChannel) OnMessage(f func(msg webrtc.DataChannelMessage)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
}

// Close shuts both ends down after in-flight messages have been delivered
func (c *MemChannel) Close() error {
	c.mu.Lock()
	if c.state != webrtc.DataChannelStateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = webrtc.DataChannelStateClosing
	c.mu.Unlock()

	c.push(memItem{close: true})
	c.peer.push(memItem{close: true})
	return nil
}

// Fail reports err on this end and then closes the pipe
func (c *MemChannel) Fail(err error) {
	c.push(memItem{err: err})
	_ = c.Close()
}

func (c *MemChannel) push(item memItem) {
	c.qmu.Lock()
	c.queue = append(c.queue, item)
	c.qmu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *MemChannel) pop() (memItem, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return memItem{}, false
	}
	item := c.queue[0]
	c.queue[0] = memItem{}
	c.queue = c.queue[1:]
	return item, true
}

func (c *MemChannel) deliver() {
	for {
		item, ok := c.pop()
		if !ok {
			<-c.notify
			continue
		}

		switch {
		case item.close:
			c.mu.Lock()
			c.state = webrtc.DataChannelStateClosed
			onClose := c.onClose
			c.mu.Unlock()
			if onClose != nil {
				onClose()
			}
			return
		case item.err != nil:
			c.mu.Lock()
			onError := c.onError
			c.mu.Unlock()
			if onError != nil {
				onError(item.err)
			}
		default:
			c.mu.Lock()
			onMessage := c.onMessage
			c.mu.Unlock()
			if onMessage != nil {
				onMessage(item.msg)
			}
			c.peer.drain(uint64(len(item.msg.Data)))
		}
	}
}

func (c *MemChannel) drain(n uint64) {
	c.mu.Lock()
	before := c.buffered
	if n > c.buffered {
		n = c.buffered
	}
	c.buffered -= n
	crossed := before > c.lowThreshold && c.buffered <= c.lowThreshold
	onLow := c.onLow
	c.mu.Unlock()

	if crossed && onLow != nil {
		onLow()
	}
}
