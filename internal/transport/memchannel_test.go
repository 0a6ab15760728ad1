package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := NewPipe("test")
	defer a.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	b.OnMessage(func(msg webrtc.DataChannelMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Data))
		if len(got) == 3 {
			close(done)
		}
	})

	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.SendText("two"))
	require.NoError(t, a.Send([]byte("three")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not delivered")
	}
	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
	mu.Unlock()
}

func TestPipeBufferedAmountAndLowEvent(t *testing.T) {
	a, b := NewPipe("test")
	defer a.Close()

	release := make(chan struct{})
	b.OnMessage(func(webrtc.DataChannelMessage) { <-release })

	lowCh := make(chan struct{}, 1)
	a.SetBufferedAmountLowThreshold(10)
	a.OnBufferedAmountLow(func() { lowCh <- struct{}{} })

	require.NoError(t, a.Send(make([]byte, 8)))
	require.NoError(t, a.Send(make([]byte, 8)))
	require.NoError(t, a.Send(make([]byte, 8)))
	assert.Equal(t, uint64(24), a.BufferedAmount())

	close(release)
	select {
	case <-lowCh:
	case <-time.After(2 * time.Second):
		t.Fatal("buffered amount low never fired")
	}
	assert.Eventually(t, func() bool { return a.BufferedAmount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPipeSendCopiesData(t *testing.T) {
	a, b := NewPipe("test")
	defer a.Close()

	got := make(chan []byte, 1)
	b.OnMessage(func(msg webrtc.DataChannelMessage) { got <- msg.Data })

	buf := []byte("abc")
	require.NoError(t, a.Send(buf))
	buf[0] = 'z'

	assert.Equal(t, []byte("abc"), <-got)
}

func TestPipeCloseAfterPendingMessages(t *testing.T) {
	a, b := NewPipe("test")

	var mu sync.Mutex
	var events []string
	closed := make(chan struct{})
	b.OnMessage(func(msg webrtc.DataChannelMessage) {
		mu.Lock()
		events = append(events, string(msg.Data))
		mu.Unlock()
	})
	b.OnClose(func() {
		mu.Lock()
		events = append(events, "close")
		mu.Unlock()
		close(closed)
	})

	require.NoError(t, a.Send([]byte("last")))
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send([]byte("late")), io.ErrClosedPipe)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("peer never closed")
	}
	mu.Lock()
	assert.Equal(t, []string{"last", "close"}, events)
	mu.Unlock()
	assert.Equal(t, webrtc.DataChannelStateClosed, b.ReadyState())
}

func TestPipeFail(t *testing.T) {
	a, b := NewPipe("test")

	errCh := make(chan error, 1)
	a.OnError(func(err error) { errCh <- err })
	peerClosed := make(chan struct{})
	b.OnClose(func() { close(peerClosed) })

	boom := errors.New("boom")
	a.Fail(boom)

	assert.ErrorIs(t, <-errCh, boom)
	<-peerClosed
}

func TestWaitOpen(t *testing.T) {
	a, _ := NewPipe("test")
	defer a.Close()
	require.NoError(t, WaitOpen(context.Background(), a))
}

func TestDetachSilencesHandlers(t *testing.T) {
	a, b := NewPipe("test")

	called := make(chan struct{}, 1)
	b.OnMessage(func(webrtc.DataChannelMessage) { called <- struct{}{} })
	Detach(b)

	closed := make(chan struct{})
	require.NoError(t, a.Send([]byte("x")))
	a.OnClose(func() { close(closed) })
	require.NoError(t, a.Close())
	<-closed

	select {
	case <-called:
		t.Fatal("detached handler was invoked")
	default:
	}
}
