package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"kvmmount/internal/transport"
	"kvmmount/pkg/types"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T, register func(s *Server)) (*Client, *transport.MemChannel) {
	t.Helper()
	clientEnd, deviceEnd := transport.NewPipe(transport.RPCChannelLabel)

	srv := NewServer(zerolog.Nop())
	register(srv)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.Serve(ctx, deviceEnd)

	client := NewClient(clientEnd, zerolog.Nop())
	t.Cleanup(func() { _ = client.Close() })
	return client, deviceEnd
}

func TestCallRoundTrip(t *testing.T) {
	client, _ := newPair(t, func(s *Server) {
		s.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
			var p map[string]string
			if err := DecodeParams(params, &p); err != nil {
				return nil, err
			}
			return p, nil
		})
	})

	var out map[string]string
	require.NoError(t, client.Call(context.Background(), "echo", map[string]string{"a": "b"}, &out))
	assert.Equal(t, map[string]string{"a": "b"}, out)
}

func TestConcurrentCallsAreCorrelated(t *testing.T) {
	client, _ := newPair(t, func(s *Server) {
		s.Register("double", func(ctx context.Context, params json.RawMessage) (any, error) {
			var n int
			if err := DecodeParams(params, &n); err != nil {
				return nil, err
			}
			// answer out of order
			time.Sleep(time.Duration(10-n%10) * time.Millisecond)
			return n * 2, nil
		})
	})

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var out int
			if assert.NoError(t, client.Call(context.Background(), "double", n, &out)) {
				assert.Equal(t, n*2, out)
			}
		}(i)
	}
	wg.Wait()
}

func TestErrorsSurfaceVerbatim(t *testing.T) {
	client, _ := newPair(t, func(s *Server) {
		s.Register("reject", func(ctx context.Context, params json.RawMessage) (any, error) {
			return nil, &Error{Code: 42, Message: "nope", Data: "details"}
		})
		s.Register("fail", func(ctx context.Context, params json.RawMessage) (any, error) {
			return nil, errors.New("another virtual media is already mounted")
		})
	})

	var rpcErr *Error
	err := client.Call(context.Background(), "reject", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 42, rpcErr.Code)
	assert.Equal(t, "nope", rpcErr.Message)
	assert.Equal(t, "details", rpcErr.Data)

	err = client.Call(context.Background(), "fail", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInternalError, rpcErr.Code)
	assert.Equal(t, "another virtual media is already mounted", rpcErr.Data)

	err = client.Call(context.Background(), "missing", nil, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestCallTimesOut(t *testing.T) {
	client, _ := newPair(t, func(s *Server) {
		s.Register("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return nil, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, client.Call(ctx, "slow", nil, nil), context.DeadlineExceeded)
}

func TestPendingCallsFailOnClose(t *testing.T) {
	client, deviceEnd := newPair(t, func(s *Server) {})
	deviceEnd.OnMessage(func(webrtc.DataChannelMessage) {})

	errCh := make(chan error, 1)
	go func() { errCh <- client.Call(context.Background(), "never", nil, nil) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, deviceEnd.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released")
	}
	assert.ErrorIs(t, client.Call(context.Background(), "again", nil, nil), ErrClosed)
}

func TestNotificationsReachEventHandler(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	client, deviceEnd := newPair(t, func(s *Server) {})

	got := make(chan string, 1)
	client.OnEvent(func(method string, params json.RawMessage) { got <- method + " " + string(params) })
	require.NoError(t, srv.Notify(deviceEnd, "usbState", "configured"))

	assert.Equal(t, `usbState "configured"`, <-got)
}

func TestHandleParseError(t *testing.T) {
	resp := NewServer(zerolog.Nop()).Handle(context.Background(), []byte("{"))
	require.NotNil(t, resp)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestDeviceFacade(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]json.RawMessage{}
	record := func(result any) HandlerFunc {
		return func(ctx context.Context, params json.RawMessage) (any, error) {
			return result, nil
		}
	}
	client, _ := newPair(t, func(s *Server) {
		for _, m := range []string{MethodMountWithHTTP, MethodMountWithStorage, MethodMountWithWebRTC, MethodUnmountImage, MethodDeleteStorageFile} {
			method := m
			s.Register(method, func(ctx context.Context, params json.RawMessage) (any, error) {
				mu.Lock()
				calls[method] = params
				mu.Unlock()
				return nil, nil
			})
		}
		s.Register(MethodGetVirtualMediaState, record(types.VirtualMediaState{Source: types.SourceHTTP, Mode: types.ModeCDROM, URL: "http://x/img.iso", Size: 9}))
		s.Register(MethodStartStorageFileUpload, record(types.StorageFileUpload{AlreadyUploadedBytes: 5, DataChannel: "upload_1"}))
		s.Register(MethodListStorageFiles, record(types.StorageFiles{Files: []types.StorageFile{{Filename: "a.iso", Size: 3}}}))
		s.Register(MethodGetStorageSpace, record(types.StorageSpace{BytesUsed: 1, BytesFree: 2}))
	})
	dev := NewDevice(client)
	ctx := context.Background()

	state, err := dev.GetVirtualMediaState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "img.iso", state.Filename)

	require.NoError(t, dev.MountWithHTTP(ctx, "http://x/img.iso", types.ModeCDROM))
	require.NoError(t, dev.MountWithStorage(ctx, "a.iso", types.ModeDisk))
	require.NoError(t, dev.MountWithWebRTC(ctx, "local.iso", 1234, types.ModeCDROM))
	require.NoError(t, dev.UnmountImage(ctx))
	require.NoError(t, dev.DeleteStorageFile(ctx, "a.iso"))

	session, err := dev.StartStorageFileUpload(ctx, "b.iso", 10)
	require.NoError(t, err)
	assert.Equal(t, types.StorageFileUpload{AlreadyUploadedBytes: 5, DataChannel: "upload_1"}, session)

	files, err := dev.ListStorageFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.iso", files[0].Filename)

	space, err := dev.GetStorageSpace(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StorageSpace{BytesUsed: 1, BytesFree: 2}, space)

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, `{"url":"http://x/img.iso","mode":"CDROM"}`, string(calls[MethodMountWithHTTP]))
	assert.JSONEq(t, `{"filename":"a.iso","mode":"Disk"}`, string(calls[MethodMountWithStorage]))
	assert.JSONEq(t, `{"filename":"local.iso","size":1234,"mode":"CDROM"}`, string(calls[MethodMountWithWebRTC]))
	assert.JSONEq(t, `{"filename":"a.iso"}`, string(calls[MethodDeleteStorageFile]))
	assert.Empty(t, calls[MethodUnmountImage])
}

func TestDeviceNullStateMeansNothingMounted(t *testing.T) {
	client, _ := newPair(t, func(s *Server) {
		s.Register(MethodGetVirtualMediaState, func(ctx context.Context, params json.RawMessage) (any, error) {
			return nil, nil
		})
	})
	state, err := NewDevice(client).GetVirtualMediaState(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Mounted())
}
