package device

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kvmmount/internal/blockserver"
	"kvmmount/internal/config"
	"kvmmount/internal/file"
	"kvmmount/internal/rpc"
	"kvmmount/internal/transport"
	"kvmmount/internal/upload"
	"kvmmount/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func randomImage(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

func newDevice(t *testing.T) (*Device, *file.Storage) {
	t.Helper()
	storage, err := file.NewStorage(t.TempDir())
	require.NoError(t, err)
	d := New(storage, Options{AckInterval: time.Millisecond}, zerolog.Nop())
	t.Cleanup(func() { _ = d.Close() })
	return d, storage
}

// startEmulator serves d over httptest and connects a control-plane client over WebSocket
func startEmulator(t *testing.T, d *Device) (*httptest.Server, *rpc.Device) {
	t.Helper()
	srv := NewServer(d, config.NewDefaultConfig(), zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/rpc", transport.RPCChannelLabel)
	require.NoError(t, err)
	client := rpc.NewClient(ch, zerolog.Nop())
	t.Cleanup(func() { _ = client.Close() })
	return ts, rpc.NewDevice(client)
}

func TestOnDeviceUploadAndMountFromStorage(t *testing.T) {
	d, storage := newDevice(t)
	ts, dev := startEmulator(t, d)
	ctx := context.Background()
	data := randomImage(200_000)

	session, err := dev.StartStorageFileUpload(ctx, "disk.img", int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), session.AlreadyUploadedBytes)
	assert.True(t, strings.HasPrefix(session.DataChannel, UploadIDPrefix))

	uploader := upload.NewHTTPUploader(ts.Client(), ts.URL, upload.Options{}, zerolog.Nop())
	require.NoError(t, uploader.Upload(ctx, upload.Request{
		Source:    bytes.NewReader(data),
		TotalSize: uint64(len(data)),
		Session:   session,
	}))

	files, err := dev.ListStorageFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "disk.img", files[0].Filename)
	assert.Equal(t, int64(len(data)), files[0].Size)

	require.NoError(t, dev.MountWithStorage(ctx, "disk.img", types.ModeDisk))
	state, err := dev.GetVirtualMediaState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VirtualMediaState{Source: types.SourceStorage, Mode: types.ModeDisk, Filename: "disk.img", Size: int64(len(data))}, state)

	buf := make([]byte, 1000)
	_, err = d.ReadMounted(buf, 5000)
	require.NoError(t, err)
	assert.Equal(t, data[5000:6000], buf)

	// a second mount is rejected with the device's message
	err = dev.MountWithStorage(ctx, "disk.img", types.ModeDisk)
	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrAlreadyMounted.Error(), rpcErr.Data)

	require.NoError(t, dev.UnmountImage(ctx))
	state, err = dev.GetVirtualMediaState(ctx)
	require.NoError(t, err)
	assert.False(t, state.Mounted())

	require.NoError(t, dev.DeleteStorageFile(ctx, "disk.img"))
	_, err = os.Stat(filepath.Join(storage.Dir(), "disk.img"))
	assert.True(t, os.IsNotExist(err))

	space, err := dev.GetStorageSpace(ctx)
	require.NoError(t, err)
	assert.Greater(t, space.BytesFree, int64(0))
}

func TestUploadUnknownSession(t *testing.T) {
	d, _ := newDevice(t)
	ts, _ := startEmulator(t, d)

	err := upload.NewHTTPUploader(ts.Client(), ts.URL, upload.Options{}, zerolog.Nop()).Upload(context.Background(), upload.Request{
		Source:    bytes.NewReader([]byte("abc")),
		TotalSize: 3,
		Session:   types.StorageFileUpload{DataChannel: "upload_missing"},
	})
	var failed *transport.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, err.Error(), "404")
}

func TestMountWithHTTP(t *testing.T) {
	data := randomImage(64 * 1024)
	image := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "img.iso", time.Time{}, bytes.NewReader(data))
	}))
	defer image.Close()

	d, _ := newDevice(t)
	_, dev := startEmulator(t, d)
	ctx := context.Background()

	url := image.URL + "/images/img.iso"
	require.NoError(t, dev.MountWithHTTP(ctx, url, types.ModeCDROM))

	state, err := dev.GetVirtualMediaState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VirtualMediaState{
		Source:   types.SourceHTTP,
		Mode:     types.ModeCDROM,
		URL:      url,
		Filename: "img.iso",
		Size:     int64(len(data)),
	}, state)

	buf := make([]byte, 100)
	_, err = d.ReadMounted(buf, 1000)
	require.NoError(t, err)
	assert.Equal(t, data[1000:1100], buf)
}

func TestPeerChannelUploadResumes(t *testing.T) {
	d, storage := newDevice(t)
	data := randomImage(100_000)

	// a previous session left the first 30000 bytes behind
	require.NoError(t, os.WriteFile(filepath.Join(storage.Dir(), "disk.img"+file.IncompleteSuffix), data[:30_000], 0644))

	session, err := d.StartStorageFileUpload("disk.img", int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, int64(30_000), session.AlreadyUploadedBytes)

	clientEnd, deviceEnd := transport.NewPipe(session.DataChannel)
	d.HandleChannel(context.Background(), deviceEnd)

	var last types.TransferProgress
	err = upload.NewPeerChannelUploader(nil, upload.Options{}, zerolog.Nop()).Send(context.Background(), clientEnd, upload.Request{
		Source:     bytes.NewReader(data),
		TotalSize:  uint64(len(data)),
		Session:    session,
		OnProgress: func(p types.TransferProgress) { last = p },
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), last.BytesDone)

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(storage.Dir(), "disk.img"))
		return err == nil && bytes.Equal(data, got)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownUploadChannelIsClosed(t *testing.T) {
	d, _ := newDevice(t)
	clientEnd, deviceEnd := transport.NewPipe(UploadIDPrefix + "nope")
	d.HandleChannel(context.Background(), deviceEnd)

	assert.Eventually(t, func() bool {
		return clientEnd.ReadyState() == webrtc.DataChannelStateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestMountWithWebRTCReadsThroughDiskChannel(t *testing.T) {
	d, _ := newDevice(t)
	data := randomImage(50_000)

	assert.ErrorIs(t, d.MountWithWebRTC("local.iso", int64(len(data)), types.ModeCDROM), ErrNoDiskChannel)

	clientEnd, deviceEnd := transport.NewPipe(transport.DiskChannelLabel)
	d.HandleChannel(context.Background(), deviceEnd)
	server := blockserver.New(clientEnd, bytes.NewReader(data), uint64(len(data)), zerolog.Nop())
	server.Start(context.Background())
	defer server.Close()

	require.NoError(t, d.MountWithWebRTC("local.iso", int64(len(data)), types.ModeCDROM))
	state := d.VirtualMediaState()
	require.NotNil(t, state)
	assert.Equal(t, types.SourceWebRTC, state.Source)

	buf := make([]byte, 4096)
	_, err := d.ReadMounted(buf, 40_000)
	require.NoError(t, err)
	assert.Equal(t, data[40_000:44_096], buf)

	require.NoError(t, d.UnmountImage())
	_, err = d.ReadMounted(buf, 0)
	assert.ErrorIs(t, err, ErrNotMounted)

	// a closed disk channel cannot serve a new mount until the client opens another
	require.NoError(t, clientEnd.Close())
	require.Eventually(t, func() bool {
		return deviceEnd.ReadyState() == webrtc.DataChannelStateClosed
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, d.MountWithWebRTC("local.iso", int64(len(data)), types.ModeCDROM), ErrNoDiskChannel)

	clientEnd, deviceEnd = transport.NewPipe(transport.DiskChannelLabel)
	d.HandleChannel(context.Background(), deviceEnd)
	server = blockserver.New(clientEnd, bytes.NewReader(data), uint64(len(data)), zerolog.Nop())
	server.Start(context.Background())
	defer server.Close()

	require.NoError(t, d.MountWithWebRTC("local.iso", int64(len(data)), types.ModeCDROM))
	_, err = d.ReadMounted(buf, 1000)
	require.NoError(t, err)
	assert.Equal(t, data[1000:5096], buf)
}
