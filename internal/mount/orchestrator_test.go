package mount

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kvmmount/internal/blockserver"
	"kvmmount/internal/rpc"
	"kvmmount/internal/transport"
	"kvmmount/internal/upload"
	"kvmmount/pkg/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice keeps the mounted state the way the device does
type fakeDevice struct {
	mu       sync.Mutex
	state    *types.VirtualMediaState
	mountErr error
	calls    []string

	// onWebRTCMount runs before mountWithWebRTC returns
	onWebRTCMount func(filename string, size int64) error
}

func (d *fakeDevice) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *fakeDevice) count(call string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (d *fakeDevice) mount(state types.VirtualMediaState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mountErr != nil {
		return d.mountErr
	}
	if d.state != nil {
		return &rpc.Error{Code: rpc.CodeInternalError, Message: "Internal error", Data: "another virtual media is already mounted"}
	}
	d.state = &state
	return nil
}

func (d *fakeDevice) GetVirtualMediaState(ctx context.Context) (types.VirtualMediaState, error) {
	d.record("getVirtualMediaState")
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil {
		return types.VirtualMediaState{}, nil
	}
	return d.state.Normalize(), nil
}

func (d *fakeDevice) MountWithHTTP(ctx context.Context, url string, mode types.MediaMode) error {
	d.record("mountWithHTTP")
	return d.mount(types.VirtualMediaState{Source: types.SourceHTTP, Mode: mode, URL: url, Size: 1 << 20})
}

func (d *fakeDevice) MountWithStorage(ctx context.Context, filename string, mode types.MediaMode) error {
	d.record("mountWithStorage")
	return d.mount(types.VirtualMediaState{Source: types.SourceStorage, Mode: mode, Filename: filename, Size: 42})
}

func (d *fakeDevice) MountWithWebRTC(ctx context.Context, filename string, size int64, mode types.MediaMode) error {
	d.record("mountWithWebRTC")
	if d.onWebRTCMount != nil {
		if err := d.onWebRTCMount(filename, size); err != nil {
			return err
		}
	}
	return d.mount(types.VirtualMediaState{Source: types.SourceWebRTC, Mode: mode, Filename: filename, Size: size})
}

func (d *fakeDevice) StartStorageFileUpload(ctx context.Context, filename string, size int64) (types.StorageFileUpload, error) {
	d.record("startStorageFileUpload")
	return types.StorageFileUpload{AlreadyUploadedBytes: 3, DataChannel: "upload_" + filename}, nil
}

func (d *fakeDevice) UnmountImage(ctx context.Context) error {
	d.record("unmountImage")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = nil
	return nil
}

func (d *fakeDevice) ListStorageFiles(ctx context.Context) ([]types.StorageFile, error) {
	return []types.StorageFile{{Filename: "a.iso", Size: 1}}, nil
}

func (d *fakeDevice) DeleteStorageFile(ctx context.Context, filename string) error {
	d.record("deleteStorageFile")
	return nil
}

func (d *fakeDevice) GetStorageSpace(ctx context.Context) (types.StorageSpace, error) {
	return types.StorageSpace{BytesUsed: 10, BytesFree: 20}, nil
}

type memImage struct {
	*bytes.Reader
	name string
}

func newImage(name string, data []byte) memImage {
	return memImage{Reader: bytes.NewReader(data), name: name}
}

func (m memImage) Name() string { return m.name }

type uploaderFunc func(ctx context.Context, req upload.Request) error

func (f uploaderFunc) Upload(ctx context.Context, req upload.Request) error { return f(ctx, req) }

func recordStates(o *Orchestrator) func() []State {
	var mu sync.Mutex
	var states []State
	o.OnStateChange(func(s Snapshot) {
		if s.Progress != nil {
			return
		}
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})
	return func() []State {
		mu.Lock()
		defer mu.Unlock()
		return append([]State(nil), states...)
	}
}

func TestMountByURLThenUnmount(t *testing.T) {
	dev := &fakeDevice{}
	o := New(dev, Options{}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, o.Choose(StateURL))
	require.NoError(t, o.MountURL(ctx, "http://x/img.iso", types.ModeCDROM))

	assert.Equal(t, StateMounted, o.State())
	assert.Equal(t, types.VirtualMediaState{
		Source:   types.SourceHTTP,
		Mode:     types.ModeCDROM,
		URL:      "http://x/img.iso",
		Filename: "img.iso",
		Size:     1 << 20,
	}, o.Remote())

	require.NoError(t, o.Unmount(ctx))
	assert.Equal(t, StateSelectSource, o.State())
	assert.False(t, o.Remote().Mounted())
	assert.Equal(t, types.VirtualMediaState{}, o.Remote())
}

func TestUnmountWithNothingMountedIsNoop(t *testing.T) {
	dev := &fakeDevice{}
	o := New(dev, Options{}, zerolog.Nop())

	require.NoError(t, o.Unmount(context.Background()))
	assert.Equal(t, 0, dev.count("unmountImage"))
	assert.Equal(t, StateSelectSource, o.State())
}

func TestTransitionsAreChecked(t *testing.T) {
	o := New(&fakeDevice{}, Options{}, zerolog.Nop())
	ctx := context.Background()

	err := o.MountURL(ctx, "http://x/img.iso", types.ModeCDROM)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateSelectSource, te.State)

	assert.ErrorIs(t, o.Choose(StateMounted), ErrInvalidTransition)
	assert.ErrorIs(t, o.Choose(StateBrowser), ErrBrowserMountDisabled)
	assert.Equal(t, StateSelectSource, o.State())

	require.NoError(t, o.Choose(StateDeviceStorage))
	assert.ErrorIs(t, o.Choose(StateURL), ErrInvalidTransition)
	assert.ErrorIs(t, o.MountURL(ctx, "http://x/img.iso", types.ModeCDROM), ErrInvalidTransition)

	require.NoError(t, o.Reset())
	assert.Equal(t, StateSelectSource, o.State())
}

func TestDeviceRejectionEntersError(t *testing.T) {
	rejection := &rpc.Error{Code: -32000, Message: "mount failed", Data: "404"}
	dev := &fakeDevice{mountErr: rejection}
	o := New(dev, Options{}, zerolog.Nop())
	states := recordStates(o)

	require.NoError(t, o.Choose(StateURL))
	err := o.MountURL(context.Background(), "http://x/missing.iso", types.ModeDisk)

	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Same(t, rejection, rpcErr)
	assert.Equal(t, StateError, o.State())
	assert.ErrorIs(t, o.Snapshot().Err, rejection)

	require.NoError(t, o.Reset())
	assert.Equal(t, []State{StateURL, StateError, StateSelectSource}, states())
	assert.NoError(t, o.Snapshot().Err)
}

func TestMountStorage(t *testing.T) {
	dev := &fakeDevice{}
	o := New(dev, Options{}, zerolog.Nop())

	require.NoError(t, o.Choose(StateDeviceStorage))
	require.NoError(t, o.MountStorage(context.Background(), "a.iso", types.ModeDisk))
	assert.Equal(t, StateMounted, o.State())
	assert.Equal(t, types.SourceStorage, o.Remote().Source)
	assert.Equal(t, types.ModeDisk, o.Remote().Mode)
}

func TestSyncAdoptsExistingMount(t *testing.T) {
	dev := &fakeDevice{state: &types.VirtualMediaState{Source: types.SourceStorage, Mode: types.ModeCDROM, Filename: "a.iso"}}
	o := New(dev, Options{}, zerolog.Nop())

	require.NoError(t, o.Sync(context.Background()))
	assert.Equal(t, StateMounted, o.State())

	// unmounted behind our back
	_ = dev.UnmountImage(context.Background())
	require.NoError(t, o.Sync(context.Background()))
	assert.Equal(t, StateSelectSource, o.State())
}

func TestUploadToStorage(t *testing.T) {
	dev := &fakeDevice{}
	data := []byte("0123456789")

	var got upload.Request
	o := New(dev, Options{Uploader: uploaderFunc(func(ctx context.Context, req upload.Request) error {
		got = req
		req.OnProgress(types.TransferProgress{BytesDone: 10, TotalBytes: 10})
		return nil
	})}, zerolog.Nop())
	states := recordStates(o)

	var progress []types.TransferProgress
	require.NoError(t, o.Choose(StateDeviceStorage))
	require.NoError(t, o.UploadToStorage(context.Background(), newImage("disk.img", data), func(p types.TransferProgress) {
		progress = append(progress, p)
	}))

	assert.Equal(t, uint64(10), got.TotalSize)
	assert.Equal(t, types.StorageFileUpload{AlreadyUploadedBytes: 3, DataChannel: "upload_disk.img"}, got.Session)
	require.Len(t, progress, 1)
	assert.Equal(t, uint64(10), progress[0].BytesDone)
	assert.Equal(t, []State{StateDeviceStorage, StateUploading, StateDeviceStorage}, states())
}

func TestUploadFailureEntersError(t *testing.T) {
	failure := transport.Failed("channel closed", transport.ErrChannelClosed)
	o := New(&fakeDevice{}, Options{Uploader: uploaderFunc(func(ctx context.Context, req upload.Request) error {
		return failure
	})}, zerolog.Nop())

	require.NoError(t, o.Choose(StateDeviceStorage))
	err := o.UploadToStorage(context.Background(), newImage("disk.img", []byte("x")), nil)

	var failed *transport.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, StateError, o.State())
}

func TestBusyDuringUpload(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	o := New(&fakeDevice{}, Options{Uploader: uploaderFunc(func(ctx context.Context, req upload.Request) error {
		close(started)
		<-release
		return nil
	})}, zerolog.Nop())
	require.NoError(t, o.Choose(StateDeviceStorage))

	errCh := make(chan error, 1)
	go func() {
		errCh <- o.UploadToStorage(context.Background(), newImage("disk.img", []byte("x")), nil)
	}()
	<-started

	assert.Equal(t, StateUploading, o.State())
	assert.ErrorIs(t, o.Unmount(context.Background()), ErrBusy)
	assert.ErrorIs(t, o.Reset(), ErrBusy)

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, StateDeviceStorage, o.State())
}

type pipeOpener struct {
	ch transport.MessageChannel
}

func (p pipeOpener) OpenChannel(ctx context.Context, label string) (transport.MessageChannel, error) {
	return p.ch, nil
}

func TestMountBrowserServesBlocks(t *testing.T) {
	data := bytes.Repeat([]byte("kvm-block"), 1000)
	clientEnd, deviceEnd := transport.NewPipe(transport.DiskChannelLabel)

	var firstBlock []byte
	dev := &fakeDevice{}
	dev.onWebRTCMount = func(filename string, size int64) error {
		reader := blockserver.NewRemoteReader(deviceEnd, size, time.Second)
		defer reader.Close()
		firstBlock = make([]byte, 512)
		_, err := reader.ReadAt(firstBlock, 0)
		return err
	}

	o := New(dev, Options{BrowserMount: true, Disk: pipeOpener{clientEnd}}, zerolog.Nop())
	require.NoError(t, o.Choose(StateBrowser))
	require.NoError(t, o.MountBrowser(context.Background(), newImage("local.iso", data), types.ModeCDROM))

	assert.Equal(t, data[:512], firstBlock)
	assert.Equal(t, StateMounted, o.State())
	assert.Equal(t, types.SourceWebRTC, o.Remote().Source)
	assert.Equal(t, int64(len(data)), o.Remote().Size)
	served := o.ServerDone()
	require.NotNil(t, served)

	require.NoError(t, o.Unmount(context.Background()))
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("block server still running after unmount")
	}
	assert.Equal(t, StateSelectSource, o.State())
}

func TestMountBrowserProtocolViolationEntersError(t *testing.T) {
	clientEnd, deviceEnd := transport.NewPipe(transport.DiskChannelLabel)
	dev := &fakeDevice{}
	o := New(dev, Options{BrowserMount: true, Disk: pipeOpener{clientEnd}}, zerolog.Nop())

	require.NoError(t, o.Choose(StateBrowser))
	require.NoError(t, o.MountBrowser(context.Background(), newImage("local.iso", []byte("abc")), types.ModeCDROM))
	syncs := dev.count("getVirtualMediaState")

	// the device's view moves on while the orchestrator still holds the mount
	dev.mu.Lock()
	dev.state.Mode = types.ModeDisk
	dev.mu.Unlock()

	require.NoError(t, deviceEnd.SendText(`{"startOffset":2,"endOffset":1}`))
	select {
	case <-o.ServerDone():
	case <-time.After(2 * time.Second):
		t.Fatal("block server did not stop")
	}
	assert.Equal(t, StateError, o.State())
	assert.Equal(t, syncs+1, dev.count("getVirtualMediaState"))
	assert.Equal(t, types.ModeDisk, o.Snapshot().Remote.Mode)

	var failed *transport.FailedError
	require.ErrorAs(t, o.Snapshot().Err, &failed)
	assert.ErrorIs(t, o.Snapshot().Err, transport.ErrProtocolViolation)
}

func TestMountBrowserReleasesServerOnRejection(t *testing.T) {
	clientEnd, _ := transport.NewPipe(transport.DiskChannelLabel)
	dev := &fakeDevice{onWebRTCMount: func(string, int64) error { return errors.New("nbd failed") }}
	o := New(dev, Options{BrowserMount: true, Disk: pipeOpener{clientEnd}}, zerolog.Nop())

	require.NoError(t, o.Choose(StateBrowser))
	require.Error(t, o.MountBrowser(context.Background(), newImage("local.iso", []byte("abc")), types.ModeCDROM))
	assert.Nil(t, o.ServerDone())
	assert.Equal(t, StateError, o.State())
}

func TestStorageHelpers(t *testing.T) {
	dev := &fakeDevice{}
	o := New(dev, Options{}, zerolog.Nop())
	ctx := context.Background()

	files, err := o.ListStorageFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 1)
	require.NoError(t, o.DeleteStorageFile(ctx, "a.iso"))
	assert.Equal(t, 1, dev.count("deleteStorageFile"))
	space, err := o.StorageSpace(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), space.BytesFree)
}
