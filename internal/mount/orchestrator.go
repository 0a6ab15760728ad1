package mount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"kvmmount/internal/blockserver"
	"kvmmount/internal/transport"
	"kvmmount/internal/upload"
	"kvmmount/pkg/types"

	"github.com/rs/zerolog"
)

// resyncTimeout bounds the state read after the block server fails
const resyncTimeout = 10 * time.Second

// DeviceAPI is the control plane as seen by the orchestrator. *rpc.Device implements it.
type DeviceAPI interface {
	GetVirtualMediaState(ctx context.Context) (types.VirtualMediaState, error)
	MountWithHTTP(ctx context.Context, url string, mode types.MediaMode) error
	MountWithStorage(ctx context.Context, filename string, mode types.MediaMode) error
	MountWithWebRTC(ctx context.Context, filename string, size int64, mode types.MediaMode) error
	StartStorageFileUpload(ctx context.Context, filename string, size int64) (types.StorageFileUpload, error)
	UnmountImage(ctx context.Context) error
	ListStorageFiles(ctx context.Context) ([]types.StorageFile, error)
	DeleteStorageFile(ctx context.Context, filename string) error
	GetStorageSpace(ctx context.Context) (types.StorageSpace, error)
}

// Image is a client-side disk image. *file.Image implements it.
type Image interface {
	io.ReaderAt
	Name() string
	Size() int64
}

// Options wires the transfer paths into the orchestrator
type Options struct {
	// BrowserMount enables serving a local image to the device block by block
	BrowserMount bool
	// Uploader copies images into device storage
	Uploader upload.Uploader
	// Disk opens the channel block requests arrive on
	Disk upload.ChannelOpener
}

// Orchestrator drives the mount flow: pick a source, configure it, transfer,
// then mounted or error. The device owns the mounted state; the orchestrator
// re-reads it after every call that changes it.
type Orchestrator struct {
	device       DeviceAPI
	uploader     upload.Uploader
	disk         upload.ChannelOpener
	browserMount bool
	logger       zerolog.Logger

	mu           sync.Mutex
	state        State
	busy         bool
	remote       types.VirtualMediaState
	err          error
	server       *blockserver.Server
	serverCancel context.CancelFunc
	served       chan struct{}
	observers    []func(Snapshot)
}

// New creates an orchestrator in StateSelectSource
func New(device DeviceAPI, opts Options, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		device:       device,
		uploader:     opts.Uploader,
		disk:         opts.Disk,
		browserMount: opts.BrowserMount,
		logger:       logger.With().Str("component", "mount").Logger(),
	}
}

// OnStateChange registers an observer called after every transition and progress update
func (o *Orchestrator) OnStateChange(f func(Snapshot)) {
	o.mu.Lock()
	o.observers = append(o.observers, f)
	o.mu.Unlock()
}

// Snapshot returns the current local and remote state
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{State: o.state, Remote: o.remote, Err: o.err}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Remote is the device state read by the last sync
func (o *Orchestrator) Remote() types.VirtualMediaState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remote
}

// Sync reads the device state and reconciles the local state with it
func (o *Orchestrator) Sync(ctx context.Context) error {
	if err := o.begin("sync", StateSelectSource, StateBrowser, StateURL, StateDeviceStorage, StateMounted, StateError); err != nil {
		return err
	}
	defer o.end()

	remote, err := o.sync(ctx)
	if err != nil {
		return err
	}

	switch state := o.State(); {
	case remote.Mounted() && state == StateSelectSource:
		o.setState(StateMounted, nil)
	case !remote.Mounted() && state == StateMounted:
		o.releaseServer()
		o.setState(StateSelectSource, nil)
	}
	return nil
}

// Choose moves from source selection to configuring the given source
func (o *Orchestrator) Choose(target State) error {
	if err := o.begin("choose source", StateSelectSource); err != nil {
		return err
	}
	defer o.end()

	switch target {
	case StateBrowser:
		if !o.browserMount {
			return ErrBrowserMountDisabled
		}
	case StateURL, StateDeviceStorage:
	default:
		return &TransitionError{Op: "choose " + target.String(), State: StateSelectSource}
	}
	o.setState(target, nil)
	return nil
}

// Reset returns to source selection, clearing any error
func (o *Orchestrator) Reset() error {
	if err := o.begin("reset", StateSelectSource, StateBrowser, StateURL, StateDeviceStorage, StateError); err != nil {
		return err
	}
	defer o.end()

	if o.State() != StateSelectSource {
		o.setState(StateSelectSource, nil)
	}
	return nil
}

// MountURL asks the device to mount an image it fetches over HTTP
func (o *Orchestrator) MountURL(ctx context.Context, url string, mode types.MediaMode) error {
	if err := o.begin("mount url", StateURL); err != nil {
		return err
	}
	defer o.end()

	o.logger.Info().Str("url", url).Str("mode", string(mode)).Msg("mounting from url")
	if err := o.device.MountWithHTTP(ctx, url, mode); err != nil {
		return o.fail(fmt.Errorf("mount %s: %w", url, err))
	}
	return o.confirmMounted(ctx)
}

// MountStorage asks the device to mount an image from its own storage
func (o *Orchestrator) MountStorage(ctx context.Context, filename string, mode types.MediaMode) error {
	if err := o.begin("mount storage", StateDeviceStorage); err != nil {
		return err
	}
	defer o.end()

	o.logger.Info().Str("filename", filename).Str("mode", string(mode)).Msg("mounting from device storage")
	if err := o.device.MountWithStorage(ctx, filename, mode); err != nil {
		return o.fail(fmt.Errorf("mount %s: %w", filename, err))
	}
	return o.confirmMounted(ctx)
}

// UploadToStorage copies img into device storage, resuming a partial upload
// of the same name. On success the flow returns to StateDeviceStorage.
func (o *Orchestrator) UploadToStorage(ctx context.Context, img Image, onProgress func(types.TransferProgress)) error {
	if err := o.begin("upload", StateDeviceStorage); err != nil {
		return err
	}
	defer o.end()

	if o.uploader == nil {
		return o.fail(errors.New("no uploader configured"))
	}

	session, err := o.device.StartStorageFileUpload(ctx, img.Name(), img.Size())
	if err != nil {
		return o.fail(fmt.Errorf("start upload of %s: %w", img.Name(), err))
	}
	o.logger.Info().
		Str("filename", img.Name()).
		Str("upload_id", session.DataChannel).
		Int64("already_uploaded", session.AlreadyUploadedBytes).
		Msg("upload session started")
	o.setState(StateUploading, nil)

	err = o.uploader.Upload(ctx, upload.Request{
		Source:    img,
		TotalSize: uint64(img.Size()),
		Session:   session,
		OnProgress: func(p types.TransferProgress) {
			if onProgress != nil {
				onProgress(p)
			}
			o.notifyProgress(p)
		},
	})
	if err != nil {
		return o.fail(fmt.Errorf("upload %s: %w", img.Name(), err))
	}

	if _, err := o.sync(ctx); err != nil {
		return o.fail(err)
	}
	o.setState(StateDeviceStorage, nil)
	return nil
}

// MountBrowser serves img from this machine over the disk channel and asks
// the device to mount it. Blocks are served until Unmount or Close.
func (o *Orchestrator) MountBrowser(ctx context.Context, img Image, mode types.MediaMode) error {
	if err := o.begin("mount local image", StateBrowser); err != nil {
		return err
	}
	defer o.end()

	if o.disk == nil {
		return o.fail(errors.New("no disk channel available"))
	}
	ch, err := o.disk.OpenChannel(ctx, transport.DiskChannelLabel)
	if err != nil {
		return o.fail(fmt.Errorf("open disk channel: %w", err))
	}

	o.releaseServer()
	serverCtx, cancel := context.WithCancel(context.Background())
	server := blockserver.New(ch, img, uint64(img.Size()), o.logger)
	server.Start(serverCtx)
	o.mu.Lock()
	o.server, o.serverCancel = server, cancel
	o.mu.Unlock()

	o.logger.Info().Str("filename", img.Name()).Int64("size", img.Size()).Msg("serving local image")
	if err := o.device.MountWithWebRTC(ctx, img.Name(), img.Size(), mode); err != nil {
		o.releaseServer()
		return o.fail(fmt.Errorf("mount %s: %w", img.Name(), err))
	}
	if err := o.confirmMounted(ctx); err != nil {
		o.releaseServer()
		return err
	}

	served := make(chan struct{})
	o.mu.Lock()
	o.served = served
	o.mu.Unlock()
	go o.watchServer(server, served)
	return nil
}

// Unmount detaches whatever the device has mounted. With nothing mounted it
// only releases local resources.
func (o *Orchestrator) Unmount(ctx context.Context) error {
	if err := o.begin("unmount", StateSelectSource, StateBrowser, StateURL, StateDeviceStorage, StateMounted, StateError); err != nil {
		return err
	}
	defer o.end()

	remote, err := o.sync(ctx)
	if err != nil {
		return err
	}
	if remote.Mounted() {
		o.logger.Info().Str("source", string(remote.Source)).Str("filename", remote.Filename).Msg("unmounting")
		if err := o.device.UnmountImage(ctx); err != nil {
			return o.fail(fmt.Errorf("unmount: %w", err))
		}
		if _, err := o.sync(ctx); err != nil {
			return o.fail(err)
		}
	}

	o.releaseServer()
	if o.State() == StateMounted {
		o.setState(StateSelectSource, nil)
	}
	return nil
}

func (o *Orchestrator) ListStorageFiles(ctx context.Context) ([]types.StorageFile, error) {
	return o.device.ListStorageFiles(ctx)
}

func (o *Orchestrator) DeleteStorageFile(ctx context.Context, filename string) error {
	return o.device.DeleteStorageFile(ctx, filename)
}

func (o *Orchestrator) StorageSpace(ctx context.Context) (types.StorageSpace, error) {
	return o.device.GetStorageSpace(ctx)
}

// Close stops serving blocks. The device keeps whatever it has mounted.
func (o *Orchestrator) Close() error {
	o.releaseServer()
	return nil
}

// ServerDone is closed once the last block server has stopped and any
// failure is reflected in the state; nil before MountBrowser
func (o *Orchestrator) ServerDone() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.served
}

func (o *Orchestrator) confirmMounted(ctx context.Context) error {
	remote, err := o.sync(ctx)
	if err != nil {
		return o.fail(err)
	}
	if !remote.Mounted() {
		return o.fail(errors.New("device reports nothing mounted"))
	}
	o.setState(StateMounted, nil)
	return nil
}

func (o *Orchestrator) watchServer(server *blockserver.Server, served chan struct{}) {
	defer close(served)
	<-server.Done()
	err := server.Err()
	if err == nil {
		return
	}

	o.mu.Lock()
	current := o.server == server
	o.mu.Unlock()
	if !current {
		return
	}
	o.logger.Error().Err(err).Msg("block server stopped")
	o.releaseServer()

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	if _, serr := o.sync(ctx); serr != nil {
		o.logger.Warn().Err(serr).Msg("failed to re-read device state")
	}
	o.fail(err)
}

func (o *Orchestrator) releaseServer() {
	o.mu.Lock()
	server, cancel := o.server, o.serverCancel
	o.server, o.serverCancel = nil, nil
	o.mu.Unlock()

	if server != nil {
		_ = server.Close()
		cancel()
	}
}

func (o *Orchestrator) sync(ctx context.Context) (types.VirtualMediaState, error) {
	remote, err := o.device.GetVirtualMediaState(ctx)
	if err != nil {
		return types.VirtualMediaState{}, fmt.Errorf("read device state: %w", err)
	}
	o.mu.Lock()
	o.remote = remote
	o.mu.Unlock()
	return remote, nil
}

func (o *Orchestrator) begin(op string, allowed ...State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return ErrBusy
	}
	for _, s := range allowed {
		if s == o.state {
			o.busy = true
			return nil
		}
	}
	return &TransitionError{Op: op, State: o.state}
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

func (o *Orchestrator) fail(err error) error {
	o.logger.Warn().Err(err).Msg("mount flow failed")
	o.setState(StateError, err)
	return err
}

func (o *Orchestrator) setState(s State, err error) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.err = err
	snap := Snapshot{State: s, Remote: o.remote, Err: err}
	observers := append([]func(Snapshot){}, o.observers...)
	o.mu.Unlock()

	if prev != s {
		o.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("state changed")
	}
	for _, f := range observers {
		f(snap)
	}
}

func (o *Orchestrator) notifyProgress(p types.TransferProgress) {
	o.mu.Lock()
	snap := Snapshot{State: o.state, Remote: o.remote, Progress: &p}
	observers := append([]func(Snapshot){}, o.observers...)
	o.mu.Unlock()

	for _, f := range observers {
		f(snap)
	}
}
