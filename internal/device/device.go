package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"kvmmount/internal/blockserver"
	"kvmmount/internal/file"
	"kvmmount/internal/rpc"
	"kvmmount/internal/transport"
	"kvmmount/pkg/types"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/psanford/httpreadat"
	"github.com/rs/zerolog"
)

// UploadIDPrefix starts every upload session id; channels with this prefix carry upload data
const UploadIDPrefix = "upload_"

var (
	ErrAlreadyMounted  = errors.New("another virtual media is already mounted")
	ErrNotMounted      = errors.New("no virtual media is mounted")
	ErrNoDiskChannel   = errors.New("no disk channel connected")
	ErrUnknownUploadID = errors.New("upload not found")
)

// Options tunes the emulated device
type Options struct {
	// ReadTimeout bounds one block read from a WebRTC mount
	ReadTimeout time.Duration
	// AckInterval is the minimum spacing of upload acknowledgements
	AckInterval time.Duration
}

// Device emulates the virtual media side of a KVM device: it answers the
// control plane, keeps uploaded images and reads mounted images.
type Device struct {
	storage *file.Storage
	opts    Options
	logger  zerolog.Logger
	rpc     *rpc.Server

	mu      sync.Mutex
	state   *types.VirtualMediaState
	backend io.ReaderAt
	closer  io.Closer
	control transport.MessageChannel
	disk    transport.MessageChannel

	uploadsMu sync.Mutex
	uploads   map[string]*file.PartialUpload
}

// New creates a device keeping images in storage
func New(storage *file.Storage, opts Options, logger zerolog.Logger) *Device {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = blockserver.DefaultReadTimeout
	}
	if opts.AckInterval <= 0 {
		opts.AckInterval = 200 * time.Millisecond
	}
	d := &Device{
		storage: storage,
		opts:    opts,
		logger:  logger.With().Str("component", "device").Logger(),
		rpc:     rpc.NewServer(logger),
		uploads: make(map[string]*file.PartialUpload),
	}
	d.registerHandlers()
	return d
}

// RPC returns the control-plane dispatcher
func (d *Device) RPC() *rpc.Server {
	return d.rpc
}

func (d *Device) registerHandlers() {
	d.rpc.Register(rpc.MethodGetVirtualMediaState, func(ctx context.Context, _ json.RawMessage) (any, error) {
		if state := d.VirtualMediaState(); state != nil {
			return state, nil
		}
		return json.RawMessage("null"), nil
	})
	d.rpc.Register(rpc.MethodMountWithHTTP, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p rpc.MountHTTPParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, d.MountWithHTTP(p.URL, p.Mode)
	})
	d.rpc.Register(rpc.MethodMountWithStorage, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p rpc.MountStorageParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, d.MountWithStorage(p.Filename, p.Mode)
	})
	d.rpc.Register(rpc.MethodMountWithWebRTC, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p rpc.MountWebRTCParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, d.MountWithWebRTC(p.Filename, p.Size, p.Mode)
	})
	d.rpc.Register(rpc.MethodStartStorageFileUpload, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p rpc.StartUploadParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return d.StartStorageFileUpload(p.Filename, p.Size)
	})
	d.rpc.Register(rpc.MethodUnmountImage, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return nil, d.UnmountImage()
	})
	d.rpc.Register(rpc.MethodListStorageFiles, func(ctx context.Context, _ json.RawMessage) (any, error) {
		files, err := d.storage.List()
		if err != nil {
			return nil, err
		}
		return types.StorageFiles{Files: files}, nil
	})
	d.rpc.Register(rpc.MethodDeleteStorageFile, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p rpc.FilenameParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, d.storage.Delete(p.Filename)
	})
	d.rpc.Register(rpc.MethodGetStorageSpace, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return d.storage.Space()
	})
}

// VirtualMediaState returns the mounted media, or nil when nothing is mounted
func (d *Device) VirtualMediaState() *types.VirtualMediaState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil {
		return nil
	}
	state := *d.state
	return &state
}

func (d *Device) mount(state types.VirtualMediaState, backend io.ReaderAt, closer io.Closer) error {
	if err := state.Validate(); err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return ErrAlreadyMounted
	}
	d.state = &state
	d.backend = backend
	d.closer = closer
	d.logger.Info().
		Str("source", string(state.Source)).
		Str("mode", string(state.Mode)).
		Int64("size", state.Size).
		Msg("virtual media mounted")
	return nil
}

// MountWithHTTP mounts an image served over HTTP with range support
func (d *Device) MountWithHTTP(url string, mode types.MediaMode) error {
	if d.VirtualMediaState() != nil {
		return ErrAlreadyMounted
	}

	reader := httpreadat.New(url)
	size, err := reader.Size()
	if err != nil {
		return fmt.Errorf("failed to use http url: %w", err)
	}
	return d.mount(types.VirtualMediaState{Source: types.SourceHTTP, Mode: mode, URL: url, Size: size}, reader, nil)
}

// MountWithStorage mounts an image from local storage
func (d *Device) MountWithStorage(filename string, mode types.MediaMode) error {
	if d.VirtualMediaState() != nil {
		return ErrAlreadyMounted
	}

	img, err := d.storage.Open(filename)
	if err != nil {
		return err
	}
	return d.mount(types.VirtualMediaState{Source: types.SourceStorage, Mode: mode, Filename: img.Name(), Size: img.Size()}, img, img)
}

// MountWithWebRTC mounts an image the client serves block by block on the disk channel
func (d *Device) MountWithWebRTC(filename string, size int64, mode types.MediaMode) error {
	d.mu.Lock()
	disk := d.disk
	d.mu.Unlock()
	if disk == nil {
		return ErrNoDiskChannel
	}
	switch disk.ReadyState() {
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		return ErrNoDiskChannel
	}
	if d.VirtualMediaState() != nil {
		return ErrAlreadyMounted
	}

	reader := blockserver.NewRemoteReader(disk, size, d.opts.ReadTimeout)
	return d.mount(types.VirtualMediaState{Source: types.SourceWebRTC, Mode: mode, Filename: filename, Size: size}, reader, reader)
}

// UnmountImage detaches the mounted media; with nothing mounted it does nothing
func (d *Device) UnmountImage() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil {
		return nil
	}
	if d.closer != nil {
		_ = d.closer.Close()
	}
	d.logger.Info().Str("source", string(d.state.Source)).Msg("virtual media unmounted")
	d.state, d.backend, d.closer = nil, nil, nil
	return nil
}

// ReadMounted reads from the mounted image the way the USB host would
func (d *Device) ReadMounted(p []byte, off int64) (int, error) {
	d.mu.Lock()
	backend := d.backend
	d.mu.Unlock()
	if backend == nil {
		return 0, ErrNotMounted
	}
	return backend.ReadAt(p, off)
}

// StartStorageFileUpload opens a new upload session, resuming any partial
// upload of the same filename
func (d *Device) StartStorageFileUpload(filename string, size int64) (types.StorageFileUpload, error) {
	partial, err := d.storage.BeginUpload(filename, size)
	if err != nil {
		return types.StorageFileUpload{}, err
	}

	id := UploadIDPrefix + uuid.New().String()
	d.uploadsMu.Lock()
	d.uploads[id] = partial
	d.uploadsMu.Unlock()

	d.logger.Info().Str("upload_id", id).Str("filename", filename).Int64("already_uploaded", partial.Start).Msg("upload session opened")
	return types.StorageFileUpload{AlreadyUploadedBytes: partial.Start, DataChannel: id}, nil
}

// takeUpload claims a pending upload; each session is consumed once
func (d *Device) takeUpload(id string) (*file.PartialUpload, bool) {
	d.uploadsMu.Lock()
	defer d.uploadsMu.Unlock()
	partial, ok := d.uploads[id]
	delete(d.uploads, id)
	return partial, ok
}

func (d *Device) finishUpload(id string, partial *file.PartialUpload) {
	done, err := partial.Finish()
	switch {
	case err != nil:
		d.logger.Error().Err(err).Str("upload_id", id).Msg("failed to finish upload")
	case done:
		d.logger.Info().Str("upload_id", id).Msg("upload complete")
	default:
		d.logger.Warn().Str("upload_id", id).Msg("upload ended before the complete file was received")
	}
}

// Close unmounts and discards pending uploads
func (d *Device) Close() error {
	_ = d.UnmountImage()
	d.uploadsMu.Lock()
	pending := d.uploads
	d.uploads = make(map[string]*file.PartialUpload)
	d.uploadsMu.Unlock()
	for id, partial := range pending {
		d.finishUpload(id, partial)
	}
	return nil
}
