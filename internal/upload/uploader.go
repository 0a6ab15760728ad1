package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"kvmmount/internal/config"
	"kvmmount/internal/transport"
	"kvmmount/pkg/types"

	"github.com/rs/zerolog"
)

var ErrUnknownMode = errors.New("unknown upload mode")

// Request describes one bulk upload session
type Request struct {
	// Source is read from AlreadyUploadedBytes up to TotalSize
	Source     io.ReaderAt
	TotalSize  uint64
	Session    types.StorageFileUpload
	OnProgress func(types.TransferProgress)
}

func (r Request) startOffset() uint64 {
	if r.Session.AlreadyUploadedBytes <= 0 {
		return 0
	}
	if uint64(r.Session.AlreadyUploadedBytes) > r.TotalSize {
		return r.TotalSize
	}
	return uint64(r.Session.AlreadyUploadedBytes)
}

func (r Request) progress(p types.TransferProgress) {
	if r.OnProgress != nil {
		r.OnProgress(p)
	}
}

// Uploader copies an image into the device's storage. Upload returns nil on
// completion and a *transport.FailedError when the session can be resumed.
type Uploader interface {
	Upload(ctx context.Context, req Request) error
}

// ChannelOpener opens the bulk upload channel named by an upload session
type ChannelOpener interface {
	OpenChannel(ctx context.Context, label string) (transport.MessageChannel, error)
}

// Options tunes the upload strategies
type Options struct {
	ChunkSize        int
	LowWatermark     uint64
	HighWatermark    uint64
	ProgressInterval time.Duration
	Now              func() time.Time
}

// OptionsFromConfig derives upload options from the application config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ChunkSize:        cfg.WebRTC.ChunkSize,
		LowWatermark:     cfg.WebRTC.BufferedAmountLowThreshold,
		HighWatermark:    cfg.WebRTC.MaxBufferedAmount,
		ProgressInterval: cfg.Upload.ProgressInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 4 * 1024
	}
	if o.HighWatermark == 0 {
		o.HighWatermark = 1024 * 1024
	}
	if o.LowWatermark == 0 || o.LowWatermark >= o.HighWatermark {
		o.LowWatermark = o.HighWatermark / 4
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 200 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// New picks the upload strategy for the device mode: a peer channel when the
// device is remote and a direct HTTP POST when running on the device itself.
func New(mode string, opts Options, opener ChannelOpener, client *http.Client, baseURL string, logger zerolog.Logger) (Uploader, error) {
	switch mode {
	case config.ModeRemote:
		if opener == nil {
			return nil, fmt.Errorf("peer channel upload needs a channel opener")
		}
		return NewPeerChannelUploader(opener, opts, logger), nil
	case config.ModeOnDevice:
		return NewHTTPUploader(client, baseURL, opts, logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}
