package device

import (
	"context"
	"strings"
	"time"

	"kvmmount/internal/transport"
	"kvmmount/internal/upload"
)

// HandleChannel routes a channel opened by the client by its label
func (d *Device) HandleChannel(ctx context.Context, ch transport.MessageChannel) {
	label := ch.Label()
	switch {
	case label == transport.RPCChannelLabel:
		d.mu.Lock()
		previous := d.control
		d.control = ch
		d.mu.Unlock()
		if previous != nil && previous != ch {
			if err := d.rpc.Notify(previous, "otherSessionConnected", nil); err != nil {
				d.logger.Debug().Err(err).Msg("failed to notify previous session")
			}
		}
		d.rpc.Serve(ctx, ch)
	case label == transport.DiskChannelLabel:
		d.mu.Lock()
		d.disk = ch
		d.mu.Unlock()
	case strings.HasPrefix(label, UploadIDPrefix):
		d.handleUploadChannel(ctx, ch)
	default:
		d.logger.Warn().Str("label", label).Msg("closing unknown channel")
		_ = ch.Close()
	}
}

func (d *Device) handleUploadChannel(ctx context.Context, ch transport.MessageChannel) {
	id := ch.Label()
	partial, ok := d.takeUpload(id)
	if !ok {
		d.logger.Warn().Str("upload_id", id).Msg("upload channel opened for unknown upload")
		_ = ch.Close()
		return
	}

	state := upload.NewAckState(uint64(partial.Start), uint64(partial.Size), d.opts.AckInterval, time.Now())
	receiver := upload.NewReceiver(ch, partial, state, nil)
	go func() {
		final, err := receiver.Wait(ctx)
		if err != nil {
			d.logger.Debug().Err(err).Str("upload_id", id).Uint64("written", final.Written).Msg("upload channel ended")
		}
		d.finishUpload(id, partial)
		_ = ch.Close()
	}()
}
