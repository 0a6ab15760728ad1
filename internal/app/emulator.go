package app

import (
	"context"
	"errors"

	"kvmmount/internal/config"
	"kvmmount/internal/device"
	"kvmmount/internal/file"
	"kvmmount/internal/signalling"

	"github.com/rs/zerolog"
)

// RunEmulator serves an emulated device until ctx is done. With Firebase
// signalling it also answers offers relayed through the database.
func RunEmulator(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	storage, err := file.NewStorage(cfg.Emulator.StorageDir)
	if err != nil {
		return err
	}

	srv := device.NewServer(device.New(storage, device.Options{}, logger), cfg, logger)
	defer srv.Close()

	if cfg.Device.Signalling == config.SignallingFirebase {
		relay, err := signalling.NewFirebaseRelay(ctx, &cfg.Firebase, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := relay.Serve(ctx, srv.AcceptOffer); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("firebase relay stopped")
			}
		}()
	}

	return srv.ListenAndServe(ctx, cfg.Emulator.Listen)
}
