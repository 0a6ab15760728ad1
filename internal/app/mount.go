package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"kvmmount/internal/config"
	"kvmmount/internal/file"
	"kvmmount/internal/mount"
	"kvmmount/internal/reporter"
	"kvmmount/pkg/types"
	"kvmmount/pkg/utils"

	"github.com/rs/zerolog"
)

// unmountTimeout bounds the unmount issued when live serving is interrupted
const unmountTimeout = 10 * time.Second

// ConnectFunc opens a device session
type ConnectFunc func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Session, error)

// MountApp runs one virtual media operation per invocation
type MountApp struct {
	config  *config.Config
	logger  zerolog.Logger
	out     io.Writer
	sink    reporter.ProgressSink
	connect ConnectFunc
}

// NewMountApp creates the app. sink may be nil to report progress in the log only.
func NewMountApp(cfg *config.Config, logger zerolog.Logger, out io.Writer, sink reporter.ProgressSink) *MountApp {
	return &MountApp{
		config:  cfg,
		logger:  logger,
		out:     out,
		sink:    sink,
		connect: Connect,
	}
}

// WithConnect replaces how sessions are opened
func (a *MountApp) WithConnect(connect ConnectFunc) *MountApp {
	a.connect = connect
	return a
}

func (a *MountApp) run(ctx context.Context, fn func(o *mount.Orchestrator) error) error {
	session, err := a.connect(ctx, a.config, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			a.logger.Debug().Err(err).Msg("closing session")
		}
	}()

	o, err := session.Orchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	if err := o.Sync(ctx); err != nil {
		return err
	}
	return fn(o)
}

// Status prints what the device has mounted
func (a *MountApp) Status(ctx context.Context) error {
	return a.run(ctx, func(o *mount.Orchestrator) error {
		a.printState(o.Remote())
		return nil
	})
}

// MountURL has the device mount an image served over HTTP
func (a *MountApp) MountURL(ctx context.Context, url string, mode types.MediaMode) error {
	return a.run(ctx, func(o *mount.Orchestrator) error {
		if err := o.Choose(mount.StateURL); err != nil {
			return err
		}
		if err := o.MountURL(ctx, url, mode); err != nil {
			return err
		}
		a.printState(o.Remote())
		return nil
	})
}

// MountStorage has the device mount an image from its own storage
func (a *MountApp) MountStorage(ctx context.Context, filename string, mode types.MediaMode) error {
	return a.run(ctx, func(o *mount.Orchestrator) error {
		if err := o.Choose(mount.StateDeviceStorage); err != nil {
			return err
		}
		if err := o.MountStorage(ctx, filename, mode); err != nil {
			return err
		}
		a.printState(o.Remote())
		return nil
	})
}

// MountLocal serves a local image to the device until ctx is cancelled,
// then unmounts it
func (a *MountApp) MountLocal(ctx context.Context, path string, mode types.MediaMode) error {
	img, err := file.OpenImage(path)
	if err != nil {
		return err
	}
	defer img.Close()

	return a.run(ctx, func(o *mount.Orchestrator) error {
		if err := o.Choose(mount.StateBrowser); err != nil {
			return err
		}
		if err := o.MountBrowser(ctx, img, mode); err != nil {
			return err
		}
		a.printState(o.Remote())
		fmt.Fprintln(a.out, "Serving image, press Ctrl+C to unmount")

		select {
		case <-ctx.Done():
		case <-o.ServerDone():
			if err := o.Snapshot().Err; err != nil {
				return err
			}
		}

		unmountCtx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
		defer cancel()
		return o.Unmount(unmountCtx)
	})
}

// Upload copies a local image into device storage, resuming a partial upload
func (a *MountApp) Upload(ctx context.Context, path string) error {
	img, err := file.OpenImage(path)
	if err != nil {
		return err
	}
	defer img.Close()

	return a.run(ctx, func(o *mount.Orchestrator) error {
		if err := o.Choose(mount.StateDeviceStorage); err != nil {
			return err
		}

		progressCh := make(chan types.TransferProgress, 16)
		done := make(chan types.TransferProgress, 1)
		progress := reporter.NewProgressReporter(a.logger, a.sink)
		go func() {
			done <- progress.Run(ctx, img.Name(), uint64(img.Size()), progressCh)
		}()

		err := o.UploadToStorage(ctx, img, reporter.Callback(progressCh))
		close(progressCh)
		last := <-done
		if err != nil {
			return err
		}

		fmt.Fprintf(a.out, "Uploaded %s (%s, %s)\n", img.Name(), utils.FormatFileSize(img.Size()), utils.FormatRate(last.SmoothedRateBps))
		return nil
	})
}

// Unmount detaches whatever the device has mounted
func (a *MountApp) Unmount(ctx context.Context) error {
	return a.run(ctx, func(o *mount.Orchestrator) error {
		if err := o.Unmount(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Nothing mounted")
		return nil
	})
}

// ListFiles prints the images in device storage
func (a *MountApp) ListFiles(ctx context.Context) error {
	return a.run(ctx, func(o *mount.Orchestrator) error {
		files, err := o.ListStorageFiles(ctx)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Fprintln(a.out, "No files in device storage")
			return nil
		}

		w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSIZE\tCREATED")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%s\t%s\n", f.Filename, utils.FormatFileSize(f.Size), f.CreatedAt.Format(time.DateTime))
		}
		return w.Flush()
	})
}

// DeleteFile removes an image from device storage
func (a *MountApp) DeleteFile(ctx context.Context, filename string) error {
	return a.run(ctx, func(o *mount.Orchestrator) error {
		if err := o.DeleteStorageFile(ctx, filename); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Deleted %s\n", filename)
		return nil
	})
}

// Space prints device storage usage
func (a *MountApp) Space(ctx context.Context) error {
	return a.run(ctx, func(o *mount.Orchestrator) error {
		space, err := o.StorageSpace(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Used: %s\nFree: %s\n", utils.FormatFileSize(space.BytesUsed), utils.FormatFileSize(space.BytesFree))
		return nil
	})
}

func (a *MountApp) printState(state types.VirtualMediaState) {
	if !state.Mounted() {
		fmt.Fprintln(a.out, "Nothing mounted")
		return
	}
	name := state.Filename
	if state.URL != "" {
		name = state.URL
	}
	fmt.Fprintf(a.out, "Mounted %s from %s as %s (%s)\n", name, state.Source, state.Mode, utils.FormatFileSize(state.Size))
}
