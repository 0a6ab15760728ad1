package reporter

import (
	"context"

	"kvmmount/pkg/types"

	"github.com/rs/zerolog"
)

// ProgressSink renders progress snapshots, e.g. as a terminal progress bar
type ProgressSink interface {
	Start(name string, total uint64)
	Update(p types.TransferProgress)
	Finish()
}

// ProgressReporter drains a progress channel into a sink and the log
type ProgressReporter struct {
	logger zerolog.Logger
	sink   ProgressSink
}

// NewProgressReporter creates a reporter. sink may be nil for log-only output.
func NewProgressReporter(logger zerolog.Logger, sink ProgressSink) *ProgressReporter {
	return &ProgressReporter{
		logger: logger.With().Str("component", "progress").Logger(),
		sink:   sink,
	}
}

// Callback returns a non-blocking progress callback feeding progressCh.
// Snapshots are dropped when the consumer falls behind.
func Callback(progressCh chan<- types.TransferProgress) func(types.TransferProgress) {
	return func(p types.TransferProgress) {
		select {
		case progressCh <- p:
		default:
		}
	}
}

// Run consumes progressCh until it is closed or ctx is done and returns the last snapshot
func (pr *ProgressReporter) Run(ctx context.Context, name string, total uint64, progressCh <-chan types.TransferProgress) types.TransferProgress {
	last := types.TransferProgress{TotalBytes: total}
	if pr.sink != nil {
		pr.sink.Start(name, total)
	}
	pr.logger.Info().Str("name", name).Uint64("total_bytes", total).Msg("transfer started")

	for {
		select {
		case <-ctx.Done():
			pr.logger.Info().Str("name", name).Msg("progress reporting stopped: cancelled")
			return last
		case p, ok := <-progressCh:
			if !ok {
				if pr.sink != nil {
					pr.sink.Finish()
				}
				pr.logger.Info().
					Str("name", name).
					Uint64("bytes_done", last.BytesDone).
					Float64("rate_bps", last.SmoothedRateBps).
					Msg("transfer finished")
				return last
			}
			last = p
			if pr.sink != nil {
				pr.sink.Update(p)
			}
			pr.logger.Debug().
				Uint64("bytes_done", p.BytesDone).
				Float64("percent", p.Percentage()).
				Float64("rate_bps", p.SmoothedRateBps).
				Msg("progress")
		}
	}
}
