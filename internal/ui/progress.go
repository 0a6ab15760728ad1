package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"kvmmount/pkg/types"
	"kvmmount/pkg/utils"

	"github.com/schollz/progressbar/v3"
)

// ProgressUI renders transfer progress as a terminal progress bar
type ProgressUI struct {
	out  io.Writer
	bar  *progressbar.ProgressBar
	name string
	last types.TransferProgress
}

// NewProgressUI creates a progress UI writing to stderr
func NewProgressUI() *ProgressUI {
	return NewProgressUIWithWriter(os.Stderr)
}

// NewProgressUIWithWriter creates a progress UI writing to out
func NewProgressUIWithWriter(out io.Writer) *ProgressUI {
	return &ProgressUI{out: out}
}

// Start initializes the progress bar for a transfer
func (p *ProgressUI) Start(name string, total uint64) {
	p.name = name
	p.bar = progressbar.NewOptions64(int64(total),
		progressbar.OptionSetDescription("Uploading "+name),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
}

// Update moves the bar to the acknowledged byte count
func (p *ProgressUI) Update(update types.TransferProgress) {
	if p.bar == nil {
		return
	}
	p.last = update

	_ = p.bar.Set64(int64(update.BytesDone))
	p.bar.Describe(fmt.Sprintf("Uploading %s (%.1f%% - %s)", p.name, update.Percentage(), utils.FormatRate(update.SmoothedRateBps)))
}

// Finish completes the bar and prints a summary
func (p *ProgressUI) Finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()

	fmt.Fprintf(p.out, "\n=============================================\n")
	fmt.Fprintf(p.out, "Upload of %s finished\n", p.name)
	fmt.Fprintf(p.out, "+ Bytes acknowledged: %s\n", utils.FormatFileSize(int64(p.last.BytesDone)))
	fmt.Fprintf(p.out, "+ Average throughput: %s\n", utils.FormatRate(p.last.SmoothedRateBps))
	fmt.Fprintf(p.out, "+ Completion: %.1f%%\n", p.last.Percentage())
	fmt.Fprintf(p.out, "=============================================\n")
}
