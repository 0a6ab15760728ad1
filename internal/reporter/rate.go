package reporter

import (
	"time"

	"kvmmount/pkg/types"
)

// RateWindowSize is the number of instant rates averaged into the smoothed rate
const RateWindowSize = 5

// RateWindow tracks transfer speed over the last RateWindowSize samples.
// It is a value type: Observe returns the next state and leaves w untouched.
type RateWindow struct {
	primed    bool
	refTime   time.Time
	refBytes  uint64
	bytesDone uint64

	rates   [RateWindowSize]float64
	count   int
	next    int
	instant float64
}

// NewRateWindow starts a window with a reference sample
func NewRateWindow(start time.Time, bytes uint64) RateWindow {
	return RateWindow{primed: true, refTime: start, refBytes: bytes, bytesDone: bytes}
}

// Observe records a cumulative byte count seen at now
func (w RateWindow) Observe(now time.Time, bytes uint64) RateWindow {
	w.bytesDone = bytes

	if !w.primed || bytes < w.refBytes {
		w.primed = true
		w.refTime, w.refBytes = now, bytes
		return w
	}

	dt := now.Sub(w.refTime).Seconds()
	if dt <= 0 {
		return w
	}

	w.instant = float64(bytes-w.refBytes) / dt
	w.rates[w.next] = w.instant
	w.next = (w.next + 1) % RateWindowSize
	if w.count < RateWindowSize {
		w.count++
	}
	w.refTime, w.refBytes = now, bytes
	return w
}

// Instant returns the most recent instant rate in bytes per second
func (w RateWindow) Instant() float64 {
	return w.instant
}

// Smoothed returns the mean of the rates in the window
func (w RateWindow) Smoothed() float64 {
	if w.count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.count; i++ {
		sum += w.rates[i]
	}
	return sum / float64(w.count)
}

// Samples returns how many rates the window currently holds
func (w RateWindow) Samples() int {
	return w.count
}

// Progress builds a snapshot for a transfer of total bytes
func (w RateWindow) Progress(total uint64) types.TransferProgress {
	return types.TransferProgress{
		BytesDone:       w.bytesDone,
		TotalBytes:      total,
		InstantRateBps:  w.instant,
		SmoothedRateBps: w.Smoothed(),
	}
}
