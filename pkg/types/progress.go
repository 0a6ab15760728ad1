package types

// TransferProgress is a snapshot of a running transfer
type TransferProgress struct {
	BytesDone       uint64
	TotalBytes      uint64
	InstantRateBps  float64
	SmoothedRateBps float64
}

// Percentage returns the completed share in [0, 100]
func (p TransferProgress) Percentage() float64 {
	if p.TotalBytes == 0 {
		return 100
	}
	pct := float64(p.BytesDone) / float64(p.TotalBytes) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
