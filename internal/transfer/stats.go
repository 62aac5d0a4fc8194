package transfer

import (
	"fmt"
	"time"

	"github.com/docker/go-units"

	"github.com/dropbeam/dropbeam/internal/session"
)

// Progress is a derived snapshot of one transfer's counters. Percent, speed,
// and ETA are computed from the snapshot, never stored in the context.
type Progress struct {
	TransferID       session.TransferID
	FileName         string
	TotalBytes       int64
	TransferredBytes int64
	TotalChunks      int
	DoneChunks       int
	Elapsed          time.Duration
}

// Percent returns completion in [0, 100]. An empty file is 100% done.
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 100
	}
	return float64(p.TransferredBytes) / float64(p.TotalBytes) * 100
}

// Speed returns instantaneous throughput in bytes per second.
func (p Progress) Speed() float64 {
	secs := p.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(p.TransferredBytes) / secs
}

// ETA estimates remaining time from current speed. Zero when unknowable.
func (p Progress) ETA() time.Duration {
	speed := p.Speed()
	if speed <= 0 {
		return 0
	}
	remaining := float64(p.TotalBytes - p.TransferredBytes)
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining / speed * float64(time.Second))
}

func (p Progress) String() string {
	return fmt.Sprintf("%s: %s/%s (%.1f%%) at %s/s, ETA %s",
		p.FileName,
		units.BytesSize(float64(p.TransferredBytes)),
		units.BytesSize(float64(p.TotalBytes)),
		p.Percent(),
		units.BytesSize(p.Speed()),
		p.ETA().Round(time.Second),
	)
}
