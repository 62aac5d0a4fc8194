package cli

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/dropbeam/dropbeam/internal/session"
	"github.com/dropbeam/dropbeam/internal/transfer"
)

// barTracker renders one progress bar per transfer id.
type barTracker struct {
	description string

	mu   sync.Mutex
	bars map[session.TransferID]*progressbar.ProgressBar
}

func newBarTracker(description string) *barTracker {
	return &barTracker{
		description: description,
		bars:        make(map[session.TransferID]*progressbar.ProgressBar),
	}
}

// update is a transfer.ProgressFunc.
func (bt *barTracker) update(p transfer.Progress) {
	bt.mu.Lock()
	bar, ok := bt.bars[p.TransferID]
	if !ok {
		bar = progressbar.NewOptions64(
			p.TotalBytes,
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", bt.description, p.FileName)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(os.Stderr, "\n")
			}),
			progressbar.OptionFullWidth(),
		)
		bt.bars[p.TransferID] = bar
	}
	bt.mu.Unlock()

	_ = bar.Set64(p.TransferredBytes)
}
