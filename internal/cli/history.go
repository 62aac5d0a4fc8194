package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/dropbeam/dropbeam/internal/history"
)

var (
	historyPath  string
	historyLimit int
	historyPrune time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list past transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := history.Open(historyPath)
		if err != nil {
			return err
		}

		if historyPrune > 0 {
			gone, err := store.Prune(historyPrune)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d entries\n", gone)
		}

		entries, err := store.Recent(historyLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No transfers recorded.")
			return nil
		}
		for _, e := range entries {
			status := "ok"
			if !e.Succeeded {
				status = "failed"
				if e.Error != "" {
					status = "failed: " + e.Error
				}
			}
			fmt.Printf("%s  %-8s  %-30s  %8s  %s\n",
				time.Unix(e.CreatedAt, 0).Format("2006-01-02 15:04:05"),
				e.Direction,
				e.FileName,
				units.BytesSize(float64(e.Size)),
				status)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyPath, "history", defaultHistoryPath(), "transfer history database")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "show at most this many entries")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "delete entries older than this before listing")
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "dropbeam-history.db"
	}
	return filepath.Join(home, ".dropbeam", "history.db")
}
