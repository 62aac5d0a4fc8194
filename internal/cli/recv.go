package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dropbeam/dropbeam/internal/channel"
	"github.com/dropbeam/dropbeam/internal/history"
	"github.com/dropbeam/dropbeam/internal/logger"
	"github.com/dropbeam/dropbeam/internal/transfer"
)

var (
	recvCode   string
	recvRelay  string
	recvDirect bool
	recvBroker string
	recvDir    string
)

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "receive files into a directory",
	Long: `recv joins a hosted session and saves everything the other side sends.
With --direct it instead registers with the signaling broker, prints a fresh
session code, and waits for a peer-to-peer connection.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewQuietLogger()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var (
			ch       channel.Channel
			teardown func()
			err      error
		)
		if recvDirect {
			ch, teardown, err = connectDirectAnswer(ctx, recvBroker, log, func(code string) {
				fmt.Printf("Session code: %s\n", code)
			})
		} else {
			if recvCode == "" {
				return fmt.Errorf("--code is required unless --direct is set")
			}
			ch, teardown, err = connectRelay(ctx, recvRelay, recvCode, log)
		}
		if err != nil {
			return err
		}
		defer teardown()

		store := openHistory(historyPath)
		bars := newBarTracker("Receiving")
		saved, recvErr := transfer.ReceiveOver(ctx, ch, transfer.NewReceiver(log), recvDir, bars.update)
		for _, path := range saved {
			fmt.Printf("Saved %s\n", path)
			recordHistory(store, history.Entry{
				FileName:  filepath.Base(path),
				Size:      fileSize(path),
				Direction: history.DirectionReceived,
				Peer:      recvCode,
				Succeeded: true,
			})
		}
		if recvErr != nil {
			recordHistory(store, history.Entry{
				Direction: history.DirectionReceived,
				Peer:      recvCode,
				Succeeded: false,
				Error:     recvErr.Error(),
			})
		}
		return recvErr
	},
}

func init() {
	recvCmd.Flags().StringVar(&recvCode, "code", "", "session code printed by the host")
	recvCmd.Flags().StringVar(&recvRelay, "relay", "ws://localhost:4180/ws", "relay websocket URL")
	recvCmd.Flags().BoolVar(&recvDirect, "direct", false, "accept a peer-to-peer connection instead of joining a relay session")
	recvCmd.Flags().StringVar(&recvBroker, "broker", "ws://localhost:4190/signal", "signaling broker URL, used with --direct")
	recvCmd.Flags().StringVar(&historyPath, "history", defaultHistoryPath(), "transfer history database")
	recvCmd.Flags().StringVar(&recvDir, "dir", defaultDownloadDir(), "directory for received files")
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
