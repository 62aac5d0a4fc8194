package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dropbeam/dropbeam/internal/channel"
	"github.com/dropbeam/dropbeam/internal/history"
	"github.com/dropbeam/dropbeam/internal/logger"
	"github.com/dropbeam/dropbeam/internal/transfer"
)

var (
	sendCode   string
	sendRelay  string
	sendDirect bool
	sendBroker string
)

var sendCmd = &cobra.Command{
	Use:   "send <file>...",
	Short: "send files to the device behind a session code",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendCode == "" {
			return fmt.Errorf("--code is required")
		}
		log := logger.NewQuietLogger()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ch, teardown, err := openSendChannel(ctx, log)
		if err != nil {
			return err
		}
		defer teardown()

		sender, err := transfer.NewSender(transfer.DefaultConfig(), log)
		if err != nil {
			return err
		}
		store := openHistory(historyPath)
		bars := newBarTracker("Sending")

		for _, path := range args {
			id, meta, err := sender.Prepare(path)
			if err != nil {
				return err
			}
			began := time.Now()
			sendErr := transfer.SendOver(ctx, ch, sender, id, bars.update)
			recordHistory(store, history.Entry{
				TransferID: string(id),
				FileName:   meta.Name,
				Size:       meta.Size,
				Checksum:   meta.Checksum,
				Direction:  history.DirectionSent,
				Peer:       sendCode,
				Succeeded:  sendErr == nil,
				Error:      errString(sendErr),
				Duration:   time.Since(began).Milliseconds(),
			})
			if sendErr != nil {
				return sendErr
			}
			fmt.Printf("Sent %s (%d bytes)\n", meta.Name, meta.Size)
		}
		return nil
	},
}

func openSendChannel(ctx context.Context, log *logrus.Logger) (channel.Channel, func(), error) {
	if sendDirect {
		return connectDirectOffer(ctx, sendBroker, sendCode, log)
	}
	return connectRelay(ctx, sendRelay, sendCode, log)
}

func init() {
	sendCmd.Flags().StringVar(&sendCode, "code", "", "session code of the receiving device")
	sendCmd.Flags().StringVar(&sendRelay, "relay", "ws://localhost:4180/ws", "relay websocket URL")
	sendCmd.Flags().BoolVar(&sendDirect, "direct", false, "use a peer-to-peer channel instead of the relay")
	sendCmd.Flags().StringVar(&sendBroker, "broker", "ws://localhost:4190/signal", "signaling broker URL, used with --direct")
	sendCmd.Flags().StringVar(&historyPath, "history", defaultHistoryPath(), "transfer history database")
}

// openHistory opens the transfer log, degrading to no logging when the
// database cannot be opened.
func openHistory(path string) *history.Store {
	store, err := history.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: transfer history unavailable: %v\n", err)
		return nil
	}
	return store
}

func recordHistory(store *history.Store, e history.Entry) {
	if store == nil {
		return
	}
	if err := store.Record(e); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not record transfer: %v\n", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
