package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dropbeam/dropbeam/internal/logger"
	"github.com/dropbeam/dropbeam/internal/relay"
	"github.com/dropbeam/dropbeam/internal/transfer"
)

var (
	hostAddr     string
	hostDir      string
	hostManifest string
)

var hostCmd = &cobra.Command{
	Use:   "host [files to share...]",
	Short: "host a session and wait for a device to connect",
	Long: `host starts the relay, prints a session code, and serves until
interrupted. Files passed as arguments become downloadable by the connected
device; files the device sends land in the download directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger()

		cfg := relay.DefaultConfig()
		cfg.Addr = hostAddr
		cfg.ManifestPath = hostManifest
		cfg.Logger = log
		srv, err := relay.NewServer(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Run(ctx) })

		host, err := srv.OpenSession()
		if err != nil {
			return err
		}
		defer host.Close()

		for _, path := range args {
			id, err := srv.Share(host.Code(), path)
			if err != nil {
				return err
			}
			log.Infof("Sharing %s as %s", path, id)
		}

		fmt.Printf("Session code: %s\n", host.Code())
		fmt.Printf("Relay listening on %s\n", srv.Addr())

		bars := newBarTracker("Receiving")
		g.Go(func() error {
			saved, err := transfer.ReceiveOver(ctx, host, transfer.NewReceiver(log), hostDir, bars.update)
			for _, path := range saved {
				fmt.Printf("Saved %s\n", path)
			}
			return err
		})
		return g.Wait()
	},
}

func init() {
	hostCmd.Flags().StringVar(&hostAddr, "addr", ":4180", "relay listen address")
	hostCmd.Flags().StringVar(&hostDir, "dir", defaultDownloadDir(), "directory for received files")
	hostCmd.Flags().StringVar(&hostManifest, "manifest", "dropbeam-shares.json", "share manifest path")
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "downloads"
	}
	return home + "/Downloads"
}
