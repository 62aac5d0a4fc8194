package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dropbeam/dropbeam/internal/broker"
	"github.com/dropbeam/dropbeam/internal/logger"
)

var brokerAddr string

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "run the peer-to-peer signaling broker",
	Long: `broker runs the rendezvous service for --direct transfers. It pairs
devices by session code and relays SDP offers and answers; file bytes never
pass through it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger()

		cfg := broker.DefaultConfig()
		cfg.Addr = brokerAddr
		cfg.Logger = log
		srv := broker.NewServer(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Broker listening on %s\n", srv.Addr())
		return srv.Run(ctx)
	},
}

func init() {
	brokerCmd.Flags().StringVar(&brokerAddr, "addr", ":4190", "broker listen address")
}
