package cli

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dropbeam/dropbeam/internal/broker"
	"github.com/dropbeam/dropbeam/internal/channel"
	"github.com/dropbeam/dropbeam/internal/client"
)

// connectRelay runs the client lifecycle against the relay and returns its
// bound channel plus a handle that tears the lifecycle down. The bound
// channel follows the lifecycle, so after the client's scheduled reconnect
// it targets the fresh connection rather than the dropped one.
func connectRelay(ctx context.Context, relayURL, code string, log *logrus.Logger) (channel.Channel, func(), error) {
	dial := func(ctx context.Context) (channel.Channel, error) {
		cfg := channel.DefaultRelayConfig(relayURL)
		cfg.Logger = log
		ch, err := channel.DialRelay(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	cfg := client.DefaultConfig(code, dial)
	cfg.Logger = log
	cl := client.New(cfg)
	bound := cl.Bind()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- cl.Run(runCtx) }()

	fail := func(err error) (channel.Channel, func(), error) {
		cancel()
		if runErr := <-done; runErr != nil {
			err = runErr
		}
		_ = bound.Close()
		if err == nil {
			err = fmt.Errorf("connection ended before authenticating")
		}
		return nil, nil, err
	}

	for {
		select {
		case ev, ok := <-bound.Events():
			if !ok || ev.Kind == channel.EventClosed {
				return fail(nil)
			}
			if ev.Kind == channel.EventOpen {
				teardown := func() {
					cancel()
					<-done
					_ = bound.Close()
				}
				return bound, teardown, nil
			}
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}
}

// connectDirectOffer negotiates the peer-to-peer channel as the connecting
// side: join the peer registered under code, then offer.
func connectDirectOffer(ctx context.Context, brokerURL, code string, log *logrus.Logger) (channel.Channel, func(), error) {
	sig, err := broker.Dial(ctx, brokerURL, log)
	if err != nil {
		return nil, nil, err
	}
	if err := sig.Connect(code); err != nil {
		_ = sig.Close()
		return nil, nil, err
	}

	cfg := channel.DefaultDirectConfig()
	cfg.Logger = log
	ch, err := channel.Offer(ctx, sig, cfg)
	if err != nil {
		_ = sig.Close()
		return nil, nil, err
	}
	// Signaling is done once the data channel is up.
	_ = sig.Close()
	return ch, func() { _ = ch.Close() }, nil
}

// connectDirectAnswer negotiates as the accepting side: register with the
// broker, surface the code through onCode, and wait for the offer.
func connectDirectAnswer(ctx context.Context, brokerURL string, log *logrus.Logger, onCode func(string)) (channel.Channel, func(), error) {
	sig, err := broker.Dial(ctx, brokerURL, log)
	if err != nil {
		return nil, nil, err
	}
	code, err := sig.Register(ctx)
	if err != nil {
		_ = sig.Close()
		return nil, nil, err
	}
	if onCode != nil {
		onCode(code.String())
	}

	cfg := channel.DefaultDirectConfig()
	cfg.Logger = log
	ch, err := channel.Answer(ctx, sig, cfg)
	if err != nil {
		_ = sig.Close()
		return nil, nil, err
	}
	_ = sig.Close()
	return ch, func() { _ = ch.Close() }, nil
}
