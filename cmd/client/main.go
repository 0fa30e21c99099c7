package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/medbridge/telecall/internal/client"
	"github.com/medbridge/telecall/internal/config"
	"github.com/medbridge/telecall/internal/core"
	"github.com/medbridge/telecall/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	identityFlag := flag.String("identity", "", "identity to register as (overrides config)")
	callFlag := flag.String("call", "", "identity to dial; empty means wait for incoming calls")
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *identityFlag != "" {
		cfg.Identity = *identityFlag
	}
	identity, err := domain.ParseIdentity(cfg.Identity)
	if err != nil {
		log.Fatal().Err(err).Msg("bad identity")
	}

	strategies := []client.DialStrategy{client.WSStrategy("primary", cfg.ServerURL)}
	if cfg.FallbackURL != "" {
		strategies = append(strategies, client.WSStrategy("fallback", cfg.FallbackURL))
	}

	transport := client.NewTransport(cfg, identity, strategies, log.Logger)

	media, err := client.NewDeviceProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("media provider")
	}

	ctrl := client.NewController(cfg, identity, transport, media, func() (client.PeerConn, error) {
		return client.NewPeerConn(client.DefaultWebRTCConfig())
	}, core.NewClock(), log.Logger)
	ctrl.OnUIClose = func() { log.Info().Msg("call closed") }

	transport.Start(ctx)
	defer transport.Close()

	if *callFlag != "" {
		if err := ctrl.InitiateCall(ctx, domain.Identity(*callFlag)); err != nil {
			log.Fatal().Err(err).Msg("initiate call")
		}
	}

	for {
		select {
		case <-ctx.Done():
			ctrl.HangUp()
			return
		case change := <-ctrl.Changes():
			log.Info().
				Str("state", change.State.String()).
				Str("reason", change.Reason).
				Dur("duration", change.Duration).
				Msg("session state")
			if change.State == client.StateConnecting && *callFlag == "" && ctrl.Peer() != "" {
				// Headless mode answers automatically.
				go func() {
					if err := ctrl.AcceptCall(ctx); err != nil {
						log.Warn().Err(err).Msg("accept call")
					}
				}()
			}
		}
	}
}
