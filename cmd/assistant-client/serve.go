package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/assistant-client/internal/viewapi"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the client core and the local view API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(os.Stdout, cfg)
			log.Logger = logger

			logger.Info().
				Str("environment", cfg.Environment).
				Str("socket_url", cfg.SocketURL).
				Str("http_url", cfg.HTTPURL).
				Str("view_addr", cfg.ViewListenAddr).
				Bool("transcript_enabled", cfg.TranscriptEnabled()).
				Msg("starting assistant client")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := newStack(cfg, logger)
			if err != nil {
				return err
			}

			deps := viewapi.Deps{
				Conversation: st.orchestrator,
				Connection:   st.manager,
				Transport:    st.selector,
				Checker:      st.checker,
			}
			if st.store != nil {
				deps.Transcript = st.store
			}
			viewServer := viewapi.NewServer(viewapi.ServerConfig{
				ListenAddr: cfg.ViewListenAddr,
				AuthConfig: viewapi.AuthConfig{
					Mode:   cfg.ViewAuthMode,
					APIKey: cfg.ViewAPIKey,
				},
				CORSOrigins: cfg.ViewCORSOrigins,
			}, deps, st.metrics, logger)

			var wg sync.WaitGroup

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := viewServer.Start(); err != nil {
					logger.Error().Err(err).Msg("view API server error")
				}
			}()

			st.connect(ctx)

			<-ctx.Done()
			logger.Info().Msg("shutting down gracefully")

			if err := viewServer.Shutdown(); err != nil {
				logger.Error().Err(err).Msg("view API server shutdown error")
			}
			st.Close()

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()

			select {
			case <-done:
				logger.Info().Msg("all goroutines stopped")
			case <-time.After(15 * time.Second):
				logger.Warn().Msg("forced shutdown after timeout")
			}

			logger.Info().Msg("assistant client stopped")
			return nil
		},
	}
}
