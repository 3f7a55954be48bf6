package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/roomcast/internal/app"
	"github.com/adred-codev/roomcast/internal/config"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/adred-codev/roomcast/internal/types"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		debug           bool
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket server",
		Long: `Run the WebSocket server and the admin HTTP API.

Configuration is read from the environment and an optional .env file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(nil)
			if err != nil {
				return err
			}

			// Override debug mode if flag set
			if debug {
				cfg.LogLevel = string(types.LogLevelDebug)
			}

			ring := monitoring.NewLogRing(cfg.LogRingSize)
			logger := monitoring.NewLogger(monitoring.LoggerConfig{
				Level:  types.LogLevel(cfg.LogLevel),
				Format: types.LogFormat(cfg.LogFormat),
				Ring:   ring,
			})

			// automaxprocs rounds down to whole cores
			logger.Info().
				Int("gomaxprocs", runtime.GOMAXPROCS(0)).
				Str("version", version).
				Msg("Starting roomcast")
			cfg.LogConfig(logger)

			server, err := app.New(cfg, logger, app.WithLogRing(ring))
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := server.Start(ctx); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				monitoring.LogError(logger, err, "Error during shutdown", nil)
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging (overrides LOG_LEVEL)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "time allowed for draining connections")

	return cmd
}
