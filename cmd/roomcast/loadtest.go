package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adred-codev/roomcast/internal/loadtest"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/adred-codev/roomcast/internal/types"
	"github.com/spf13/cobra"
)

func loadtestCmd() *cobra.Command {
	var (
		cfg       loadtest.Config
		rooms     string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Hold many client connections against a server",
		Long: `Ramp up WebSocket clients, have them register and join rooms, hold the
load for a while and report connection and message counts.

When --health is set the server's reported connection count is compared
with the clients actually held to surface leaked connections.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, room := range strings.Split(rooms, ",") {
				if room = strings.TrimSpace(room); room != "" {
					cfg.Rooms = append(cfg.Rooms, room)
				}
			}

			logger := monitoring.NewLogger(monitoring.LoggerConfig{
				Level:  types.LogLevelInfo,
				Format: types.LogFormat(logFormat),
			})

			runner, err := loadtest.NewRunner(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := runner.Run(ctx)
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d connections failed", report.Failed, report.Created)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.URL, "url", "ws://localhost:3002/ws", "WebSocket server URL")
	flags.StringVar(&cfg.HealthURL, "health", "http://localhost:3002/health", "health URL (empty disables)")
	flags.IntVarP(&cfg.Connections, "connections", "c", 1000, "target number of connections")
	flags.IntVar(&cfg.RampRate, "ramp-rate", 100, "connections per second during ramp-up")
	flags.DurationVarP(&cfg.Duration, "duration", "d", 5*time.Minute, "how long to hold the load")
	flags.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 10*time.Second, "dial and setup timeout")
	flags.DurationVar(&cfg.ReportInterval, "report-interval", 10*time.Second, "report interval")
	flags.DurationVar(&cfg.HealthInterval, "health-interval", 5*time.Second, "health poll interval")
	flags.StringVar(&rooms, "rooms", "lobby", "comma-separated rooms to join")
	flags.StringVar(&cfg.Mode, "mode", loadtest.ModeAll, "room selection: all, single, random")
	flags.IntVar(&cfg.RoomsPerClient, "rooms-per-client", 1, "rooms per client in random mode")
	flags.DurationVar(&cfg.SendInterval, "send-interval", 0, "per-client send interval (0 only listens)")
	flags.Int64Var(&cfg.PhantomThreshold, "phantom-threshold", 5, "server/client mismatch that triggers a warning")
	flags.StringVar(&logFormat, "log-format", string(types.LogFormatPretty), "log format: json or pretty")

	return cmd
}
