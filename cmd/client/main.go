package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blukai/arenaparty/internal/client"
	"github.com/blukai/arenaparty/internal/config"
	"github.com/blukai/arenaparty/internal/lobby"
	"github.com/blukai/arenaparty/internal/netconn"
	"github.com/blukai/arenaparty/internal/protocol"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
)

func configureLogger(verbose bool) *log.Logger {
	logger := log.DefaultLogger

	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}
	if !verbose {
		logger.Level = log.InfoLevel
	}

	return &logger
}

// headless client: connects, joins the lobby, flips ready after a delay and
// follows the host into game start. mostly useful for poking at a server.
func run(configPath, addr, name string, readyAfter time.Duration, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}
	if addr == "" {
		addr = cfg.Addr
	}

	logger := configureLogger(verbose)

	sup := client.NewSupervisor(client.Config{
		Addr:                 addr,
		Name:                 name,
		ConnectTimeout:       cfg.ConnectTimeout.Duration,
		ReconnectInterval:    cfg.ReconnectInterval.Duration,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.HeartbeatInterval.Duration,
		Lobby: lobby.Config{
			MinPlayersToStart: cfg.MinPlayersToStart,
			Timeout:           cfg.LobbyTimeout.Duration,
		},
		OnChat: func(sender protocol.Identity, text string) {
			logger.Info().Msgf("[%s] %s", sender, text)
		},
	}, logger)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	start := time.Now()
	sup.Connect(start)

	readySent := false
	lastState := lobby.StateIdle

	ticker := time.NewTicker(cfg.TickInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
			sup.Close()
			return nil
		case now := <-ticker.C:
			sup.Tick(now)

			if state := sup.Lobby().State(); state != lastState {
				lastState = state
				logger.Info().Msgf("lobby state: %s", state)
				if state == lobby.StateStarting {
					logger.Info().Msg("game starting, exiting")
					sup.Close()
					return nil
				}
				if state == lobby.StateError {
					sup.Close()
					return fmt.Errorf("lobby error: %s", sup.Lobby().Err())
				}
			}

			if !readySent && sup.Status() == netconn.StatusConnected && now.Sub(start) >= readyAfter {
				sup.SetReady(true)
				readySent = true
			}

			if sup.Status() == netconn.StatusFailed {
				return fmt.Errorf("connection failed: %v", sup.Err())
			}
		}
	}
}

func main() {
	var (
		configPath string
		addr       string
		name       string
		readyAfter time.Duration
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:          "arenaparty-client",
		Short:        "headless arenaparty client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, addr, name, readyAfter, verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to toml config file")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (defaults to config addr)")
	cmd.Flags().StringVarP(&name, "name", "n", "player", "display name")
	cmd.Flags().DurationVar(&readyAfter, "ready-after", 2*time.Second, "delay before sending ready")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
