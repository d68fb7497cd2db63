package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/blukai/arenaparty/internal/config"
	"github.com/blukai/arenaparty/internal/lobby"
	"github.com/blukai/arenaparty/internal/metrics"
	"github.com/blukai/arenaparty/internal/server"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
)

func configureLogger(verbose bool) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
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

func run(configPath, hostName string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	logger := configureLogger(verbose)
	m := metrics.New()

	srv, err := server.New(server.Config{
		Addr:          cfg.Addr,
		HostName:      hostName,
		MaxPlayers:    cfg.MaxPlayers,
		ClientTimeout: cfg.ClientTimeout.Duration,
		TickInterval:  cfg.TickInterval.Duration,
		Lobby: lobby.Config{
			MinPlayersToStart: cfg.MinPlayersToStart,
			Timeout:           cfg.LobbyTimeout.Duration,
		},
	}, logger, m)
	if err != nil {
		return fmt.Errorf("could not construct server: %w", err)
	}
	logger.Info().Msgf("started server on %s", srv.Addr())

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Msgf("metrics listener failed: %v", err)
			}
		}()
		logger.Info().Msgf("serving metrics on %s/metrics", cfg.MetricsAddr)
	}

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = srv.Run(ctx)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if runErr != nil {
		return fmt.Errorf("server run failed: %w", runErr)
	}

	return nil
}

func main() {
	var (
		configPath string
		hostName   string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:          "arenaparty-server",
		Short:        "arenaparty lobby server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, hostName, verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to toml config file")
	cmd.Flags().StringVar(&hostName, "host-name", "host", "display name in server-originated frames")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
