package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lopezworks/lopez/internal/backend/postgres"
	"github.com/lopezworks/lopez/internal/engine"
	"github.com/lopezworks/lopez/internal/fetcher"
	"github.com/lopezworks/lopez/internal/fetcher/headless"
	"github.com/lopezworks/lopez/internal/lcd"
	"github.com/lopezworks/lopez/internal/metrics"
	"github.com/lopezworks/lopez/internal/pagerank"
)

func newRunCmd() *cobra.Command {
	var (
		waveName   string
		workers    int
		backendDSN string
	)

	cmd := &cobra.Command{
		Use:   "run <lcd-file>",
		Short: "Compile directives and crawl a wave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			directives, err := lcd.CompileFile(args[0], current.cfg.Crawler.StdPath)
			if err != nil {
				return compileFailure(err)
			}

			if workers <= 0 {
				workers = current.cfg.Crawler.Workers
			}
			if backendDSN != "" {
				current.cfg.Backend.DSN = backendDSN
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := postgres.New(ctx, postgres.Config{
				DSN:      current.cfg.Backend.DSN,
				MaxConns: current.cfg.Backend.MaxConns,
				MinConns: current.cfg.Backend.MinConns,
			})
			if err != nil {
				return backendFailure(err)
			}
			defer store.Shutdown()

			if current.cfg.Ops.Enabled {
				startOpsServer(current.cfg.Ops.Port, current.logger)
			}

			fetch, closeFetcher, err := buildFetcher(directives)
			if err != nil {
				return err
			}
			defer closeFetcher()

			eng := engine.New(engine.Config{
				WaveName: waveName,
				Workers:  workers,
			}, directives, fetch, store, current.logger)

			if err := eng.Run(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return interrupted(fmt.Errorf("crawl aborted by signal"))
				}
				return backendFailure(err)
			}

			if directives.Variables.EnablePageRank() {
				waveID, err := store.EnsureWave(ctx, waveName)
				if err != nil {
					return backendFailure(err)
				}
				if err := pagerank.Rank(ctx, store, waveID, current.logger); err != nil {
					return backendFailure(err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&waveName, "wave", "", "wave name (required)")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count (default from config)")
	cmd.Flags().StringVar(&backendDSN, "backend", "", "postgres DSN override")
	_ = cmd.MarkFlagRequired("wave")

	return cmd
}

// buildFetcher picks plain HTTP or the headless renderer per config.
func buildFetcher(directives *lcd.Directives) (fetcher.Fetcher, func(), error) {
	cfg := fetcher.Config{
		UserAgent:   directives.Variables.UserAgent(),
		Timeout:     directives.Variables.RequestTimeout(),
		MaxBodySize: directives.Variables.MaxBodySize(),
	}
	if !current.cfg.Headless.Enabled {
		return fetcher.NewColly(cfg, current.logger), func() {}, nil
	}
	browser, err := headless.New(headless.Config{
		UserAgent:         cfg.UserAgent,
		MaxParallel:       current.cfg.Headless.MaxParallel,
		NavigationTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init headless fetcher: %w", err)
	}
	return browser, browser.Close, nil
}

func startOpsServer(port int, logger *zap.Logger) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops endpoint listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("ops endpoint failed", zap.Error(err))
		}
	}()
}
