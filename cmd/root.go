// Package cmd defines the lopez CLI commands.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lopezworks/lopez/internal/config"
	"github.com/lopezworks/lopez/internal/logging"
)

// Exit codes, part of the CLI contract.
const (
	ExitOK        = 0
	ExitCompile   = 2
	ExitBackend   = 3
	ExitInterrupt = 4
)

// exitError carries a specific process exit code up to Execute.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func compileFailure(err error) error {
	return &exitError{code: ExitCompile, err: err}
}

func backendFailure(err error) error {
	return &exitError{code: ExitBackend, err: err}
}

func interrupted(err error) error {
	return &exitError{code: ExitInterrupt, err: err}
}

type app struct {
	cfg    config.Config
	logger *zap.Logger
}

var (
	cfgFile string
	current *app
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lopez",
		Short: "A polite web crawler driven by Crawl Directives",
		Long: `lopez crawls the web the way you tell it to: an LCD program defines the
seed set, the crawl boundary and named analyses over the pages found, and
lopez does the rest politely, one origin at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			current = &app{cfg: cfg, logger: logger}
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if current != nil {
				_ = current.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is env-only)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newRemoveWaveCmd())
	cmd.AddCommand(newPageRankCmd())
	cmd.AddCommand(newTestDirectivesCmd())
	cmd.AddCommand(newTestURLCmd())

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := newRootCmd().Execute()
	if err == nil {
		return ExitOK
	}
	fmt.Fprintf(os.Stderr, "lopez: %v\n", err)

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return 1
}
