package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lopezworks/lopez/internal/backend/postgres"
)

func newRemoveWaveCmd() *cobra.Command {
	var backendDSN string

	cmd := &cobra.Command{
		Use:   "remove-wave <name>",
		Short: "Delete a wave and everything it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if backendDSN != "" {
				current.cfg.Backend.DSN = backendDSN
			}
			store, err := postgres.New(cmd.Context(), postgres.Config{
				DSN:      current.cfg.Backend.DSN,
				MaxConns: current.cfg.Backend.MaxConns,
				MinConns: current.cfg.Backend.MinConns,
			})
			if err != nil {
				return backendFailure(err)
			}
			defer store.Shutdown()

			collected, err := store.DeleteWave(cmd.Context(), args[0])
			if err != nil {
				return backendFailure(err)
			}
			current.logger.Info("wave removed",
				zap.String("wave", args[0]),
				zap.Int64("pages_collected", collected),
			)
			fmt.Printf("removed wave %q (%d orphaned pages collected)\n", args[0], collected)
			return nil
		},
	}

	cmd.Flags().StringVar(&backendDSN, "backend", "", "postgres DSN override")
	return cmd
}
