package cmd

import (
	"github.com/spf13/cobra"

	"github.com/lopezworks/lopez/internal/backend/postgres"
	"github.com/lopezworks/lopez/internal/pagerank"
)

func newPageRankCmd() *cobra.Command {
	var backendDSN string

	cmd := &cobra.Command{
		Use:   "page-rank <wave>",
		Short: "Run the page rank batch pass over a crawled wave",
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

			waveID, err := store.EnsureWave(cmd.Context(), args[0])
			if err != nil {
				return backendFailure(err)
			}
			if err := pagerank.Rank(cmd.Context(), store, waveID, current.logger); err != nil {
				return backendFailure(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&backendDSN, "backend", "", "postgres DSN override")
	return cmd
}
