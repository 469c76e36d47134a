package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/lopezworks/lopez/internal/boundary"
	"github.com/lopezworks/lopez/internal/fetcher"
	"github.com/lopezworks/lopez/internal/lcd"
)

// test-url fetches one URL with the compiled directives and prints the
// boundary verdict and analysis JSON without touching any backend.
func newTestURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-url <lcd-file> <url>",
		Short: "Fetch one URL and print its analysis results",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			directives, err := lcd.CompileFile(args[0], current.cfg.Crawler.StdPath)
			if err != nil {
				return compileFailure(err)
			}

			boundaries := boundary.New(directives.Boundary)
			target, err := url.Parse(args[1])
			if err != nil {
				return fmt.Errorf("bad url %q: %w", args[1], err)
			}
			normalized, err := boundaries.Normalize(nil, target.String())
			if err != nil {
				return fmt.Errorf("bad url %q: %w", args[1], err)
			}
			fmt.Printf("normalized: %s\n", normalized)

			if !boundaries.IsAllowed(normalized) {
				fmt.Println("verdict: disallowed by directives")
				return nil
			}
			if boundaries.IsFrontier(normalized) {
				fmt.Println("verdict: frontier page (links will not be expanded)")
			} else {
				fmt.Println("verdict: allowed")
			}

			fetch := fetcher.NewColly(fetcher.Config{
				UserAgent:   directives.Variables.UserAgent(),
				Timeout:     directives.Variables.RequestTimeout(),
				MaxBodySize: directives.Variables.MaxBodySize(),
			}, current.logger)

			outcome, err := fetch.Fetch(cmd.Context(), normalized.String())
			if err != nil {
				return fmt.Errorf("fetch: %w", err)
			}
			fmt.Printf("status: %d (%s)\n", outcome.StatusCode, outcome.ContentType)
			for _, hop := range outcome.Redirects {
				fmt.Printf("redirect: %s -> %s (%d)\n", hop.From, hop.To, hop.StatusCode)
			}

			if !outcome.IsHTML() {
				return nil
			}
			analyzer := lcd.NewAnalyzer(directives, current.logger)
			results := analyzer.Analyze(outcome.URL, lcd.ParseDocument(string(outcome.Body)))

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(results)
		},
	}
}
