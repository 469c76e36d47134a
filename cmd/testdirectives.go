package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lopezworks/lopez/internal/lcd"
)

func newTestDirectivesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-directives <lcd-file>",
		Short: "Compile a directives file without crawling",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			directives, err := lcd.CompileFile(args[0], current.cfg.Crawler.StdPath)
			if err != nil {
				return compileFailure(err)
			}
			fmt.Printf("ok: %d seeds, %d rule sets, %d rules\n",
				len(directives.Seeds),
				len(directives.RuleSets),
				len(directives.RuleNames()),
			)
			return nil
		},
	}
}
