package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulecache/rules"
)

func newValidatePatternCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-pattern PATTERN...",
		Short: "Check rule patterns without storing them",
		Long: `Check rule patterns without storing them.

Each pattern is reported as JSON on its own line. The command fails when
any pattern is invalid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			compiler, err := rules.NewCompiler(cfg.CompilerConfig(log))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			invalid := 0
			for _, pattern := range args {
				result := compiler.ValidatePattern(pattern)
				if !result.Valid {
					invalid++
				}
				if err := enc.Encode(struct {
					Pattern string `json:"pattern"`
					rules.PatternValidation
				}{pattern, result}); err != nil {
					return err
				}
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d patterns are invalid", invalid, len(args))
			}
			return nil
		},
	}
}
