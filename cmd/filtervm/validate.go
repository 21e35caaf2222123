package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dkrasn/filtervm"
)

func newValidateCmd(env *cliEnv) *cobra.Command {
	var entryPoint string

	cmd := &cobra.Command{
		Use:   "validate <script-file>",
		Short: "Check that a filter script compiles and defines its entry point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading script: %w", err)
			}

			// Syntax first; esbuild gives a better column span than V8.
			if diag := filtervm.Lint(string(script)); !diag.OK() {
				printDiagnostic(cmd, diag)
				return fmt.Errorf("script is not valid")
			}

			engine := filtervm.NewV8Engine(env.cfg)
			defer engine.Dispose()

			filter := filtervm.NewFilter(engine, nil, env.cfg, filtervm.WithLogger(env.log))
			defer filter.Terminate()

			if diag := filter.Initialize(string(script), entryPoint, nil); !diag.OK() {
				printDiagnostic(cmd, diag)
				return fmt.Errorf("script is not valid")
			}

			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	cmd.Flags().StringVar(&entryPoint, "entry", "main", "entry-point function name")
	return cmd
}
