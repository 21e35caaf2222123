package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dkrasn/filtervm"
)

func newRunCmd(env *cliEnv) *cobra.Command {
	var entryPoint string
	var withCallbackLog bool
	var timeoutMS int
	var limitedMath bool

	cmd := &cobra.Command{
		Use:   "run <script-file>",
		Short: "Initialize and run a filter script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading script: %w", err)
			}

			cfg := env.cfg
			if cmd.Flags().Changed("timeout") {
				cfg.ExecutionTimeout = timeoutMS
			}
			if cmd.Flags().Changed("limited-math") {
				cfg.LimitedMath = limitedMath
			}

			engine := filtervm.NewV8Engine(cfg)
			defer engine.Dispose()

			filter := filtervm.NewFilter(engine, nil, cfg, filtervm.WithLogger(env.log))
			defer filter.Terminate()

			if diag := filter.Initialize(string(script), entryPoint, nil); !diag.OK() {
				printDiagnostic(cmd, diag)
				return fmt.Errorf("filter failed to load")
			}

			var result string
			var diag filtervm.Diagnostic
			var frames []filtervm.CallbackFrame
			if withCallbackLog {
				result, frames, diag = filter.RunWithCallbackLog()
			} else {
				result, diag = filter.Run()
			}
			if !diag.OK() {
				printDiagnostic(cmd, diag)
				return fmt.Errorf("filter run failed")
			}

			fmt.Fprintln(cmd.OutOrStdout(), result)
			if withCallbackLog {
				encoded, err := json.MarshalIndent(frames, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding callback log: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&entryPoint, "entry", "main", "entry-point function name")
	cmd.Flags().BoolVar(&withCallbackLog, "callback-log", false, "record and print callback invocations")
	cmd.Flags().IntVar(&timeoutMS, "timeout", 0, "execution limit in milliseconds (overrides config)")
	cmd.Flags().BoolVar(&limitedMath, "limited-math", true, "restrict Math to the deterministic allow-list")
	return cmd
}
