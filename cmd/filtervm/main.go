// Command filtervm validates, runs, and manages deterministic
// JavaScript filters from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dkrasn/filtervm"
)

// cliEnv carries state shared by all subcommands, resolved by the root
// command's persistent pre-run.
type cliEnv struct {
	cfg filtervm.Config
	log *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	env := &cliEnv{cfg: filtervm.DefaultConfig(), log: zap.NewNop()}

	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:           "filtervm",
		Short:         "Deterministic JavaScript filter sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg, err := filtervm.LoadConfig(configPath)
				if err != nil {
					return err
				}
				env.cfg = cfg
			}
			if debug {
				log, err := zap.NewDevelopment()
				if err != nil {
					return fmt.Errorf("building logger: %w", err)
				}
				env.log = log
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = env.log.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newValidateCmd(env))
	cmd.AddCommand(newRunCmd(env))
	cmd.AddCommand(newStoreCmd(env))
	return cmd
}

// printDiagnostic writes a non-Ok diagnostic in a stable one-line form.
func printDiagnostic(cmd *cobra.Command, diag filtervm.Diagnostic) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", diag.Disposition, diag)
}
