package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dkrasn/filtervm"
	"github.com/dkrasn/filtervm/internal/store"
)

func newStoreCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the persistent filter registry",
	}
	cmd.AddCommand(newStoreAddCmd(env))
	cmd.AddCommand(newStoreListCmd(env))
	cmd.AddCommand(newStoreRemoveCmd(env))
	cmd.AddCommand(newStoreRunCmd(env))
	return cmd
}

func openStore(env *cliEnv) (*store.Store, error) {
	return store.Open(env.cfg.StorePath, env.log)
}

func newStoreAddCmd(env *cliEnv) *cobra.Command {
	var entryPoint string
	var callbacks string

	cmd := &cobra.Command{
		Use:   "add <name> <script-file>",
		Short: "Add or replace a filter definition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading script: %w", err)
			}

			var names []string
			if callbacks != "" {
				for _, name := range strings.Split(callbacks, ",") {
					names = append(names, strings.TrimSpace(name))
				}
			}

			st, err := openStore(env)
			if err != nil {
				return err
			}
			rec, err := st.Save(args[0], string(script), entryPoint, names)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\n", rec.Name, rec.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&entryPoint, "entry", "main", "entry-point function name")
	cmd.Flags().StringVar(&callbacks, "callbacks", "", "comma-separated callback names the filter may use")
	return cmd
}

func newStoreListCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored filter definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(env)
			if err != nil {
				return err
			}
			recs, err := st.List()
			if err != nil {
				return err
			}
			for _, rec := range recs {
				callbacks := strings.Join(rec.Callbacks(), ",")
				if callbacks == "" {
					callbacks = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tentry=%s\tcallbacks=%s\n", rec.Name, rec.EntryPoint, callbacks)
			}
			return nil
		},
	}
}

func newStoreRunCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "run <name>",
		Short: "Run a stored filter definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(env)
			if err != nil {
				return err
			}

			engine := filtervm.NewV8Engine(env.cfg)
			defer engine.Dispose()

			filter := filtervm.NewFilter(engine, nil, env.cfg, filtervm.WithLogger(env.log))
			defer filter.Terminate()

			if diag := filter.InitializeFrom(st, args[0]); !diag.OK() {
				printDiagnostic(cmd, diag)
				return fmt.Errorf("filter failed to load")
			}
			result, diag := filter.Run()
			if !diag.OK() {
				printDiagnostic(cmd, diag)
				return fmt.Errorf("filter run failed")
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newStoreRemoveCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a stored filter definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(env)
			if err != nil {
				return err
			}
			if err := st.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}
