package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	withMigrator := func(run func(cmd *cobra.Command, m migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := f.load(cmd, nil)
			if err != nil {
				return err
			}
			defer flush()
			m, closeFn, err := openMigrator(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			return run(cmd, m)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m migrator) error {
			if err := m.up(cmd.Context()); err != nil {
				return err
			}
			v, err := m.version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		}),
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m migrator) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be >= 1")
			}
			if err := m.down(cmd.Context(), steps); err != nil {
				return err
			}
			v, err := m.version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: withMigrator(func(cmd *cobra.Command, m migrator) error {
			v, err := m.version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		}),
	}

	cmd.AddCommand(up, down, version)
	return cmd
}
