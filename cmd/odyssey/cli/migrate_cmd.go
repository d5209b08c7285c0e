package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the authorization store schema",
	}
	run := func(op func(cmd *cobra.Command, m Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			m, release, err := deps.Migrator(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			return op(cmd, m)
		}
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, m Migrator) error {
				if err := m.Up(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, m Migrator) error {
				if err := m.Down(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "rolled back one migration")
				return err
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print migration status",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, m Migrator) error {
				return m.Status(cmd.Context())
			}),
		},
	)
	return cmd
}
