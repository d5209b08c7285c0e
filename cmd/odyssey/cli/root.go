// Package cli implements accessctl, the operator tool for migrations, RBAC seeds and the
// audit queue.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

// Migrator applies embedded schema migrations.
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Status(ctx context.Context) error
}

// Deps opens the backends a command needs. Each opener returns a release func.
type Deps struct {
	Migrator  func(ctx context.Context) (Migrator, func(), error)
	Grants    func(ctx context.Context) (*rbac.Service, func(), error)
	Inspector func(ctx context.Context) (jobs.QueueInspector, string, func(), error)
}

// Execute runs accessctl against the configured environment.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	root := NewRootCmd(EnvDeps())
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCmd builds the command tree over deps.
func NewRootCmd(deps Deps) *cobra.Command {
	var output string
	root := &cobra.Command{
		Use:           "accessctl",
		Short:         "Operate the Odyssey access service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("unsupported output %q", output)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newMigrateCmd(deps),
		newSeedCmd(deps),
		newGrantsCmd(deps),
		newQueueCmd(deps),
	)
	return root
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return format
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
