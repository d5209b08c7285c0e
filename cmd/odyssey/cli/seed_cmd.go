package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

func newSeedCmd(deps Deps) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "seed FILE",
		Short: "Apply a YAML RBAC seed additively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := loadSeedFile(args[0])
			if err != nil {
				return err
			}
			if dryRun {
				return printSeedResult(cmd, "validated", rbac.SeedResult{
					Permissions: len(seed.Permissions),
					Roles:       len(seed.Roles),
					Groups:      len(seed.Groups),
				})
			}
			svc, release, err := deps.Grants(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			result, err := svc.ApplySeed(cmd.Context(), seed)
			if err != nil {
				return err
			}
			return printSeedResult(cmd, "applied", result)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse the seed without touching the store")
	return cmd
}

func loadSeedFile(path string) (rbac.Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return rbac.Seed{}, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return rbac.LoadSeed(f)
}

func printSeedResult(cmd *cobra.Command, verb string, result rbac.SeedResult) error {
	if outputFormat(cmd) == "json" {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"status":      verb,
			"permissions": result.Permissions,
			"roles":       result.Roles,
			"groups":      result.Groups,
			"links":       result.Links,
		})
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "seed %s: %d permissions, %d roles, %d groups, %d links\n",
		verb, result.Permissions, result.Roles, result.Groups, result.Links)
	return err
}
