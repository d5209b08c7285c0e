package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newGrantsCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "grants GROUP...",
		Short: "Show roles and permissions granted to directory groups",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := deps.Grants(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			grants, err := svc.ResolveRolesAndPermissions(cmd.Context(), args)
			if err != nil {
				return err
			}
			perms := make([]string, 0, len(grants.Permissions))
			for _, p := range grants.Permissions {
				perms = append(perms, p.Key().String())
			}
			if outputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"groups":      args,
					"roles":       grants.Roles,
					"permissions": perms,
				})
			}
			roles := make([]string, 0, len(grants.Roles))
			for _, r := range grants.Roles {
				roles = append(roles, r.Name)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "roles: %s\n", strings.Join(roles, ", "))
			fmt.Fprintf(out, "permissions: %s\n", strings.Join(perms, ", "))
			return nil
		},
	}
}
