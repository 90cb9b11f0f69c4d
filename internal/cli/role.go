package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (c *cli) roleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage roles and role membership",
	}
	cmd.AddCommand(c.roleCreateCmd(), c.roleListCmd(), c.roleMembershipCmd("assign"), c.roleMembershipCmd("revoke"))
	return cmd
}

func (c *cli) roleCreateCmd() *cobra.Command {
	var (
		description string
		permissions []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var desc *string
			if description != "" {
				desc = &description
			}
			role, err := c.svc.Identity.CreateRole(cmd.Context(), args[0], desc, permissions...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created role %s\n", role.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "role description")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "permission granted by the role (repeatable)")
	return cmd
}

func (c *cli) roleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List roles and their permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			roles, err := c.svc.Identity.ListRoles(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range roles {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Name, strings.Join(r.Permissions, ","))
			}
			return nil
		},
	}
}

// roleMembershipCmd builds "assign" and "revoke". Both are idempotent.
func (c *cli) roleMembershipCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <email|username> <role>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			user, err := c.svc.Identity.FindUserByIdentity(ctx, args[0])
			if err != nil {
				return err
			}

			if action == "assign" {
				err = c.svc.Identity.AssignRole(ctx, user, args[1])
			} else {
				err = c.svc.Identity.RevokeRole(ctx, user, args[1])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: roles [%s]\n", user.ID, strings.Join(roleNames(user.Roles), ","))
			return nil
		},
	}
}
