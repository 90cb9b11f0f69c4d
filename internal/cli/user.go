package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/services"
)

func (c *cli) userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	cmd.AddCommand(c.userCreateCmd(), c.userShowCmd(), c.userDeleteCmd(),
		c.userActiveCmd("activate", true), c.userActiveCmd("deactivate", false))
	return cmd
}

func (c *cli) userCreateCmd() *cobra.Command {
	var (
		username      string
		passwordStdin bool
		roles         []string
		confirmed     bool
		inactive      bool
	)

	cmd := &cobra.Command{
		Use:   "create <email>",
		Short: "Create a user",
		Long: `Create a user account. Without --password-stdin the account is passwordless.

Example:
  echo 's3cret' | keystone user create alice@example.com --password-stdin --role admin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := services.NewUser{
				Email:     args[0],
				Roles:     roles,
				Confirmed: confirmed,
				Inactive:  inactive,
			}
			if username != "" {
				in.Username = &username
			}
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				line = strings.TrimRight(line, "\r\n")
				if line == "" {
					return fmt.Errorf("no password on stdin: %v", err)
				}
				in.Password = &line
			}

			user, err := c.svc.Register(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s\n", user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "optional username")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to assign (repeatable)")
	cmd.Flags().BoolVar(&confirmed, "confirmed", false, "mark the email as already confirmed")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the account deactivated")
	return cmd
}

func (c *cli) userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <email|username>",
		Short: "Print a user's security payload as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := c.svc.Identity.FindUserByIdentity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if _, err := c.svc.WebAuthn.ListCredentials(cmd.Context(), user); err != nil {
				return err
			}

			payload := c.svc.Identity.SecurityPayload(user)
			payload["active"] = user.IsActive()
			payload["roles"] = roleNames(user.Roles)
			payload["credentials"] = len(user.Credentials())
			payload["recovery_codes"] = len(user.MfRecoveryCodes)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		},
	}
}

func (c *cli) userDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <email|username>",
		Short: "Delete a user and every WebAuthn credential it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := c.svc.Identity.FindUserByIdentity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := c.svc.Identity.DeleteUser(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted user %s\n", user.ID)
			return nil
		},
	}
}

func (c *cli) userActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <email|username>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := c.svc.Identity.FindUserByIdentity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := c.svc.Identity.SetActive(cmd.Context(), user, active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd user %s\n", use, user.ID)
			return nil
		},
	}
}

func roleNames(roles []*models.Role) []string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	return names
}
