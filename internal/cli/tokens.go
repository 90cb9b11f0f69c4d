package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BradenHooton/keystone/internal/auth"
)

func (c *cli) logoutEverywhereCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout-everywhere <email|username>",
		Short: "Invalidate every token issued to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := c.svc.Identity.FindUserByIdentity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := c.svc.Tokens.LogoutEverywhere(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "all tokens for %s invalidated\n", user.ID)
			return nil
		},
	}
}

func (c *cli) recoveryCodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery-codes",
		Short: "Manage multi-factor recovery codes",
	}

	var count int
	issue := &cobra.Command{
		Use:   "issue <email|username>",
		Short: "Replace a user's recovery codes and print the new ones",
		Long: `Replace a user's recovery codes. The plaintext codes are printed once
and cannot be retrieved again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := c.svc.Identity.FindUserByIdentity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			codes, err := c.svc.RecoveryCodes.IssueCodes(cmd.Context(), user, count)
			if err != nil {
				return err
			}
			for _, code := range codes {
				fmt.Fprintln(cmd.OutOrStdout(), code)
			}
			return nil
		},
	}
	issue.Flags().IntVar(&count, "count", 0, "number of codes (default from SECURITY_MULTI_FACTOR_RECOVERY_CODES_N)")

	cmd.AddCommand(issue)
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and check tokens",
	}

	var typ string
	issue := &cobra.Command{
		Use:   "issue <email|username>",
		Short: "Issue a session or auth token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := c.svc.Identity.FindUserByIdentity(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var token string
			switch auth.TokenType(typ) {
			case auth.TokenSession:
				token, err = c.svc.Tokens.IssueSessionToken(user)
			case auth.TokenAuth:
				token, err = c.svc.Tokens.IssueAuthToken(user)
			default:
				return fmt.Errorf("--type must be session or auth")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&typ, "type", string(auth.TokenSession), "token type (session, auth)")

	check := &cobra.Command{
		Use:   "check <token>",
		Short: "Report whether a token is still valid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, v, err := c.svc.Tokens.Resolve(cmd.Context(), args[0], "")
			if err != nil {
				if v.Reason == "" {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "invalid: %s\n", v.Reason)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %s token for %s\n", v.Claims.Type, user.ID)
			return nil
		},
	}

	cmd.AddCommand(issue, check)
	return cmd
}
