package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"recordkeeper/pkg/auth"
)

// NewTokenCommand groups bearer token subcommands for authMode jwt.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}

	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	issue := &cobra.Command{
		Use:           "issue",
		Short:         "Sign a bearer token accepted by the records service",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("RECORDS_JWT_SECRET")
			}
			if subject == "" {
				return errors.New("--subject is required")
			}
			signer, err := auth.NewJWTAuthorizer(auth.JWTConfig{Secret: secret})
			if err != nil {
				return err
			}
			token, err := signer.Issue(subject, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			payload := map[string]any{
				"token":      token,
				"subject":    subject,
				"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, payload, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}
	issue.Flags().StringVar(&secret, "secret", "", "signing secret (defaults to $RECORDS_JWT_SECRET)")
	issue.Flags().StringVar(&subject, "subject", "", "token subject")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.AddCommand(issue)

	return cmd
}

// NewHashPasswordCommand prints a bcrypt hash for the authUsers config map.
func NewHashPasswordCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "hash-password <password>",
		Short:         "Hash a password for basic auth users",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := auth.ValidatePassword(args[0]); err != nil {
				return err
			}
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, map[string]string{"hash": hash}, func(w io.Writer) {
				fmt.Fprintln(w, hash)
			})
		},
	}
}
