package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/turnstile/internal/util"
	"github.com/jmcleod/turnstile/reset"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Manage password-reset tokens",
}

var resetIssueCmd = &cobra.Command{
	Use:   "issue <user-id|email>",
	Short: "Issue a password-reset token for a user",
	Long: `Issues a single-use reset token and prints it together with the
reset link. The configured notifier is not called.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg, os.Stderr)

		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		hasher, err := newHasher(cfg)
		if err != nil {
			return err
		}

		resets := reset.New(store, hasher,
			reset.WithLifetime(cfg.Reset.Lifetime),
			reset.WithLogger(logger),
			reset.WithNotifier(silentNotifier{}),
		)
		target := args[0]
		if strings.Contains(target, "@") {
			target = util.NormalizeEmail(target)
		}
		issued, err := resets.Issue(cmd.Context(), target)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "user:    %s (%s)\n", issued.User.ID, issued.User.Email)
		fmt.Fprintf(out, "token:   %s\n", issued.Token)
		if cfg.Reset.URL != "" {
			fmt.Fprintf(out, "link:    %s\n", reset.ResetURL(cfg.Reset.URL, issued.Token))
		}
		fmt.Fprintf(out, "expires: %s\n", issued.Reset.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

// silentNotifier drops notifications; the command prints the token itself.
type silentNotifier struct{}

func (silentNotifier) NotifyReset(context.Context, *reset.Issued) error { return nil }

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.AddCommand(resetIssueCmd)
}
