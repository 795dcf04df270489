package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/turnstile/credential"
	"github.com/jmcleod/turnstile/internal/util"
	"github.com/jmcleod/turnstile/internal/uuid"
	"github.com/jmcleod/turnstile/storage"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a user account",
	Long: `Creates a user in the configured store. The password is read from
stdin so it does not end up in shell history.`,
	Example: `  echo 'correct horse battery' | turnstile user add --email ada@example.com --name Ada`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		email, _ := flags.GetString("email")
		name, _ := flags.GetString("name")
		admin, _ := flags.GetBool("admin")

		email = util.NormalizeEmail(email)
		if email == "" {
			return errors.New("--email is required")
		}
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		if err := credential.ValidatePassword(password); err != nil {
			return err
		}

		hasher, err := newHasher(cfg)
		if err != nil {
			return err
		}
		hash, err := hasher.Hash(password)
		if err != nil {
			return err
		}

		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		now := time.Now().UTC()
		u := &storage.User{
			ID:           uuid.New(),
			Email:        email,
			Name:         name,
			PasswordHash: hash,
			Admin:        admin,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := store.PutUser(cmd.Context(), u); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return fmt.Errorf("a user with email %s already exists", email)
			}
			return fmt.Errorf("failed to create user: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), u.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd)
	userAddCmd.Flags().String("email", "", "Email address (required)")
	userAddCmd.Flags().String("name", "", "Display name")
	userAddCmd.Flags().Bool("admin", false, "Grant the admin role")
}
