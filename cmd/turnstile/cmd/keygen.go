package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/turnstile/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new random secret key",
	Long: `Prints a freshly generated secret key for the secret_key setting.
Replacing the key of a running deployment invalidates every session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.NewSecretKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
