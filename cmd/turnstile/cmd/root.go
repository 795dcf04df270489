package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmcleod/turnstile/internal/config"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var (
	configFile string
	v          = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "turnstile",
	Short: "Turnstile issues and verifies storefront sessions",
	Long: `Turnstile authenticates storefront users with email and password,
issues encrypted session cookies and manages password-reset tokens.

Configuration is read from defaults, an optional --config file, and
TURNSTILE_* environment variables, in increasing order of precedence.
Command-line flags override all three.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration for commands that need it.
func loadConfig() (*config.Config, error) {
	return config.Load(v, configFile)
}

// bindFlag binds the named flag in flags to a configuration key.
func bindFlag(flags *pflag.FlagSet, key, name string) {
	if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a config file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().String("env", config.EnvProduction, "Environment: development or production")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("store-driver", "bbolt", "Credential store: memory, bbolt or postgres")
	rootCmd.PersistentFlags().String("store-path", "./data/turnstile.db", "BBolt database path")
	rootCmd.PersistentFlags().String("store-dsn", "", "Postgres connection string")

	flags := rootCmd.PersistentFlags()
	bindFlag(flags, "env", "env")
	bindFlag(flags, "log.level", "log-level")
	bindFlag(flags, "store.driver", "store-driver")
	bindFlag(flags, "store.path", "store-path")
	bindFlag(flags, "store.dsn", "store-dsn")
}
