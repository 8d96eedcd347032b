// Command nest is a to-do and shopping list that works offline and syncs
// through a hub when signed in.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tasknest/tasknest/internal/config"
	"github.com/tasknest/tasknest/internal/logging"
	"github.com/tasknest/tasknest/internal/ui"
)

var (
	v          = viper.New()
	cfgFile    string
	jsonOutput bool

	cfg    *config.Config
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nest",
	Short: "Offline-first to-do and shopping lists",
	Long: `nest keeps your to-do and shopping lists on this device and, once you
log in to a hub, keeps them in sync with everyone in your workspace.

Edits are applied locally first. When a hub is configured and you are
logged in, each edit is checked against the hub copy and committed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		l, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		logger = l
		ui.Setup(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "hub", Title: "Hub:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/tasknest/config.yaml)")
	flags.BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
	flags.String("cache", "", "cache backend: file, sqlite, redis or memory")
	flags.String("cache-dir", "", "directory for the local cache and session")
	flags.String("remote", "", "hub URL, e.g. http://localhost:8080")
	flags.String("log-level", "", "log level: debug, info, warn or error")

	for key, flag := range map[string]string{
		"cache.backend": "cache",
		"cache.dir":     "cache-dir",
		"remote.url":    "remote",
		"log.level":     "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
