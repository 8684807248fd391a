// Command fieldsync is the offline-first sync agent for the BuildRite field
// application. It maintains the on-device cache, drains the mutation queue
// against the hosted data service, and reconciles conflicting edits.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync agent for BuildRite field devices",
	Long: `fieldsync keeps a field device's local cache in sync with the hosted
BuildRite database.

Reads are served from the local cache and refreshed opportunistically.
Writes made while disconnected are applied locally and queued; the queue
is drained against the remote store when connectivity returns, with
per-table conflict resolution for records other users changed meanwhile.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.fieldsync/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "local cache database path")
	rootCmd.PersistentFlags().String("remote-url", "", "remote REST endpoint")
	rootCmd.PersistentFlags().String("api-key", "", "remote API key")

	_ = viper.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("remote.url", rootCmd.PersistentFlags().Lookup("remote-url"))
	_ = viper.BindPFlag("remote.api_key", rootCmd.PersistentFlags().Lookup("api-key"))

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(daemonCmd)
}

// initConfig reads config from file and FIELDSYNC_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".fieldsync"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("fieldsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db.path", ".fieldsync/cache.db")
	viper.SetDefault("remote.realtime_url", "")
	viper.SetDefault("dashboard.port", 8931)

	if err := viper.ReadInConfig(); err != nil {
		// A missing default config file is fine; anything else gets surfaced.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Warning: could not read config: %v\n", err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
