package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/portside-io/portside/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "portside",
	Short:   "Launches and routes containerized application instances",
	Long:    `Portside launches, tracks and tears down containerized application instances on behalf of many concurrent users, and keeps a reverse-proxy routing table consistent with the set of reachable instances.`,
	Version: version,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./portside.yaml or ~/.config/portside/config.yaml)")
	rootCmd.PersistentFlags().StringP("specs", "s", "",
		"path to the proxy specs file")

	_ = viper.BindPFlag("specs_file", rootCmd.PersistentFlags().Lookup("specs"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("specs_file", defaults.SpecsFile)
	viper.SetDefault("realm", defaults.Realm)
	viper.SetDefault("backend.type", defaults.Backend.Type)
	viper.SetDefault("backend.target_host", defaults.Backend.TargetHost)
	viper.SetDefault("store.type", defaults.Store.Type)
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("lifecycle.max_concurrent_ops", defaults.Lifecycle.MaxConcurrentOps)
	viper.SetDefault("lifecycle.recover_on_startup", defaults.Lifecycle.RecoverOnStartup)
	viper.SetDefault("registry.refresh_interval_seconds", defaults.Registry.RefreshIntervalSeconds)
	viper.SetDefault("log.enabled", defaults.Log.Enabled)
	viper.SetDefault("log.path", defaults.Log.Path)
	viper.SetDefault("log.level", defaults.Log.Level)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if _, err := os.Stat("portside.yaml"); err == nil {
			viper.SetConfigFile("portside.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "portside"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
