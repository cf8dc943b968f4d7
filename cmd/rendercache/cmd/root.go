package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "rendercache",
	Short: "Inspect rendercache cold-tier directories and snapshots",
	Long:  "Tooling for the persisted artifacts of the render cache: cold-tier objects and hibernation snapshots.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/rendercache/config.yaml)")
	rootCmd.PersistentFlags().String("cold-dir", "", "cold tier directory (default: ~/.local/share/rendercache)")

	viper.BindPFlag("cold_dir", rootCmd.PersistentFlags().Lookup("cold-dir"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("RENDERCACHE")
	viper.AutomaticEnv()
	viper.SetDefault("cold_dir", defaultColdDir())

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rendercache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "rendercache")
	}
	return ".rendercache"
}

func defaultColdDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "rendercache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "rendercache")
	}
	return ".rendercache"
}

func getColdDir() string {
	return viper.GetString("cold_dir")
}
