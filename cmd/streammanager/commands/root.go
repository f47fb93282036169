package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/bryanchriswhite/streammanager/internal/orchestrator"
	"github.com/bryanchriswhite/streammanager/internal/platforms"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "streammanager",
		Short: "StreamManager - keep stream metadata in sync with the focused application",
		Long: `StreamManager watches which application has focus and pushes matching
title, category, description and tags to your connected streaming accounts.

Features:
  • Twitch, YouTube and Facebook backends over OAuth2
  • Per-application metadata layered over base defaults
  • Per-backend category assignations with validation
  • Clips and stream markers on every capable backend
  • Pause noisy processes and services while streaming
  • Remote control page and event stream`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogging()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (default is $HOME/.config/streammanager/settings.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "remote control port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	viper.SetEnvPrefix("STREAMMANAGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		cfgFile = viper.GetString("config")
	}
}

func initLogging() {
	level := viper.GetString("log_level")
	pretty := isatty.IsTerminal(os.Stderr.Fd())
	logger.Init(level, pretty)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the settings file path given on the command line
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the settings file, applies flag overrides and reports a
// quarantined file once.
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := configMgr.Corruption(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\nDefaults were loaded; the damaged file was kept next to %s\n", err, configMgr.GetConfigPath())
	}

	// the settings file level applies unless a flag or env var overrides it
	if !viper.IsSet("log_level") || viper.GetString("log_level") == "" {
		logger.Init(configMgr.Base().LogLevel, isatty.IsTerminal(os.Stderr.Fd()))
	}
	return configMgr, nil
}

func newOrchestrator(configMgr *config.Manager) *orchestrator.Manager {
	return orchestrator.New(configMgr, platforms.Registry())
}

// resolveBackend maps a user supplied backend name to its registry key.
func resolveBackend(name string) (string, error) {
	key, _, ok := platforms.Registry().Lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown backend %q (available: %s)", name, strings.Join(platforms.Registry().Names(), ", "))
	}
	return key, nil
}
