package commands

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage StreamManager settings",
	Long:  `View and edit the base section of the StreamManager settings file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	Long:  `Display the current settings. Stored tokens and client secrets are hidden unless --secrets is given.`,
	Example: `  # Show settings as YAML (default)
  streammanager config show

  # Show settings as JSON
  streammanager config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a base setting",
	Long: `Set a value of the base section. Keys: title, description, category, tags
(comma separated), forced_title, forced_description, forced_category,
forced_tags, checktimer, reload, timeout, port, log_level, services,
processes (comma separated).`,
	Example: `  # Set the remote control port
  streammanager config set port 9090

  # Always use the base title
  streammanager config set forced_title true`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a setting",
	Long:  `Get any value by its dotted path, for example base.port or streamservices.Twitch.enabled.`,
	Example: `  # Get the poll interval
  streammanager config get base.checktimer`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show settings file path",
	RunE:  runConfigPath,
}

var (
	formatFlag  string
	showSecrets bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
	configShowCmd.Flags().BoolVar(&showSecrets, "secrets", false, "include tokens and client secrets")
}

func redact(cfg *config.Config) {
	for name, svc := range cfg.StreamServices {
		if svc.ClientSecret != "" {
			svc.ClientSecret = "***"
		}
		if !svc.Authorization.IsZero() {
			svc.Authorization = config.TokenBundle{AccessToken: "***", RefreshToken: "***", ExpiresAt: svc.Authorization.ExpiresAt}
		}
		cfg.StreamServices[name] = svc
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	cfg := configMgr.Get()
	if !showSecrets {
		redact(cfg)
	}
	return printFormatted(os.Stdout, formatFlag, cfg)
}

// settingsViper loads the current settings into a viper instance so dotted
// paths resolve the same way flags and env vars do.
func settingsViper(configMgr *config.Manager) (*viper.Viper, error) {
	data, err := yaml.Marshal(configMgr.Get())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return v, nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	v, err := settingsViper(configMgr)
	if err != nil {
		return err
	}

	key := args[0]
	if !strings.Contains(key, ".") && !v.IsSet(key) {
		// bare keys refer to the base section
		key = "base." + key
	}
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", args[0])
	}

	value := v.Get(key)
	switch value.(type) {
	case map[string]any, []any:
		return printFormatted(os.Stdout, "yaml", value)
	}
	fmt.Println(value)
	return nil
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// applyBaseSetting parses value for key into base.
func applyBaseSetting(base *config.Base, key, value string) error {
	parseInt := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid number for %s: %s", key, value)
		}
		return n, nil
	}
	parseBool := func() (bool, error) {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("invalid boolean: %s (use: true or false)", value)
		}
		return b, nil
	}

	var err error
	switch strings.TrimPrefix(key, "base.") {
	case "title":
		base.Title = value
	case "description":
		base.Description = value
	case "category":
		base.Category = value
	case "tags":
		base.Tags = splitList(value)
	case "services":
		base.Services = splitList(value)
	case "processes":
		base.Processes = splitList(value)
	case "forced_title":
		base.ForcedTitle, err = parseBool()
	case "forced_description":
		base.ForcedDescription, err = parseBool()
	case "forced_category":
		base.ForcedCategory, err = parseBool()
	case "forced_tags":
		base.ForcedTags, err = parseBool()
	case "checktimer":
		base.CheckTimer, err = parseInt()
	case "reload":
		base.Reload, err = parseInt()
	case "timeout":
		base.Timeout, err = parseInt()
	case "port":
		base.Port, err = parseInt()
	case "log_level":
		validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[value] {
			return fmt.Errorf("invalid log level: %s (use: trace, debug, info, warn, error)", value)
		}
		base.LogLevel = value
	default:
		return fmt.Errorf("unknown base setting: %s", key)
	}
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	base := configMgr.Base()
	if err := applyBaseSetting(&base, key, value); err != nil {
		return err
	}
	if err := configMgr.Update(func(c *config.Config) { c.Base = base }); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Configuration updated: %s = %s\n", key, value)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println(configMgr.GetConfigPath())
	return nil
}
