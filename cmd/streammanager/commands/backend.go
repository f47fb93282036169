package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/orchestrator"
	"github.com/bryanchriswhite/streammanager/internal/platforms"
	"github.com/spf13/cobra"
)

var backendCmd = &cobra.Command{
	Use:     "backend",
	Aliases: []string{"backends", "service"},
	Short:   "Manage streaming backends",
}

var backendListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List backends and their settings",
	RunE:    runBackendList,
}

var backendEnableCmd = &cobra.Command{
	Use:   "enable NAME",
	Short: "Enable a backend",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setBackendEnabled(args[0], true) },
}

var backendDisableCmd = &cobra.Command{
	Use:   "disable NAME",
	Short: "Disable a backend",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setBackendEnabled(args[0], false) },
}

var backendSetCmd = &cobra.Command{
	Use:   "set NAME KEY VALUE",
	Short: "Set a backend setting",
	Long: `Set a backend setting. Keys: client_id, client_secret, scope, redirect_uri,
delay (seconds before a clip or marker is captured), api_base.`,
	Example: `  # Configure Twitch application credentials
  streammanager backend set twitch client_id abc123
  streammanager backend set twitch client_secret s3cr3t`,
	Args: cobra.ExactArgs(3),
	RunE: runBackendSet,
}

var backendResetCmd = &cobra.Command{
	Use:   "reset NAME",
	Short: "Forget a backend's authorization",
	Long:  `Clear the stored token. The next connection authorizes again in the browser.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBackendReset,
}

var backendInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Connect to enabled backends and show channel state",
	RunE:  runBackendInfo,
}

var backendForce bool

func init() {
	rootCmd.AddCommand(backendCmd)
	backendCmd.AddCommand(backendListCmd, backendEnableCmd, backendDisableCmd, backendSetCmd, backendResetCmd, backendInfoCmd)

	backendInfoCmd.Flags().BoolVar(&backendForce, "all", false, "connect disabled backends too")
}

// ensureBackends writes defaults for every registered backend.
func ensureBackends(configMgr *config.Manager) error {
	registry := platforms.Registry()
	for _, name := range registry.Names() {
		if err := configMgr.EnsureService(name, registry[name].Defaults); err != nil {
			return err
		}
	}
	return nil
}

func runBackendList(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureBackends(configMgr); err != nil {
		return err
	}

	rows := [][]string{}
	for _, name := range platforms.Registry().Names() {
		sc, _ := configMgr.Service(name)
		authorized := "no"
		if !sc.Authorization.IsZero() {
			authorized = "yes"
			if !sc.Authorization.ExpiresAt.IsZero() && time.Now().After(sc.Authorization.ExpiresAt) {
				authorized = "expired"
			}
		}
		rows = append(rows, []string{name, yesNo(sc.Enabled), authorized, sc.Name, strconv.Itoa(sc.Delay), yesNo(sc.ClientID != "")})
	}
	fmt.Println(renderTable(
		[]string{"Backend", "Enabled", "Authorized", "Channel", "Delay", "Client ID"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

func setBackendEnabled(name string, enabled bool) error {
	key, err := resolveBackend(name)
	if err != nil {
		return err
	}
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureBackends(configMgr); err != nil {
		return err
	}
	if err := configMgr.SetEnabled(key, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("%s %s\n", key, state)
	return nil
}

func runBackendSet(cmd *cobra.Command, args []string) error {
	key, err := resolveBackend(args[0])
	if err != nil {
		return err
	}
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureBackends(configMgr); err != nil {
		return err
	}

	field, value := strings.ToLower(args[1]), args[2]
	var delay int
	switch field {
	case "client_id", "client_secret", "scope", "redirect_uri", "api_base":
	case "delay":
		if delay, err = strconv.Atoi(value); err != nil || delay < 0 {
			return fmt.Errorf("invalid delay: %s", value)
		}
	default:
		return fmt.Errorf("unknown backend setting: %s", args[1])
	}

	err = configMgr.UpdateService(key, func(sc *config.ServiceConfig) {
		switch field {
		case "client_id":
			sc.ClientID = value
		case "client_secret":
			sc.ClientSecret = value
		case "scope":
			sc.Scope = value
		case "redirect_uri":
			sc.RedirectURI = value
		case "api_base":
			sc.APIBase = value
		case "delay":
			sc.Delay = delay
		}
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s updated\n", key, field)
	return nil
}

func runBackendReset(cmd *cobra.Command, args []string) error {
	key, err := resolveBackend(args[0])
	if err != nil {
		return err
	}
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := newOrchestrator(configMgr).ResetAuth(key); err != nil {
		return fmt.Errorf("failed to reset %s: %w", key, err)
	}
	fmt.Printf("%s authorization cleared\n", key)
	return nil
}

// connect creates the enabled backends and reports the ones that failed.
func connect(ctx context.Context, manager *orchestrator.Manager, force bool) {
	for _, r := range orchestrator.Failed(manager.CreateServices(ctx, force)) {
		fmt.Fprintf(os.Stderr, "Warning: %s unavailable: %s\n", r.Backend, r.Error)
	}
	if len(manager.Services()) == 0 {
		fmt.Fprintln(os.Stderr, "No backend is connected. Enable one with 'streammanager backend enable NAME'.")
	}
}

func runBackendInfo(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	manager := newOrchestrator(configMgr)
	ctx := contextOf(cmd)
	connect(ctx, manager, backendForce)

	rows := [][]string{}
	for _, r := range manager.RefreshChannelInfo(ctx) {
		if r.Err != nil {
			rows = append(rows, []string{r.Backend, "error", "", "", "", r.Error})
			continue
		}
		online := "offline"
		if r.Info.Online {
			online = "live"
		}
		rows = append(rows, []string{r.Backend, online, r.Info.Name, r.Info.Title, r.Info.Category, strconv.Itoa(r.Info.Viewers)})
	}
	fmt.Println(renderTable(
		[]string{"Backend", "Status", "Channel", "Title", "Category", "Viewers"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
	return nil
}
