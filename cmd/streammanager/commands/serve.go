package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bryanchriswhite/streammanager/internal/api"
	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/bryanchriswhite/streammanager/internal/pause"
	"github.com/bryanchriswhite/streammanager/internal/window"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the focused application and keep stream metadata in sync",
	Long: `Connect the enabled backends, watch the focused window and push the
matching application's metadata whenever it changes.

While serving, the configured processes are suspended and services stopped;
they are restored on exit. A remote control page and API are served on the
configured port.`,
	Example: `  # Start with the settings file defaults
  streammanager serve

  # Serve the remote control on another port
  streammanager serve --port 9090

  # Only serve the remote control, start monitoring from it later
  streammanager serve --no-check`,
	RunE: runServe,
}

var serveNoCheck bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveNoCheck, "no-check", false, "do not start monitoring until asked through the remote API")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	// Override port from flag if provided
	if viper.IsSet("port") {
		if port := viper.GetInt("port"); port > 0 {
			if err := configMgr.SetPort(port); err != nil {
				return err
			}
		}
	}

	lockPath := filepath.Join(configMgr.GetConfigDir(), "streammanager.lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another streammanager instance is already serving this settings file")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("Failed to release lock")
		}
	}()

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := newOrchestrator(configMgr)
	if err := ensureBackends(configMgr); err != nil {
		return err
	}
	connect(ctx, manager, false)

	go func() {
		err := configMgr.Watch(ctx, func(*config.Config) {
			// edited metadata applies to the focused application right away
			manager.ForgetApplication()
			manager.CreateServices(ctx, false)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Settings watch stopped")
		}
	}()

	base := configMgr.Base()

	var monitor api.Monitor
	var watcher *window.Watcher
	source, err := window.Detect()
	if err != nil {
		log.Warn().Err(err).Msg("No focus source, monitoring disabled")
	} else {
		defer source.Close()
		watcher = window.NewWatcher(source, base.CheckInterval(), func(ctx context.Context, focus window.Focus) {
			manager.CheckApplication(ctx, focus.Path)
		})
		monitor = watcher
	}

	server := api.NewServer(manager, monitor)
	bracket := pause.New(base.Processes, base.Services)

	runErr := bracket.Run(ctx, func(ctx context.Context) error {
		if watcher != nil && !serveNoCheck {
			if err := watcher.Start(ctx); err != nil {
				return err
			}
		}
		defer func() {
			if watcher != nil {
				watcher.Stop()
			}
		}()

		log.Info().
			Int("port", base.Port).
			Int("backends", len(manager.Services())).
			Str("config", configMgr.GetConfigPath()).
			Msg("StreamManager is running")
		fmt.Printf("Remote control: http://localhost:%d\n", base.Port)

		return server.Start(ctx, base.Port)
	})

	log.Info().Msg("Shutting down")
	if err := configMgr.Save(); err != nil {
		return errors.Join(runErr, fmt.Errorf("failed to save settings: %w", err))
	}
	return runErr
}
