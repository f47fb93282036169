package commands

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/streammanager/internal/orchestrator"
	"github.com/bryanchriswhite/streammanager/internal/service"
	"github.com/spf13/cobra"
)

var clipCmd = &cobra.Command{
	Use:   "clip",
	Short: "Create a clip on every capable backend",
	Long: `Create a clip on every connected backend that supports clips. Each backend's
configured delay is honored before capture.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCapture(cmd, "clip")
	},
}

var markerCmd = &cobra.Command{
	Use:   "marker",
	Short: "Place a stream marker on every capable backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCapture(cmd, "marker")
	},
}

func init() {
	rootCmd.AddCommand(clipCmd, markerCmd)
}

func runCapture(cmd *cobra.Command, kind string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	manager := newOrchestrator(configMgr)
	ctx := contextOf(cmd)
	connect(ctx, manager, false)

	var results []orchestrator.Result
	if kind == "clip" {
		results = manager.CreateClip(ctx)
	} else {
		results = manager.CreateMarker(ctx)
	}

	created := 0
	rows := [][]string{}
	for _, r := range results {
		switch {
		case errors.Is(r.Err, service.ErrNotSupported):
			rows = append(rows, []string{r.Backend, "not supported"})
		case r.Err != nil:
			rows = append(rows, []string{r.Backend, r.Error})
		default:
			created++
			rows = append(rows, []string{r.Backend, r.Value})
		}
	}
	fmt.Println(renderTable([]string{"Backend", "Result"}, rows, nil))

	if created == 0 && len(orchestrator.Failed(results)) > 0 {
		return fmt.Errorf("no %s was created", kind)
	}
	return nil
}
