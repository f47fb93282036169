package commands

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/bryanchriswhite/streammanager/internal/window"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"processes", "ps"},
	Short:   "List running processes and the application they match",
	Long: `List running processes with their executable path and the configured
application each one matches. Use it to find the path fragment for
'streammanager app add --path'.`,
	Example: `  # Processes matching a configured application
  streammanager list --matched

  # The currently focused window
  streammanager list --current

  # Everything as JSON
  streammanager list --format json`,
	RunE: runList,
}

var (
	listFormat  string
	listMatched bool
	listCurrent bool
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table, yaml or json)")
	listCmd.Flags().BoolVarP(&listMatched, "matched", "m", false, "show only processes matching an application")
	listCmd.Flags().BoolVarP(&listCurrent, "current", "c", false, "show the focused window")
}

type processRow struct {
	PID  int32  `json:"pid" yaml:"pid"`
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
	App  string `json:"app,omitempty" yaml:"app,omitempty"`
}

func runList(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	if listCurrent {
		return showCurrentWindow(cmd, func(path string) string { return configMgr.ProcessFromPath(path, "") })
	}

	ctx := contextOf(cmd)
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	rows := make([]processRow, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		path := exe
		if path == "" {
			path = name
		}
		row := processRow{PID: p.Pid, Name: name, Path: exe, App: configMgr.ProcessFromPath(path, "")}
		if listMatched && row.App == "" {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].PID < rows[j].PID
	})

	if listFormat != "table" {
		return printFormatted(os.Stdout, listFormat, rows)
	}

	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		table = append(table, []string{strconv.Itoa(int(r.PID)), r.Name, r.Path, r.App})
	}
	fmt.Println(renderTable([]string{"PID", "Name", "Path", "Application"}, table, []columnAlignment{alignRight}))
	return nil
}

func showCurrentWindow(cmd *cobra.Command, match func(string) string) error {
	source, err := window.Detect()
	if err != nil {
		return fmt.Errorf("no focus source: %w", err)
	}
	defer source.Close()

	current, err := source.Focused(contextOf(cmd))
	if err != nil {
		return err
	}

	if listFormat != "table" {
		return printFormatted(os.Stdout, listFormat, current)
	}

	app := match(current.Path)
	if app == "" {
		app = "(none)"
	}
	fmt.Printf("Title:       %s\n", current.Title)
	fmt.Printf("Class:       %s\n", current.Class)
	fmt.Printf("PID:         %d\n", current.PID)
	fmt.Printf("Path:        %s\n", current.Path)
	fmt.Printf("Application: %s\n", app)
	return nil
}
