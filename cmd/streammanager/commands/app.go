package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bryanchriswhite/streammanager/internal/catalog"
	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/spf13/cobra"
)

var appCmd = &cobra.Command{
	Use:     "app",
	Aliases: []string{"apps"},
	Short:   "Manage monitored applications",
	Long: `Add, edit and remove the applications StreamManager recognizes.

An application matches the focused window when any entry of its path list
for the current platform is a case-insensitive substring of the focused
executable path.`,
}

var appAddCmd = &cobra.Command{
	Use:   "add KEY",
	Short: "Add an application",
	Long: `Add an application. Known applications are pre-filled from the local
catalog; flags override the catalog values.`,
	Example: `  # Add an application matched by its executable
  streammanager app add "Factorio" --path factorio --category Factorio

  # Add with a custom title template
  streammanager app add "Chess" --path chess --title "%CATEGORY% on %SERVICE%"`,
	Args: cobra.ExactArgs(1),
	RunE: runAppAdd,
}

var appSetCmd = &cobra.Command{
	Use:   "set KEY",
	Short: "Edit an application",
	Long:  `Change fields of an application. Only the flags given are changed.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAppSet,
}

var appRemoveCmd = &cobra.Command{
	Use:     "remove KEY",
	Aliases: []string{"rm"},
	Short:   "Remove an application",
	Args:    cobra.ExactArgs(1),
	RunE:    runAppRemove,
}

var appRenameCmd = &cobra.Command{
	Use:   "rename OLD NEW",
	Short: "Rename an application",
	Args:  cobra.ExactArgs(2),
	RunE:  runAppRename,
}

var appListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List applications",
	RunE:    runAppList,
}

var appImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Merge a shared application database into the local catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppImport,
}

var appExportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Export applications and assignations as a shareable database",
	Long: `Write every application's path list and category, plus the category
names assigned per backend, as JSON. Validation results, titles and tokens
are not exported. Without FILE the document goes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAppExport,
}

var (
	appPath        string
	appPlatform    string
	appCategory    string
	appTitle       string
	appDescription string
	appTags        string
	appCommand     string
	appFormat      string
	catalogPath    string
)

func init() {
	rootCmd.AddCommand(appCmd)
	appCmd.AddCommand(appAddCmd, appSetCmd, appRemoveCmd, appRenameCmd, appListCmd, appImportCmd, appExportCmd)

	for _, c := range []*cobra.Command{appAddCmd, appSetCmd} {
		c.Flags().StringVar(&appPath, "path", "", "comma separated path fragments for the platform")
		c.Flags().StringVar(&appPlatform, "platform", config.CurrentPlatform(), "platform the path list applies to (linux, darwin, windows)")
		c.Flags().StringVar(&appCategory, "category", "", "category")
		c.Flags().StringVar(&appTitle, "title", "", "title template")
		c.Flags().StringVar(&appDescription, "description", "", "description template")
		c.Flags().StringVar(&appTags, "tags", "", "comma separated tags")
		c.Flags().StringVar(&appCommand, "command", "", "custom text substituted for %CUSTOMTEXT%")
	}
	appListCmd.Flags().StringVarP(&appFormat, "format", "f", "table", "output format (table, yaml or json)")
	appCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "", "catalog database (default is catalog.db next to the settings file)")
}

func openCatalog(configMgr *config.Manager) (*catalog.Store, error) {
	path := catalogPath
	if path == "" {
		path = catalog.DefaultPath(configMgr.GetConfigDir())
	}
	store, err := catalog.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	return store, nil
}

func validPlatform(p string) error {
	switch p {
	case config.PlatformLinux, config.PlatformDarwin, config.PlatformWindows:
		return nil
	}
	return fmt.Errorf("invalid platform: %s (use: linux, darwin, windows)", p)
}

// applyAppFlags copies the flags the user set onto entry.
func applyAppFlags(cmd *cobra.Command, entry *config.AppEntry) {
	flags := cmd.Flags()
	if flags.Changed("path") {
		entry.Path[appPlatform] = appPath
	}
	if flags.Changed("category") {
		entry.Category = appCategory
	}
	if flags.Changed("title") {
		entry.Title = appTitle
	}
	if flags.Changed("description") {
		entry.Description = appDescription
	}
	if flags.Changed("tags") {
		entry.Tags = splitList(appTags)
	}
	if flags.Changed("command") {
		entry.Command = appCommand
	}
}

func runAppAdd(cmd *cobra.Command, args []string) error {
	if err := validPlatform(appPlatform); err != nil {
		return err
	}
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openCatalog(configMgr)
	if err != nil {
		return err
	}
	defer store.Close()

	key := strings.TrimSpace(args[0])
	entry, assignations, known, err := store.Seed(contextOf(cmd), key)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	applyAppFlags(cmd, &entry)

	if err := configMgr.AddApp(key, entry, assignations); err != nil {
		return err
	}

	if known {
		fmt.Printf("Added %s (pre-filled from catalog)\n", key)
	} else {
		fmt.Printf("Added %s\n", key)
	}
	if entry.Path[config.CurrentPlatform()] == "" {
		fmt.Fprintf(os.Stderr, "Warning: %s has no path for %s and will never match\n", key, config.CurrentPlatform())
	}
	return nil
}

func runAppSet(cmd *cobra.Command, args []string) error {
	if err := validPlatform(appPlatform); err != nil {
		return err
	}
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := configMgr.SetApp(args[0], func(e *config.AppEntry) { applyAppFlags(cmd, e) }); err != nil {
		return err
	}
	fmt.Printf("Updated %s\n", args[0])
	return nil
}

func runAppRemove(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := configMgr.RemoveApp(args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", args[0])
	return nil
}

func runAppRename(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := configMgr.RenameApp(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Renamed %s to %s\n", args[0], args[1])
	return nil
}

func runAppList(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	apps := configMgr.Get().AppData

	if appFormat != "table" {
		return printFormatted(os.Stdout, appFormat, apps)
	}

	keys := make([]string, 0, len(apps))
	for key := range apps {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	platform := config.CurrentPlatform()
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		app := apps[key]
		rows = append(rows, []string{key, app.Path[platform], app.Category, app.Title, strings.Join(app.Tags, ", ")})
	}
	fmt.Println(renderTable([]string{"Application", "Path (" + platform + ")", "Category", "Title", "Tags"}, rows, nil))
	return nil
}

func runAppImport(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openCatalog(configMgr)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ImportFile(contextOf(cmd), args[0])
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", args[0], err)
	}
	fmt.Printf("Imported %d entries into %s\n", n, store.Path())
	return nil
}

func runAppExport(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	out := os.Stdout
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return catalog.Export(configMgr.Get(), out)
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
