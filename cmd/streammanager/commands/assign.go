package commands

import (
	"fmt"
	"sort"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/spf13/cobra"
)

var assignCmd = &cobra.Command{
	Use:     "assign",
	Aliases: []string{"assignations"},
	Short:   "Manage per-backend category names",
	Long: `Each category can be given a different name on every backend, for
example "Chess" on Twitch and "Gaming" on YouTube. Names are validated
against each backend's taxonomy.`,
}

var assignSetCmd = &cobra.Command{
	Use:   "set CATEGORY BACKEND NAME",
	Short: "Assign the backend name of a category",
	Long:  `Assign a name. The validity of the pair is reset until the next validation.`,
	Args:  cobra.ExactArgs(3),
	RunE:  runAssignSet,
}

var assignListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show the assignation table",
	RunE:    runAssignList,
}

var assignRemoveCmd = &cobra.Command{
	Use:   "remove CATEGORY",
	Short: "Remove a category from the table",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssignRemove,
}

var assignValidateCmd = &cobra.Command{
	Use:   "validate [CATEGORY]",
	Short: "Validate assignations against the connected backends",
	Long: `Validate one category, or every pair whose validity is unknown. With
--all every pair is checked again.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAssignValidate,
}

var assignQueryCmd = &cobra.Command{
	Use:   "query BACKEND TEXT",
	Short: "Search a backend's categories",
	Args:  cobra.ExactArgs(2),
	RunE:  runAssignQuery,
}

var validateAll bool

func init() {
	rootCmd.AddCommand(assignCmd)
	assignCmd.AddCommand(assignSetCmd, assignListCmd, assignRemoveCmd, assignValidateCmd, assignQueryCmd)

	assignValidateCmd.Flags().BoolVar(&validateAll, "all", false, "re-validate every category")
}

func validity(a config.Assignation) string {
	switch {
	case !a.Known():
		return "unknown"
	case a.IsValid():
		return "valid"
	default:
		return "invalid"
	}
}

func printAssignations(table config.Assignations) {
	cats := make([]string, 0, len(table))
	for cat := range table {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	rows := [][]string{}
	for _, cat := range cats {
		backends := make([]string, 0, len(table[cat]))
		for backend := range table[cat] {
			backends = append(backends, backend)
		}
		sort.Strings(backends)
		for _, backend := range backends {
			a := table[cat][backend]
			rows = append(rows, []string{cat, backend, a.Name, validity(a)})
		}
	}
	fmt.Println(renderTable([]string{"Category", "Backend", "Name", "Validity"}, rows, nil))
}

func runAssignSet(cmd *cobra.Command, args []string) error {
	backend, err := resolveBackend(args[1])
	if err != nil {
		return err
	}
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := configMgr.SetAssignation(args[0], backend, args[2]); err != nil {
		return err
	}
	fmt.Printf("%s on %s is now %q\n", args[0], backend, args[2])
	return nil
}

func runAssignList(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	printAssignations(configMgr.Assignations())
	return nil
}

func runAssignRemove(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	return configMgr.RemoveCategory(args[0])
}

func runAssignValidate(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	manager := newOrchestrator(configMgr)
	ctx := contextOf(cmd)
	connect(ctx, manager, false)

	var results config.Assignations
	switch {
	case validateAll:
		results, err = manager.CheckAll(ctx)
	case len(args) == 1:
		results, err = manager.Validate(ctx, args[0])
	default:
		results, err = manager.Validate(ctx, "")
	}
	if err != nil {
		return fmt.Errorf("failed to store validation: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("Nothing to validate")
		return nil
	}
	printAssignations(results)
	return nil
}

func runAssignQuery(cmd *cobra.Command, args []string) error {
	backend, err := resolveBackend(args[0])
	if err != nil {
		return err
	}
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	manager := newOrchestrator(configMgr)
	ctx := contextOf(cmd)
	connect(ctx, manager, false)

	found, err := manager.QueryCategory(ctx, backend, args[1])
	if err != nil {
		return err
	}
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, found[name]})
	}
	fmt.Println(renderTable([]string{"Name", "ID"}, rows, nil))
	return nil
}
