package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/onair/am"
	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/pulse/schedule"
	"github.com/teranos/onair/recording"
	"github.com/teranos/onair/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the onair database",
	Long: sym.DB + ` db - Manage onair database operations

Examples:
  onair db migrate        # Apply pending migrations
  onair db stats          # Job and recording counts by state`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		database, err := openDatabase(path)
		if err != nil {
			return err
		}
		defer database.Close()
		pterm.Success.Println("Database is up to date")
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job and recording counts by state",
	RunE:  runDbStats,
}

func init() {
	dbMigrateCmd.Flags().String("db", "", "Database path (overrides database.path)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	jobCounts, err := schedule.NewStore(database).CountByState(ctx)
	if err != nil {
		return err
	}
	recCounts, err := recording.NewStore(database).CountByState(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Database: %s\n\n", sym.DB, cfg.GetDatabasePath())

	jobRows := make(map[string]int, len(jobCounts))
	for st, n := range jobCounts {
		jobRows[string(st)] = n
	}
	recRows := make(map[string]int, len(recCounts))
	for st, n := range recCounts {
		recRows[string(st)] = n
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(countTable("Job state", jobRows)).WithWriter(out).Render(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return pterm.DefaultTable.WithHasHeader().WithData(countTable("Recording state", recRows)).WithWriter(out).Render()
}

// countTable renders counts sorted by state name with a total row.
func countTable(title string, counts map[string]int) pterm.TableData {
	states := make([]string, 0, len(counts))
	total := 0
	for st, n := range counts {
		states = append(states, st)
		total += n
	}
	sort.Strings(states)

	data := pterm.TableData{{"", title, "Count"}}
	for _, st := range states {
		data = append(data, []string{sym.ForState(st), st, fmt.Sprint(counts[st])})
	}
	data = append(data, []string{"", "total", fmt.Sprint(total)})
	return data
}
