package commands

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/onair/am"
	"github.com/teranos/onair/display"
	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
	"github.com/teranos/onair/pulse/schedule"
	"github.com/teranos/onair/server"
	"github.com/teranos/onair/sym"
)

// JobCmd represents the job command
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Pulse + " Manage recording jobs",
	Long: sym.Pulse + ` job - manage recording jobs

Jobs are written straight to the database; a running daemon picks them up on
its next scan.

Examples:
  onair job ls                               # Active jobs
  onair job ls --state failed,cancelled --all
  onair job show <id>
  onair job import jobs.toml                 # Bulk add from TOML, YAML or JSON
  onair job cancel <id>
  onair job rm <id>                          # Drop a failed or cancelled job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Schedule a recording",
	Long: `Schedule one recording. Times are RFC3339.

Modes:
  realtime   capture live across the broadcast window (default)
  timefree   capture from the archive after the broadcast ends
  immediate  start now
  ondemand   on-demand episode, start now`,
	RunE: runJobAdd,
}

var jobLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobLs,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(func(ctx context.Context, sched *schedule.Scheduler, store *schedule.Store) error {
			job, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return display.OutputJSON(cmd.OutOrStdout(), server.NewJobResponse(job))
		})
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not started capturing",
	Long: `Cancel a job. A job that is already capturing is owned by the daemon;
cancel it through the daemon's API (DELETE /api/jobs/<id>) instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(func(ctx context.Context, sched *schedule.Scheduler, store *schedule.Store) error {
			if _, err := sched.Cancel(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printfln("Job %s cancelled", args[0])
			return nil
		})
	},
}

var jobRmCmd = &cobra.Command{
	Use:   "rm <job-id>...",
	Short: "Remove failed or cancelled jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(func(ctx context.Context, sched *schedule.Scheduler, store *schedule.Store) error {
			for _, id := range args {
				if err := store.Purge(ctx, id); err != nil {
					if errors.IsNotFoundError(err) {
						return errors.WithHint(err, "only failed or cancelled jobs can be removed")
					}
					return err
				}
				pterm.Success.Printfln("Job %s removed", id)
			}
			return nil
		})
	},
}

var jobImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Schedule every job in a TOML, YAML or JSON file",
	Long: `Schedule jobs listed in a file. The format follows the extension
(.toml, .yaml/.yml, .json). Each entry takes the same fields as the API:

  [[jobs]]
  service_kind = "radiko"
  station_id = "TBS"
  program_id = "p1"
  title = "Morning"
  start_at = 2026-11-02T06:00:00+09:00
  end_at = 2026-11-02T08:30:00+09:00
  mode = "realtime"

Entries that fail validation are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobImport,
}

func init() {
	f := jobAddCmd.Flags()
	f.String("id", "", "Job id (generated when empty; an existing pending job with this id is replaced)")
	f.String("service", "", "Service kind, e.g. radiko")
	f.String("station", "", "Station id")
	f.String("program", "", "Program id")
	f.String("title", "", "Program title")
	f.String("start", "", "Broadcast start (RFC3339)")
	f.String("end", "", "Broadcast end (RFC3339)")
	f.String("mode", string(schedule.ModeRealtime), "realtime, timefree, immediate or ondemand")
	f.Int("start-delay", 0, "Start margin in seconds, overriding the default")
	f.Int("end-delay", 0, "End margin in seconds, overriding the default")
	for _, name := range []string{"service", "program", "start", "end"} {
		_ = jobAddCmd.MarkFlagRequired(name)
	}

	jobLsCmd.Flags().String("state", "", "Comma separated states to show")
	jobLsCmd.Flags().Bool("all", false, "Include disabled (finished) jobs")
	jobLsCmd.Flags().Int("limit", 50, "Maximum number of jobs to show")
	jobLsCmd.Flags().Bool("json", false, "Output as JSON")

	JobCmd.AddCommand(jobAddCmd)
	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobShowCmd)
	JobCmd.AddCommand(jobCancelCmd)
	JobCmd.AddCommand(jobRmCmd)
	JobCmd.AddCommand(jobImportCmd)
}

// withJobs opens the database and builds a scheduler that is never started.
// It only validates, persists and cancels.
func withJobs(fn func(ctx context.Context, sched *schedule.Scheduler, store *schedule.Store) error) error {
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
	store, sched := offlineScheduler(ctx, database, cfg)
	defer sched.Stop()
	return fn(ctx, sched, store)
}

func offlineScheduler(ctx context.Context, database *sql.DB, cfg *am.Config) (*schedule.Store, *schedule.Scheduler) {
	store := schedule.NewStore(database)
	margins := schedule.NewLiveMargins(schedule.Margins{
		StartDelay: cfg.Recording.StartDelay(),
		EndDelay:   cfg.Recording.EndDelay(),
	})
	sched := schedule.NewScheduler(ctx, store, nil, nil, margins, schedulerConfig(cfg), logger.Logger)
	return store, sched
}

func runJobAdd(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	req := server.JobRequest{}
	req.ID, _ = f.GetString("id")
	req.ServiceKind, _ = f.GetString("service")
	req.StationID, _ = f.GetString("station")
	req.ProgramID, _ = f.GetString("program")
	req.Title, _ = f.GetString("title")
	req.Mode, _ = f.GetString("mode")

	var err error
	if req.StartAt, err = parseFlagTime(f.GetString("start")); err != nil {
		return err
	}
	if req.EndAt, err = parseFlagTime(f.GetString("end")); err != nil {
		return err
	}
	if f.Changed("start-delay") {
		v, _ := f.GetInt("start-delay")
		req.StartDelaySeconds = &v
	}
	if f.Changed("end-delay") {
		v, _ := f.GetInt("end-delay")
		req.EndDelaySeconds = &v
	}

	return withJobs(func(ctx context.Context, sched *schedule.Scheduler, store *schedule.Store) error {
		job, err := sched.Schedule(ctx, req.ToJob())
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Scheduled %s (%s), prepares at %s",
			job.ID, job.Title, job.PrepareStartAt.Local().Format(time.RFC3339))
		return nil
	})
}

func parseFlagTime(raw string, err error) (time.Time, error) {
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, errors.NewInvalidRequestError("invalid time %q, expected RFC3339", raw)
	}
	return t, nil
}

func runJobLs(cmd *cobra.Command, args []string) error {
	stateFilter, _ := cmd.Flags().GetString("state")
	all, _ := cmd.Flags().GetBool("all")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := schedule.ListFilter{IncludeDisabled: all, Limit: limit}
	states, err := parseStates(stateFilter)
	if err != nil {
		return err
	}
	filter.States = states

	return withJobs(func(ctx context.Context, sched *schedule.Scheduler, store *schedule.Store) error {
		jobs, err := store.List(ctx, filter)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			out := make([]server.JobResponse, 0, len(jobs))
			for _, j := range jobs {
				out = append(out, server.NewJobResponse(j))
			}
			return display.OutputJSON(cmd.OutOrStdout(), out)
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs")
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithData(jobTable(jobs, time.Local)).
			WithWriter(cmd.OutOrStdout()).Render()
	})
}

// parseStates splits a comma separated state list.
func parseStates(raw string) ([]schedule.State, error) {
	var states []schedule.State
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		st := schedule.State(part)
		if !st.Valid() {
			return nil, errors.NewInvalidRequestError("unknown state %q", part)
		}
		states = append(states, st)
	}
	return states, nil
}

// jobTable renders jobs as table rows, header first.
func jobTable(jobs []*schedule.Job, loc *time.Location) pterm.TableData {
	data := pterm.TableData{{"", "ID", "Title", "Station", "Mode", "Start", "End", "State", "Error"}}
	for _, j := range jobs {
		errText := string(j.LastErrorCode)
		if j.LastErrorDetail != "" {
			errText = strings.TrimSpace(errText + " " + j.LastErrorDetail)
		}
		data = append(data, []string{
			sym.ForState(string(j.State)),
			j.ID,
			j.Title,
			j.StationID,
			string(j.Mode),
			j.StartAt.In(loc).Format("2006-01-02 15:04"),
			j.EndAt.In(loc).Format("15:04"),
			string(j.State),
			errText,
		})
	}
	return data
}

func runJobImport(cmd *cobra.Command, args []string) error {
	reqs, err := readJobFile(args[0])
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		pterm.Info.Printfln("No jobs in %s", args[0])
		return nil
	}

	return withJobs(func(ctx context.Context, sched *schedule.Scheduler, store *schedule.Store) error {
		added, failed := 0, 0
		for i, req := range reqs {
			job, err := sched.Schedule(ctx, req.ToJob())
			if err != nil {
				failed++
				pterm.Error.Printfln("entry %d (%s): %v", i+1, req.Title, err)
				continue
			}
			added++
			pterm.Success.Printfln("%s %s", job.ID, job.Title)
		}
		pterm.Info.Printfln("%d scheduled, %d skipped", added, failed)
		if added == 0 {
			return errors.Newf("no jobs imported from %s", args[0])
		}
		return nil
	})
}
