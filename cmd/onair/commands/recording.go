package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/onair/display"
	"github.com/teranos/onair/recording"
	"github.com/teranos/onair/server"
	"github.com/teranos/onair/sym"
)

// RecordingCmd represents the recording command
var RecordingCmd = &cobra.Command{
	Use:     "recording",
	Aliases: []string{"rec"},
	Short:   sym.Record + " Inspect recording attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var recordingLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent recording attempts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		jobID, _ := cmd.Flags().GetString("job")

		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		store := recording.NewStore(database)
		ctx := context.Background()
		var recs []*recording.Recording
		if jobID != "" {
			recs, err = store.ListByJob(ctx, jobID)
		} else {
			recs, err = store.List(ctx, limit)
		}
		if err != nil {
			return err
		}

		if display.ShouldOutputJSON(cmd) {
			out := make([]server.RecordingResponse, 0, len(recs))
			for _, r := range recs {
				out = append(out, server.NewRecordingResponse(r))
			}
			return display.OutputJSON(cmd.OutOrStdout(), out)
		}
		if len(recs) == 0 {
			pterm.Info.Println("No recordings")
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithData(recordingTable(recs, time.Local)).
			WithWriter(cmd.OutOrStdout()).Render()
	},
}

func init() {
	recordingLsCmd.Flags().Int("limit", 20, "Maximum number of attempts to show")
	recordingLsCmd.Flags().String("job", "", "Only attempts for this job id")
	recordingLsCmd.Flags().Bool("json", false, "Output as JSON")
	RecordingCmd.AddCommand(recordingLsCmd)
}

func recordingTable(recs []*recording.Recording, loc *time.Location) pterm.TableData {
	data := pterm.TableData{{"", "Title", "Station", "Start", "State", "File / Error"}}
	for _, r := range recs {
		detail := r.Path.RelativePath
		if r.ErrorMessage != "" {
			detail = r.ErrorMessage
		}
		data = append(data, []string{
			sym.ForState(string(r.State)),
			r.Program.Title,
			r.Program.StationID,
			r.Program.StartAt.In(loc).Format("2006-01-02 15:04"),
			string(r.State),
			detail,
		})
	}
	return data
}
