package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"kiosk/internal/database"
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "List stored activity records",
	Long: `List activity records from the kiosk database, newest first.

Examples:
  kiosk activity --stream lobby --since 2h
  kiosk activity --name alice --json`,
	Args: cobra.NoArgs,
	RunE: runActivity,
}

func init() {
	rootCmd.AddCommand(activityCmd)
	activityCmd.Flags().String("stream", "", "Only records from this stream")
	activityCmd.Flags().String("name", "", "Only records for this identity (use \"unknown\" for unmatched faces)")
	activityCmd.Flags().Duration("since", 24*time.Hour, "How far back to look (0 for everything)")
	activityCmd.Flags().Int("limit", 50, "Maximum number of records")
	activityCmd.Flags().Bool("json", false, "Output as JSON")
}

func runActivity(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	filter := database.ActivityFilter{
		StreamID: mustGetString(cmd, "stream"),
		Name:     mustGetString(cmd, "name"),
		Limit:    mustGetInt(cmd, "limit"),
	}
	if since := mustGetDuration(cmd, "since"); since > 0 {
		filter.Since = time.Now().Add(-since)
	}

	records, err := db.ListActivity(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("No activity.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTREAM\tNAME\tCONFIDENCE\tREASON\tTRACK")
	for _, r := range records {
		conf := "-"
		if r.Recognized {
			conf = fmt.Sprintf("%.2f", r.Confidence)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format(time.DateTime), r.StreamID, r.Name, conf, r.Reason, r.TrackID)
	}
	return w.Flush()
}
