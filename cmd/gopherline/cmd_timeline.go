package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/gopherline/internal/state"
	"github.com/user/gopherline/internal/timeline"
	"github.com/user/gopherline/internal/types"
)

const summaryWidth = 60

func init() {
	rootCmd.AddCommand(timelineCmd)
	timelineCmd.AddCommand(timelineShowCmd)

	timelineShowCmd.Flags().String("types", "", "comma-separated item types to show")
	timelineShowCmd.Flags().Bool("all", false, "load every history page, not just the newest")
	timelineShowCmd.Flags().Bool("json", false, "print items as JSON")
}

var timelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Inspect stored timelines",
}

var timelineShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's stored timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typesFlag, _ := cmd.Flags().GetString("types")
		all, _ := cmd.Flags().GetBool("all")
		asJSON, _ := cmd.Flags().GetBool("json")

		kinds, err := timeline.ParseKinds(typesFlag)
		if err != nil {
			return err
		}

		cfg := loadConfig()
		ctx := context.Background()
		sid := types.SessionID(args[0])
		if _, err := state.NewSessionStore(cfg.DataDir).GetSession(ctx, sid); err != nil {
			return err
		}

		eng := timeline.New(sid, state.NewItemStore(cfg.DataDir, cfg.Timeline.PageSize), timeline.Options{
			DedupWindow: cfg.Timeline.DedupWindow.D(),
			TurnWindow:  cfg.Timeline.TurnWindow.D(),
			Logger:      setupLogging(cfg),
		})
		defer eng.Close()

		page, err := eng.LoadPage(ctx, "")
		if err != nil {
			return err
		}
		for all && page.NextPageToken != "" {
			if page, err = eng.LoadPage(ctx, page.NextPageToken); err != nil {
				return err
			}
		}

		result, err := eng.Query(timeline.QueryOptions{Types: kinds})
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
		if len(result.Items) == 0 {
			fmt.Println("No timeline items.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tID\tSUMMARY")
		for _, it := range result.Items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				it.Timestamp().Format("2006-01-02 15:04:05"),
				it.Kind,
				it.ID(),
				summarize(it),
			)
		}
		if next, _ := eng.History(); next != "" {
			fmt.Fprintln(w, "\t\t\t(older items not loaded, use --all)")
		}
		return w.Flush()
	},
}

func summarize(it types.TimelineItem) string {
	var s string
	switch it.Kind {
	case types.KindMessage:
		var parts []string
		for _, p := range it.Message.Content {
			if p.Type == types.ContentText && p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		s = string(it.Message.Role) + ": " + strings.Join(parts, " ")
	case types.KindToolExecution:
		name := it.ToolExecution.ToolName
		if name == "" {
			name = it.ToolExecution.ToolID
		}
		s = name + " [" + string(it.ToolExecution.Status) + "]"
		if p := it.ToolExecution.Preview; p != nil && p.BriefContent != "" {
			s += " " + p.BriefContent
		}
	case types.KindPermissionRequest:
		verdict := "pending"
		if g := it.PermissionRequest.Granted; g != nil {
			verdict = "denied"
			if *g {
				verdict = "granted"
			}
		}
		s = it.PermissionRequest.ToolID + " [" + verdict + "]"
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > summaryWidth {
		s = s[:summaryWidth-3] + "..."
	}
	return s
}
