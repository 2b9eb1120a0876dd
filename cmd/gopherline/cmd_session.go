package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/gopherline/internal/state"
	"github.com/user/gopherline/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionCreateCmd, sessionRemoveCmd)

	sessionCreateCmd.Flags().String("id", "", "session id (generated when empty)")
	sessionCreateCmd.Flags().String("agent", "", "agent name")
	sessionCreateCmd.Flags().String("model", "", "model name")
	sessionCreateCmd.Flags().Int64("notify-chat", 0, "Telegram chat for permission notifications")
	sessionCreateCmd.Flags().Bool("full-preview", false, "attach full preview content to tool executions")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)
		journal := state.NewEventLog(cfg.DataDir)
		items := state.NewItemStore(cfg.DataDir, cfg.Timeline.PageSize)

		ctx := context.Background()
		list, err := sessions.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tEVENTS\tITEMS\tLAST EVENT\tCREATED")
		for _, s := range list {
			count, err := journal.Count(ctx, s.ID)
			if err != nil {
				count = 0
			}
			n, err := items.Count(ctx, s.ID)
			if err != nil {
				n = 0
			}
			last := "-"
			if !s.LastEventTimestamp.IsZero() {
				last = s.LastEventTimestamp.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				s.ID,
				s.Status,
				count,
				n,
				last,
				s.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		agent, _ := cmd.Flags().GetString("agent")
		model, _ := cmd.Flags().GetString("model")
		chat, _ := cmd.Flags().GetInt64("notify-chat")
		full, _ := cmd.Flags().GetBool("full-preview")

		cfg := loadConfig()
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		sess, err := state.NewSessionStore(cfg.DataDir).Create(context.Background(), types.SessionID(id), types.SessionConfig{
			Agent:               agent,
			Model:               model,
			NotifyChatID:        chat,
			GenerateFullPreview: full,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Session %s created.\n", sess.ID)
		return nil
	},
}

var sessionRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a session and its stored timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := state.NewSessionStore(cfg.DataDir).Remove(context.Background(), types.SessionID(args[0])); err != nil {
			return err
		}
		// A running daemon notices on its next reap.
		fmt.Fprintf(os.Stdout, "Session %s removed.\n", args[0])
		return nil
	},
}
