package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/store/file"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect locally stored sessions",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsShowCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's sessions from the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := localBackend()
			if err != nil {
				return err
			}
			sessions, err := backend.ListSessions(context.Background(), userID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTATUS\tMESSAGES\tLAST MESSAGE")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					s.SessionID, s.Status, s.MessageCount, s.LastMessageAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := localBackend()
			if err != nil {
				return err
			}
			msgs, err := backend.LoadMessages(context.Background(), args[0], 0)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("[%d] %s: %s\n", m.Sequence, m.Role, renderContent(m.Content))
			}
			return nil
		},
	}
}

func localBackend() (*file.Backend, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return file.New(cfg.Memory.SessionsDir, newLogger())
}

func renderContent(blocks []store.ContentBlock) string {
	out := ""
	for _, b := range blocks {
		switch {
		case b.IsText():
			out += b.Text
		case b.ToolUse != nil:
			out += fmt.Sprintf("<tool:%s>", b.ToolUse.Name)
		case b.ToolResult != nil:
			out += fmt.Sprintf("<tool result:%s>", b.ToolResult.ToolUseID)
		case b.Image != nil:
			out += fmt.Sprintf("<image %s, %d bytes>", b.Image.Format, len(b.Image.Bytes))
		case b.Document != nil:
			out += fmt.Sprintf("<document %s>", b.Document.Name)
		}
	}
	return out
}
