package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/session"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, inspect and delete agent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agent, err := quietAgent(opts)
			if err != nil {
				return err
			}
			sessions, err := agent.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := quietAgent(opts)
			if err != nil {
				return err
			}
			raw, err := agent.GetSessionMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), session.NormalizeHistory(raw))
			return nil
		},
	}, &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := quietAgent(opts)
			if err != nil {
				return err
			}
			if err := agent.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newModelsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the agent server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agent, err := quietAgent(opts)
			if err != nil {
				return err
			}
			models, def, err := agent.GetModels(cmd.Context())
			if err != nil {
				return err
			}
			printModels(cmd.OutOrStdout(), models, def)
			return nil
		},
	}
}

// quietAgent builds an agent client that only logs errors.
func quietAgent(opts *rootOptions) (*opencode.Client, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: cfg.Logging.Format, OutputPath: "stderr"})
	if err != nil {
		return nil, err
	}
	return provideAgentClient(cfg, log), nil
}

func printSessions(out io.Writer, sessions []opencode.SessionInfo) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUPDATED\tTITLE")
	for _, s := range sessions {
		updated := "-"
		if s.Time.Updated > 0 {
			updated = time.UnixMilli(s.Time.Updated).Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, updated, s.Title)
	}
	_ = w.Flush()
}

func printHistory(out io.Writer, history []session.HistoryMessage) {
	for _, m := range history {
		text := m.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", m.Info.Role, text)
	}
}

func printModels(out io.Writer, models []opencode.ProviderModel, def *opencode.ModelRef) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tNAME\tDEFAULT")
	for _, m := range models {
		mark := ""
		if def != nil && def.ProviderID == m.ProviderID && def.ModelID == m.ModelID {
			mark = "*"
		}
		fmt.Fprintf(w, "%s/%s\t%s\t%s\n", m.ProviderID, m.ModelID, m.Name, mark)
	}
	_ = w.Flush()
}
