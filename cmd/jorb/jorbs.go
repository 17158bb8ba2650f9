package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"jorbline/internal/app"
	"jorbline/internal/domain"
	"jorbline/internal/engine"
	"jorbline/internal/repo"
)

func jorbCmd() *cobra.Command {
	j := &cobra.Command{Use: "jorb", Short: "Manage jorbs"}
	j.AddCommand(jorbListCmd())
	j.AddCommand(jorbGetCmd())
	j.AddCommand(jorbCreateCmd())
	j.AddCommand(jorbStartCmd())
	j.AddCommand(jorbApproveCmd())
	j.AddCommand(jorbCancelCmd())
	j.AddCommand(jorbMessagesCmd())
	return j
}

func jorbListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jorbs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListJorbs(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Awaiting", "Msgs in/out", "Cost", "Last activity"})
				for _, j := range items {
					awaiting := j.Awaiting
					if j.Status == domain.StatusPaused {
						awaiting = "approval: " + j.NeedsApprovalFor
					}
					tw.AppendRow(table.Row{
						j.ID, j.Name, j.Status, awaiting,
						fmt.Sprintf("%d/%d", j.Metrics.MessagesIn, j.Metrics.MessagesOut),
						fmt.Sprintf("$%.4f", j.Metrics.EstimatedCost),
						j.LastActivityAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "open", "open, closed or all")
	return cmd
}

func jorbGetCmd() *cobra.Command {
	var messages int
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a jorb",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				j, err := r.GetJorb(ctx, args[0])
				if err != nil {
					return err
				}
				var msgs []domain.Message
				if messages > 0 {
					msgs, err = r.RecentMessages(ctx, j.ID, 0, messages)
					if err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"jorb": j, "messages": msgs})
				}
				printJorb(j)
				if len(msgs) > 0 {
					fmt.Println()
					renderMessages(msgs)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&messages, "messages", 0, "include this many recent messages")
	return cmd
}

func jorbCreateCmd() *cobra.Command {
	var name, plan, planFile string
	var contacts []string
	var start bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a jorb",
		Long:  "Contacts are channel:identifier or channel:identifier:name, e.g. --contact sms:+15551234567:Front desk.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if planFile != "" {
				data, err := os.ReadFile(planFile)
				if err != nil {
					return err
				}
				plan = string(data)
			}
			parsed, err := parseContacts(contacts)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, s *app.Service, _ *zap.Logger) error {
				j, err := s.CreateJorb(ctx, engine.CreateOptions{
					Name:     name,
					Plan:     plan,
					Contacts: parsed,
					ActorID:  viper.GetString("actor-id"),
				}, start)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(j)
				}
				fmt.Printf("Created jorb %s (%s)\n", j.ID, j.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "short name")
	cmd.Flags().StringVar(&plan, "plan", "", "plan in plain language")
	cmd.Flags().StringVar(&planFile, "plan-file", "", "read the plan from a file")
	cmd.Flags().StringArrayVar(&contacts, "contact", nil, "contact as channel:identifier[:name] (repeatable)")
	cmd.Flags().BoolVar(&start, "start", false, "start immediately")
	return cmd
}

func jorbStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a planning jorb and run its first cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s *app.Service, _ *zap.Logger) error {
				if _, err := s.Start(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				s.Runner.Wait()
				j, err := s.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(j)
				}
				printJorb(j)
				return nil
			})
		},
	}
}

func jorbApproveCmd() *cobra.Command {
	var decision string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a paused jorb with a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s *app.Service, _ *zap.Logger) error {
				j, res, err := s.Approve(ctx, args[0], decision, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"jorb": j, "cycle": map[string]any{"outcome": res.Outcome, "reason": res.Reason, "sent": res.Sent}})
				}
				fmt.Printf("Approved. Cycle %s", res.Outcome)
				if res.Reason != "" {
					fmt.Printf(" (%s)", res.Reason)
				}
				fmt.Println()
				printJorb(j)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "your decision, passed to the agent")
	return cmd
}

func jorbCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a jorb",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s *app.Service, _ *zap.Logger) error {
				j, err := s.Cancel(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(j)
				}
				fmt.Printf("Cancelled jorb %s\n", j.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the jorb is cancelled")
	return cmd
}

func jorbMessagesCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "messages <id>",
		Short: "List a jorb's messages, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetJorb(ctx, args[0]); err != nil {
					return err
				}
				msgs, err := r.ListMessages(ctx, args[0], limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				renderMessages(msgs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max messages")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many messages")
	return cmd
}

func printJorb(j domain.Jorb) {
	fmt.Printf("Jorb: %s (%s)\n", j.Name, j.ID)
	fmt.Printf("Status: %s\n", j.Status)
	if j.Status == domain.StatusPaused {
		fmt.Printf("Paused: %s (needs approval for %s)\n", j.PausedReason, j.NeedsApprovalFor)
	}
	if j.Awaiting != "" {
		fmt.Printf("Awaiting: %s\n", j.Awaiting)
	}
	if j.ProgressSummary != "" {
		fmt.Printf("Progress: %s\n", j.ProgressSummary)
	}
	if j.Outcome != nil {
		switch {
		case j.Outcome.FailureReason != "":
			fmt.Printf("Failed: %s\n", j.Outcome.FailureReason)
		case j.Outcome.CancelReason != "":
			fmt.Printf("Cancelled: %s\n", j.Outcome.CancelReason)
		case len(j.Outcome.Result) > 0:
			fmt.Printf("Result: %v\n", j.Outcome.Result)
		}
	}
	fmt.Println("Contacts:")
	for _, c := range j.Contacts {
		if c.Name != "" {
			fmt.Printf("  %s %s (%s)\n", c.Channel, c.Identifier, c.Name)
			continue
		}
		fmt.Printf("  %s %s\n", c.Channel, c.Identifier)
	}
	m := j.Metrics
	fmt.Printf("Messages: %d in / %d out, oracle calls %d, tokens %d, cost $%.4f, context resets %d\n",
		m.MessagesIn, m.MessagesOut, m.OracleCalls, m.TokensUsed, m.EstimatedCost, m.ContextResets)
	fmt.Printf("Plan:\n%s\n", j.Plan)
}

func renderMessages(msgs []domain.Message) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Time", "Dir", "Channel", "Party", "Content"})
	for _, m := range msgs {
		party := m.Sender
		if m.Direction == domain.DirectionOutbound {
			party = "-> " + m.Recipient
		} else if m.SenderName != "" {
			party = m.SenderName + " <" + m.Sender + ">"
		}
		tw.AppendRow(table.Row{m.Seq, m.Timestamp, m.Direction, m.Channel, party, m.Content})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 6, WidthMax: 80}})
	tw.Render()
}

func parseContacts(in []string) ([]domain.Contact, error) {
	out := make([]domain.Contact, 0, len(in))
	for _, raw := range in {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("contact %q: expected channel:identifier[:name]", raw)
		}
		c := domain.Contact{Channel: parts[0], Identifier: parts[1]}
		if len(parts) == 3 {
			c.Name = parts[2]
		}
		out = append(out, c)
	}
	return out, nil
}
