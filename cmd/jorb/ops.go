package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"jorbline/internal/app"
	"jorbline/internal/briefing"
	"jorbline/internal/config"
	"jorbline/internal/debounce"
	"jorbline/internal/domain"
	"jorbline/internal/ralph"
	"jorbline/internal/repo"
	"jorbline/internal/server"
	jorblinesdk "jorbline/sdk/go"
)

func briefCmd() *cobra.Command {
	var advance bool
	cmd := &cobra.Command{
		Use:   "brief",
		Short: "Show what changed since the last briefing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				b, err := briefing.Generator{Repo: r}.Brief(ctx, advance)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				briefing.Render(os.Stdout, b)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&advance, "advance", false, "mark this briefing as seen")
	return cmd
}

func inboundCmd() *cobra.Command {
	in := &cobra.Command{Use: "inbound", Short: "Inject inbound messages"}
	in.AddCommand(inboundSendCmd())
	return in
}

func inboundSendCmd() *cobra.Command {
	var msg jorblinesdk.InboundMessage
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Deliver one inbound message",
		Long: `With --server the message goes to a running jorb serve and is debounced there.
Without it the message is routed immediately against the local workspace.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url := viper.GetString("server"); url != "" {
				c := jorblinesdk.New(url)
				c.APIKey = viper.GetString("api-key")
				c.BearerToken = viper.GetString("token")
				ack, err := c.SendInbound(cmd.Context(), msg)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ack)
				}
				fmt.Printf("Accepted (%d pending for %s)\n", ack.Pending, msg.Sender)
				return nil
			}
			channel := strings.ToLower(strings.TrimSpace(msg.Channel))
			if !domain.ValidChannel(channel) {
				return fmt.Errorf("channel %q not supported", msg.Channel)
			}
			if strings.TrimSpace(msg.Sender) == "" || strings.TrimSpace(msg.Content) == "" {
				return fmt.Errorf("--sender and --content are required")
			}
			return withService(cmd.Context(), func(ctx context.Context, s *app.Service, _ *zap.Logger) error {
				out, err := s.Dispatcher.Handle(ctx, debounce.Event{
					Channel:      channel,
					Sender:       strings.TrimSpace(msg.Sender),
					SenderName:   msg.SenderName,
					Content:      msg.Content,
					Timestamp:    time.Now(),
					MessageCount: 1,
				})
				if err != nil {
					return err
				}
				s.Runner.Wait()
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"result":     out.Result,
						"jorb_id":    out.Route.JorbID,
						"confidence": out.Route.Confidence,
						"reasoning":  out.Route.Reasoning,
						"triggered":  out.Triggered,
					})
				}
				fmt.Printf("%s", out.Result)
				if out.Route.JorbID != "" {
					fmt.Printf(" to %s (%s confidence)", out.Route.JorbID, out.Route.Confidence)
				}
				fmt.Printf(": %s\n", out.Route.Reasoning)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&msg.Channel, "channel", "", "chat, sms or email")
	cmd.Flags().StringVar(&msg.Sender, "sender", "", "sender identifier")
	cmd.Flags().StringVar(&msg.SenderName, "name", "", "sender display name")
	cmd.Flags().StringVar(&msg.Content, "content", "", "message text")
	cmd.Flags().String("server", "", "base URL of a running jorb serve")
	cmd.Flags().String("api-key", "", "API key for --server")
	cmd.Flags().String("token", "", "bearer token for --server")
	_ = viper.BindPFlag("server", cmd.Flags().Lookup("server"))
	_ = viper.BindPFlag("api-key", cmd.Flags().Lookup("api-key"))
	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}

func contextCmd() *cobra.Command {
	c := &cobra.Command{Use: "context", Short: "Context resets (checkpoint summaries)"}
	c.AddCommand(contextSweepCmd())
	c.AddCommand(contextStatusCmd())
	return c
}

func contextSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Checkpoint every eligible jorb now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s *app.Service, _ *zap.Logger) error {
				rep, err := s.Ralph.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Checked %d, reset %d, skipped %d, failed %d\n", rep.Checked, rep.Reset, rep.Skipped, rep.Failed)
				for _, h := range rep.Handoffs {
					fmt.Printf("- %s (%s) through #%d\n", h.JorbName, h.JorbID, h.ThroughSeq)
				}
				return nil
			})
		},
	}
}

func contextStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint state of open jorbs",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.ResolveConfig(ctx, workspace, r)
				if err != nil {
					return err
				}
				jorbs, err := r.ListJorbs(ctx, "open")
				if err != nil {
					return err
				}
				resetAfter := time.Duration(cfg.Context.ResetAfterDays) * 24 * time.Hour
				now := time.Now()
				type row struct {
					ID               string `json:"id"`
					Name             string `json:"name"`
					Status           string `json:"status"`
					LastCheckpointAt string `json:"last_checkpoint_at,omitempty"`
					ContextFromSeq   int64  `json:"context_from_seq"`
					ContextResets    int64  `json:"context_resets"`
					Due              bool   `json:"due"`
				}
				rows := make([]row, 0, len(jorbs))
				for _, j := range jorbs {
					rows = append(rows, row{
						ID:               j.ID,
						Name:             j.Name,
						Status:           j.Status,
						LastCheckpointAt: j.LastCheckpointAt,
						ContextFromSeq:   j.ContextFromSeq,
						ContextResets:    j.Metrics.ContextResets,
						Due:              ralph.Eligible(j, now, resetAfter),
					})
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"reset_after":    resetAfter.String(),
						"sweep_interval": cfg.Context.SweepInterval.String(),
						"jorbs":          rows,
					})
				}
				fmt.Printf("Reset after %s, sweep every %s\n", resetAfter, cfg.Context.SweepInterval)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Last checkpoint", "From #", "Resets", "Due"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.Name, r.Status, r.LastCheckpointAt, r.ContextFromSeq, r.ContextResets, r.Due})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
		Long:  "The effective config is stored in the database. A jorbline.yml in the workspace replaces it whenever a command starts.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.ResolveConfig(ctx, workspace, r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cfg)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file (defaults to the workspace jorbline.yml)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(file)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file to validate")
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default jorbline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Validate a YAML config and store it in the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Printf("Imported %s\n", args[0])
				return nil
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			key := "jl_" + hex.EncodeToString(buf)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "actor_id": actor, "key": key})
				}
				fmt.Printf("API key for %s: %s\n", actor, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	t.AddCommand(tokenMintCmd())
	return t
}

func tokenMintCmd() *cobra.Command {
	var actor string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Sign a bearer token with JORBLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			token, err := server.MintToken(viper.GetString("jwt-secret"), actor, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (defaults to --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 for no expiry")
	return cmd
}
