package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jorbline/internal/app"
	"jorbline/internal/db"
	"jorbline/internal/logging"
	"jorbline/internal/migrate"
	"jorbline/internal/repo"
	"jorbline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "jorb",
	Short: "Jorbline CLI",
	Long: `Jorbline runs long-lived errands ("jorbs") that talk to people over chat, SMS and email.
- Jorb: a goal, a plan and a set of contacts. planning -> running -> paused -> complete/failed/cancelled.
- Cycle: one round of reading recent messages, asking the model what to do and acting on it.
- Approval: risky actions pause the jorb until you approve it with a decision.
- Briefing: what changed since you last looked (jorb brief).
- Context reset: long-running jorbs are periodically summarized so their context stays small.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("JORBLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "human", "actor identifier recorded in the audit log")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit JSON logs")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(jorbCmd())
	rootCmd.AddCommand(briefCmd())
	rootCmd.AddCommand(inboundCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, debouncer, runner and context resets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("log-level") && !viper.IsSet("log-level") {
				viper.Set("log-level", "info")
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("JORBLINE_JWT_SECRET is required for bearer auth")
			}
			return withService(cmd.Context(), func(ctx context.Context, s *app.Service, log *zap.Logger) error {
				if addr == "" {
					addr = s.Config.Server.Addr
				}
				if basePath == "" {
					basePath = s.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					App:      s,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Log: log.Named("auth")},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return s.Run(gctx) })
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					log.Info("serving jorbline API",
						zap.String("addr", addr),
						zap.String("base_path", basePath),
						zap.String("openapi", basePath+"/openapi.json"),
						zap.String("docs", "/docs"))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				err = g.Wait()
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	return logging.New(viper.GetString("log-level"), viper.GetBool("log-json"))
}

// withService opens the workspace, builds the full service and shuts it
// down after fn returns, so cycles started by fn finish before exit.
func withService(ctx context.Context, fn func(context.Context, *app.Service, *zap.Logger) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	workspace := viper.GetString("workspace")
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		cfg, err := app.ResolveConfig(ctx, workspace, r)
		if err != nil {
			return err
		}
		s, err := app.NewService(ctx, r.DB, app.Options{Workspace: workspace, Config: cfg, Log: log})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			s.Shutdown(shutdownCtx)
		}()
		return fn(ctx, s, log)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
