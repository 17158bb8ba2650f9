// Package app wires the engine's collaborators into one running service
// and exposes the operations the HTTP surface and CLI share.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jorbline/internal/briefing"
	"jorbline/internal/channel"
	"jorbline/internal/clock"
	"jorbline/internal/config"
	"jorbline/internal/debounce"
	"jorbline/internal/dispatch"
	"jorbline/internal/domain"
	"jorbline/internal/engine"
	"jorbline/internal/oracle"
	"jorbline/internal/ralph"
	"jorbline/internal/router"
	"jorbline/internal/runner"
)

const maintenanceActor = "maintenance"

type Options struct {
	Workspace string
	Config    *config.Config
	// Provider overrides the model backend chosen from Config.Oracle.
	Provider oracle.Provider
	// Senders override the per-channel senders built from Config.Channels.
	Senders map[string]channel.Sender
	Clock   clock.Clock
	Log     *zap.Logger
}

type Service struct {
	Engine     engine.Engine
	Config     *config.Config
	Oracle     *oracle.Client
	Channels   *channel.Registry
	Router     *router.Router
	Runner     *runner.Runner
	Dispatcher *dispatch.Dispatcher
	Buffer     *debounce.Buffer
	Ralph      *ralph.Manager
	Briefing   briefing.Generator

	clock clock.Clock
	log   *zap.Logger
}

func NewService(ctx context.Context, conn *sql.DB, opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	eng := engine.New(conn, cfg)
	eng.Now = clk.Now

	provider := opts.Provider
	if provider == nil {
		var err error
		provider, err = providerFromConfig(ctx, cfg.Oracle, log)
		if err != nil {
			return nil, err
		}
	}
	client := oracle.NewClient(provider, oracle.Options{
		Prices:      oracle.Prices{InputPer1K: cfg.Oracle.PriceInputPer1K, OutputPer1K: cfg.Oracle.PriceOutputPer1K},
		RouterModel: cfg.Oracle.RouterModel,
	})

	reg := channel.NewRegistry()
	for _, ch := range domain.Channels {
		if s, ok := opts.Senders[ch]; ok {
			reg.Register(ch, s)
			continue
		}
		cc := cfg.Channels[ch]
		if strings.TrimSpace(cc.WebhookURL) != "" {
			reg.Register(ch, channel.NewWebhookSender(ch, cc.WebhookURL, cc.Secret, cc.Timeout, log.Named("channel")))
			continue
		}
		reg.Register(ch, channel.LogSender{Channel: ch, Log: log.Named("channel"), Now: clk.Now})
	}

	var classifier router.Classifier
	if cfg.Oracle.UseForRouting && cfg.Oracle.Provider != "none" {
		classifier = client
	}
	rt := router.New(classifier, log.Named("router"))
	run := runner.New(eng, client, reg, cfg, log.Named("runner"))
	disp := dispatch.New(eng, rt, run, log.Named("dispatch"))

	mgr := ralph.New(eng, client, cfg.Context, clk, log.Named("ralph"))
	if p := cfg.Context.ProgressLog; p != "" {
		if !filepath.IsAbs(p) && opts.Workspace != "" {
			p = filepath.Join(opts.Workspace, p)
		}
		mgr.ProgressLog = p
	}

	s := &Service{
		Engine:     eng,
		Config:     cfg,
		Oracle:     client,
		Channels:   reg,
		Router:     rt,
		Runner:     run,
		Dispatcher: disp,
		Ralph:      mgr,
		Briefing:   briefing.Generator{Repo: eng.Repo, Now: clk.Now},
		clock:      clk,
		log:        log,
	}
	s.Buffer = debounce.New(cfg.Debounce, disp.Flush, debounce.WithClock(clk), debounce.WithLogger(log.Named("debounce")))
	return s, nil
}

// providerFromConfig builds the model backend. A genai provider without
// an API key degrades to Disabled so the management surface still works.
func providerFromConfig(ctx context.Context, oc config.Oracle, log *zap.Logger) (oracle.Provider, error) {
	switch oc.Provider {
	case "none":
		return oracle.Disabled{}, nil
	case "", "genai":
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
		if key == "" {
			log.Warn("app: no GEMINI_API_KEY or GOOGLE_API_KEY set; oracle disabled")
			return oracle.Disabled{}, nil
		}
		return oracle.NewGenAI(ctx, key, oc.Model)
	default:
		return nil, fmt.Errorf("oracle provider %q not supported", oc.Provider)
	}
}

// Run drives the periodic work (context sweeps and lifetime enforcement)
// until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Ralph.Run(gctx) })
	g.Go(func() error { return s.maintainLoop(gctx) })
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Service) maintainLoop(ctx context.Context) error {
	interval := s.Config.Runner.MaintenanceInterval
	if interval <= 0 {
		interval = time.Hour
	}
	t := s.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.Maintain(ctx); err != nil {
				s.log.Error("app: maintenance failed", zap.Error(err))
			}
		}
	}
}

// Maintain pauses stale running jorbs and fails expired ones.
func (s *Service) Maintain(ctx context.Context) error {
	p := s.Config.Policy
	failed, err := s.Engine.FailExpired(ctx, time.Duration(p.MaxDurationDays)*24*time.Hour, maintenanceActor)
	if err != nil {
		return err
	}
	paused, err := s.Engine.PauseStale(ctx, time.Duration(p.StaleAfterHours)*time.Hour, maintenanceActor)
	if err != nil {
		return err
	}
	if len(failed)+len(paused) > 0 {
		s.log.Info("app: maintenance", zap.Strings("failed", failed), zap.Strings("paused", paused))
	}
	return nil
}

// Shutdown delivers buffered inbound messages and waits for the cycles
// they start.
func (s *Service) Shutdown(ctx context.Context) {
	n := s.Buffer.FlushAll()
	s.Buffer.Stop()
	if n > 0 {
		s.log.Info("app: flushed buffered conversations", zap.Int("count", n))
	}
	done := make(chan struct{})
	go func() {
		s.Runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("app: shutdown deadline reached with cycles in flight")
	}
	s.Runner.Close()
}
