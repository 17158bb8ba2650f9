// Package ralph compacts long-running jorbs: on a fixed cadence it
// summarizes jorbs that saw activity since their last checkpoint and
// moves their context window forward.
package ralph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jorbline/internal/clock"
	"jorbline/internal/config"
	"jorbline/internal/domain"
	"jorbline/internal/engine"
	"jorbline/internal/oracle"
)

const actorID = "context-manager"

// maxSummaryMessages bounds how much history one summary call sees.
// Longer backlogs are summarized in pages, each folded into the last.
const maxSummaryMessages = 500

// Summarizer is the part of oracle.Client the manager needs.
type Summarizer interface {
	Summarize(ctx context.Context, req oracle.SummaryRequest) (string, oracle.Usage, error)
}

type Manager struct {
	engine engine.Engine
	oracle Summarizer
	cfg    config.ContextReset
	log    *zap.Logger
	clock  clock.Clock
	// ProgressLog is the markdown file handoffs are appended to. Empty
	// disables it.
	ProgressLog string
	// BatchSize caps the messages per summary call; 0 means 500.
	BatchSize int

	sweepMu sync.Mutex

	mu     sync.Mutex
	status Status
}

// Status describes the manager's recent work.
type Status struct {
	Running     bool      `json:"running"`
	LastSweepAt time.Time `json:"last_sweep_at,omitempty"`
	NextSweepAt time.Time `json:"next_sweep_at,omitempty"`
	LastReport  Report    `json:"last_report"`
	TotalResets int64     `json:"total_resets"`
	ResetAfter  string    `json:"reset_after"`
	Interval    string    `json:"interval"`
}

// Report summarizes one sweep.
type Report struct {
	Checked  int       `json:"checked"`
	Reset    int       `json:"reset"`
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
	Handoffs []Handoff `json:"handoffs,omitempty"`
}

type Handoff struct {
	JorbID     string `json:"jorb_id"`
	JorbName   string `json:"jorb_name"`
	Status     string `json:"status"`
	Summary    string `json:"summary"`
	ThroughSeq int64  `json:"through_seq"`
}

func New(eng engine.Engine, s Summarizer, cfg config.ContextReset, clk clock.Clock, log *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{engine: eng, oracle: s, cfg: cfg, clock: clk, log: log}
}

func (m *Manager) resetAfter() time.Duration {
	days := m.cfg.ResetAfterDays
	if days <= 0 {
		days = 3
	}
	return time.Duration(days) * 24 * time.Hour
}

// Eligible reports whether j is due for a checkpoint at now: it is not
// terminal, at least resetAfter has passed since its last checkpoint (or
// creation) and it has seen activity since then.
func Eligible(j domain.Jorb, now time.Time, resetAfter time.Duration) bool {
	if domain.IsTerminal(j.Status) {
		return false
	}
	anchor := j.LastCheckpointAt
	if anchor == "" {
		anchor = j.CreatedAt
	}
	at, err := domain.ParseTimestamp(anchor)
	if err != nil {
		return false
	}
	if now.Sub(at) < resetAfter {
		return false
	}
	last, err := domain.ParseTimestamp(j.LastActivityAt)
	if err != nil {
		return false
	}
	return last.After(at)
}

// Sweep checkpoints every eligible jorb. Failures on one jorb are logged
// and counted; only a failure to list jorbs is returned.
func (m *Manager) Sweep(ctx context.Context) (Report, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	jorbs, err := m.engine.Repo.ListJorbsByStatus(ctx, domain.StatusPlanning, domain.StatusRunning, domain.StatusPaused)
	if err != nil {
		return Report{}, fmt.Errorf("list jorbs: %w", err)
	}
	now := m.clock.Now()
	limit := m.cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}

	var (
		rmu    sync.Mutex
		report = Report{Checked: len(jorbs)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, j := range jorbs {
		if !Eligible(j, now, m.resetAfter()) {
			report.Skipped++
			continue
		}
		j := j
		g.Go(func() error {
			h, err := m.checkpoint(gctx, j)
			rmu.Lock()
			defer rmu.Unlock()
			if err != nil {
				report.Failed++
				m.log.Warn("ralph: checkpoint failed", zap.String("jorb_id", j.ID), zap.Error(err))
				return nil
			}
			report.Reset++
			report.Handoffs = append(report.Handoffs, h)
			return nil
		})
	}
	_ = g.Wait()

	if len(report.Handoffs) > 0 {
		if err := m.appendProgressLog(now, report.Handoffs); err != nil {
			m.log.Warn("ralph: progress log not written", zap.String("path", m.ProgressLog), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.status.LastSweepAt = now
	m.status.LastReport = report
	m.status.TotalResets += int64(report.Reset)
	m.mu.Unlock()
	m.log.Info("ralph: sweep finished",
		zap.Int("checked", report.Checked),
		zap.Int("reset", report.Reset),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (m *Manager) checkpoint(ctx context.Context, j domain.Jorb) (Handoff, error) {
	batch := m.BatchSize
	if batch <= 0 {
		batch = maxSummaryMessages
	}
	through := j.ContextFromSeq
	summary := j.ProgressSummary
	for first := true; ; first = false {
		msgs, err := m.engine.Repo.MessagesAfter(ctx, j.ID, through, batch)
		if err != nil {
			return Handoff{}, err
		}
		if len(msgs) == 0 && !first {
			break
		}
		summary, err = m.summarize(ctx, j, summary, msgs)
		if err != nil {
			return Handoff{}, err
		}
		if len(msgs) < batch {
			if n := len(msgs); n > 0 {
				through = msgs[n-1].Seq
			}
			break
		}
		through = msgs[len(msgs)-1].Seq
	}
	cp, err := m.engine.RecordCheckpoint(ctx, engine.CheckpointInput{
		JorbID:       j.ID,
		Summary:      summary,
		ApproxTokens: oracle.EstimateTokens(summary),
		ThroughSeq:   through,
		ActorID:      actorID,
	})
	if err != nil {
		return Handoff{}, err
	}
	return Handoff{JorbID: j.ID, JorbName: j.Name, Status: j.Status, Summary: cp.Summary, ThroughSeq: cp.ThroughSeq}, nil
}

func (m *Manager) summarize(ctx context.Context, j domain.Jorb, previous string, msgs []domain.Message) (string, error) {
	summary, usage, err := m.oracle.Summarize(ctx, oracle.SummaryRequest{
		JorbName:        j.Name,
		Plan:            j.Plan,
		PreviousSummary: previous,
		Messages:        oracle.FromMessages(msgs),
	})
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		if uerr := m.engine.RecordOracleUsage(ctx, j.ID, engine.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			Cost:         usage.Cost,
		}); uerr != nil {
			m.log.Warn("ralph: usage not recorded", zap.String("jorb_id", j.ID), zap.Error(uerr))
		}
	}
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return summary, nil
}

// Run sweeps on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	m.mu.Lock()
	m.status.Running = true
	m.status.NextSweepAt = m.clock.Now().Add(interval)
	m.mu.Unlock()
	t := m.clock.NewTicker(interval)
	defer t.Stop()
	defer func() {
		m.mu.Lock()
		m.status.Running = false
		m.status.NextSweepAt = time.Time{}
		m.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.Error("ralph: sweep failed", zap.Error(err))
			}
			m.mu.Lock()
			m.status.NextSweepAt = m.clock.Now().Add(interval)
			m.mu.Unlock()
		}
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status
	st.ResetAfter = m.resetAfter().String()
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	st.Interval = interval.String()
	return st
}
