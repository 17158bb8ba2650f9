package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"jorbline/internal/debounce"
	"jorbline/internal/domain"
	"jorbline/internal/engine"
	"jorbline/internal/runner"
)

// CreateJorb stores a new jorb, optionally starting it straight away.
func (s *Service) CreateJorb(ctx context.Context, opts engine.CreateOptions, startImmediately bool) (domain.Jorb, error) {
	j, err := s.Engine.CreateJorb(ctx, opts)
	if err != nil {
		return j, err
	}
	if !startImmediately {
		return j, nil
	}
	return s.Start(ctx, j.ID, opts.ActorID)
}

// Start moves a planning jorb to running and kicks off its first cycle.
func (s *Service) Start(ctx context.Context, id, actorID string) (domain.Jorb, error) {
	j, err := s.Engine.Start(ctx, id, actorID)
	if err != nil {
		return j, err
	}
	s.Runner.Trigger(j.ID, runner.Trigger{Kind: runner.TriggerStart})
	return j, nil
}

// Approve resumes a paused jorb and runs a cycle right away with the
// human's decision in context. The returned jorb reflects that cycle.
func (s *Service) Approve(ctx context.Context, id, decision, actorID string) (domain.Jorb, runner.Result, error) {
	j, err := s.Engine.Approve(ctx, id, decision, actorID)
	if err != nil {
		return j, runner.Result{}, err
	}
	res, err := s.Runner.RunCycle(ctx, j.ID, runner.Trigger{Kind: runner.TriggerApproval, Decision: decision})
	if err != nil {
		s.log.Warn("app: cycle after approval failed", zap.String("jorb_id", j.ID), zap.Error(err))
		return j, res, nil
	}
	if res.Jorb.ID != "" && res.Outcome != runner.OutcomeQueued {
		j = res.Jorb
	}
	return j, res, nil
}

func (s *Service) Cancel(ctx context.Context, id, reason, actorID string) (domain.Jorb, error) {
	return s.Engine.Cancel(ctx, id, reason, actorID)
}

// Inbound feeds one raw message into the conversation buffer.
func (s *Service) Inbound(m debounce.Message) error {
	m.Channel = strings.ToLower(strings.TrimSpace(m.Channel))
	m.Sender = strings.TrimSpace(m.Sender)
	if !domain.ValidChannel(m.Channel) {
		return invalidInput("channel %q not supported", m.Channel)
	}
	if m.Sender == "" {
		return invalidInput("sender is required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return invalidInput("content is required")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.clock.Now()
	}
	s.Buffer.OnMessage(m)
	return nil
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", engine.ErrInvalid, fmt.Sprintf(format, args...))
}
