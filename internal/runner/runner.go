// Package runner executes jorb cycles: ask the oracle for the next step,
// gate it, deliver it and record the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"jorbline/internal/channel"
	"jorbline/internal/config"
	"jorbline/internal/domain"
	"jorbline/internal/engine"
	"jorbline/internal/oracle"
	"jorbline/internal/policy"
	"jorbline/internal/repo"
)

// ErrStorage marks a cycle aborted because the task store failed. Nothing
// was written; the next trigger retries.
var ErrStorage = errors.New("storage unavailable")

const actorID = "runner"

const invalidDecisionReason = "agent produced an invalid decision"

// Trigger kinds.
const (
	TriggerInbound  = "inbound"
	TriggerApproval = "approval"
	TriggerStart    = "start"
	TriggerManual   = "manual"
)

// Trigger is the event that started a cycle.
type Trigger struct {
	Kind         string
	Channel      string
	Sender       string
	SenderName   string
	Content      string
	MessageCount int
	Decision     string
}

// Cycle outcomes.
const (
	OutcomeApplied        = "applied"
	OutcomeQueued         = "queued"
	OutcomeSkipped        = "skipped"
	OutcomeGated          = "gated"
	OutcomeRateLimited    = "rate_limited"
	OutcomeInvalid        = "invalid_decision"
	OutcomeDeliveryFailed = "delivery_failed"
	OutcomeDiscarded      = "discarded"
)

type Result struct {
	JorbID  string
	Outcome string
	Reason  string
	Jorb    domain.Jorb
	Sent    bool
}

// Oracle is the part of oracle.Client the runner needs.
type Oracle interface {
	Decide(ctx context.Context, req oracle.Request) (oracle.Decision, oracle.Usage, error)
}

// Sender delivers on a named channel; *channel.Registry satisfies it.
type Sender interface {
	Send(ctx context.Context, channel, recipient, content string) (channel.Receipt, error)
}

type Runner struct {
	engine  engine.Engine
	oracle  Oracle
	sender  Sender
	limiter *policy.RateLimiter
	cfg     *config.Config
	log     *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	slots map[string]*slot
}

// slot serializes cycles for one jorb. pending holds the trigger for the
// single re-run owed once the current cycle finishes.
type slot struct {
	pending *Trigger
}

func New(eng engine.Engine, o Oracle, s Sender, cfg *config.Config, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		engine:  eng,
		oracle:  o,
		sender:  s,
		limiter: policy.NewRateLimiter(cfg.Policy.RateLimits),
		cfg:     cfg,
		log:     log,
		sleep:   sleepCtx,
		ctx:     ctx,
		cancel:  cancel,
		slots:   map[string]*slot{},
	}
}

func (r *Runner) now() time.Time {
	if r.engine.Now != nil {
		return r.engine.Now()
	}
	return time.Now()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger runs a cycle in the background.
func (r *Runner) Trigger(jorbID string, t Trigger) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.RunCycle(r.ctx, jorbID, t); err != nil {
			r.log.Warn("runner: cycle failed", zap.String("jorb_id", jorbID), zap.String("trigger", t.Kind), zap.Error(err))
		}
	}()
}

// RunCycle runs one cycle for jorbID and waits for it. When a cycle for
// the same jorb is already in flight the trigger is queued and the
// outcome is OutcomeQueued; however many triggers queue up, exactly one
// more cycle runs after the current one.
//
// Cycles run on the runner's own context. If ctx ends first RunCycle
// returns ctx.Err() and the cycle, with any re-run queued behind it,
// carries on in the background until Close.
func (r *Runner) RunCycle(ctx context.Context, jorbID string, t Trigger) (Result, error) {
	r.mu.Lock()
	if s, busy := r.slots[jorbID]; busy {
		s.pending = coalesce(s.pending, t)
		r.mu.Unlock()
		r.log.Debug("runner: cycle queued", zap.String("jorb_id", jorbID), zap.String("trigger", t.Kind))
		return Result{JorbID: jorbID, Outcome: OutcomeQueued}, nil
	}
	s := &slot{}
	r.slots[jorbID] = s
	r.mu.Unlock()

	type cycleResult struct {
		res Result
		err error
	}
	done := make(chan cycleResult, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res, err := r.drain(jorbID, s, t)
		done <- cycleResult{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		r.log.Debug("runner: caller gone, cycle continues", zap.String("jorb_id", jorbID), zap.String("trigger", t.Kind))
		return Result{JorbID: jorbID}, ctx.Err()
	}
}

// drain runs t and then every re-run queued on s, releasing the slot once
// nothing is pending. It returns the outcome of t.
func (r *Runner) drain(jorbID string, s *slot, t Trigger) (Result, error) {
	res, err := r.cycle(r.ctx, jorbID, t)
	for {
		r.mu.Lock()
		next := s.pending
		s.pending = nil
		if next == nil {
			delete(r.slots, jorbID)
			r.mu.Unlock()
			return res, err
		}
		r.mu.Unlock()
		if _, rerr := r.cycle(r.ctx, jorbID, *next); rerr != nil {
			r.log.Warn("runner: queued cycle failed", zap.String("jorb_id", jorbID), zap.String("trigger", next.Kind), zap.Error(rerr))
		}
	}
}

// coalesce keeps an approval decision over later inbound triggers; the
// inbound messages themselves are already in the log.
func coalesce(prev *Trigger, next Trigger) *Trigger {
	if prev != nil && prev.Kind == TriggerApproval && next.Kind != TriggerApproval {
		return prev
	}
	return &next
}

// Busy reports whether a cycle is in flight for jorbID.
func (r *Runner) Busy(jorbID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[jorbID]
	return ok
}

// Wait blocks until background cycles finish.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close cancels background cycles and waits for them.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) cycle(ctx context.Context, jorbID string, t Trigger) (Result, error) {
	log := r.log.With(zap.String("jorb_id", jorbID), zap.String("trigger", t.Kind))
	res := Result{JorbID: jorbID}

	j, err := r.engine.Get(ctx, jorbID)
	if err != nil {
		return res, storageErr(err)
	}
	res.Jorb = j
	if j.Status != domain.StatusRunning {
		res.Outcome = OutcomeSkipped
		res.Reason = "jorb is " + j.Status
		return res, nil
	}

	req, err := r.buildRequest(ctx, j, t)
	if err != nil {
		return res, storageErr(err)
	}

	d, ok, err := r.decide(ctx, log, j.ID, req)
	if err != nil {
		return res, err
	}
	if !ok {
		return r.pause(ctx, log, res, OutcomeInvalid, invalidDecisionReason, "resume")
	}

	var sent *engine.Outbound
	if a := d.Action; a != nil && a.Type == domain.ActionSendMessage {
		if category, gated := policy.Reason(*a, j, r.cfg.Policy); gated {
			reason := d.PauseReason
			if reason == "" {
				reason = fmt.Sprintf("approval required for %s", category)
			}
			log.Info("runner: action needs approval", zap.String("category", category))
			return r.pause(ctx, log, res, OutcomeGated, reason, category)
		}
		budget, allowed := r.limiter.Reserve(j.ID, a.Channel, r.now())
		if !allowed {
			log.Info("runner: rate limited", zap.String("channel", a.Channel))
			return r.pause(ctx, log, res, OutcomeRateLimited, fmt.Sprintf("rate limit reached for %s", a.Channel), "rate_limit")
		}
		cur, err := r.engine.Get(ctx, j.ID)
		if err != nil {
			budget.Release()
			return res, storageErr(err)
		}
		if cur.Status != domain.StatusRunning {
			budget.Release()
			res.Jorb = cur
			res.Outcome = OutcomeDiscarded
			res.Reason = "jorb is " + cur.Status
			return res, nil
		}
		rec, err := r.deliver(ctx, log, *a)
		if err != nil {
			budget.Release()
			return r.pause(ctx, log, res, OutcomeDeliveryFailed, err.Error(), "resume")
		}
		sent = &engine.Outbound{
			Channel:       a.Channel,
			Recipient:     a.Recipient,
			RecipientName: a.RecipientName,
			Content:       a.Content,
			Reasoning:     d.Reasoning,
			DeliveredAt:   rec.DeliveredAt,
		}
		res.Sent = true
	}

	out, err := r.engine.ApplyCycle(ctx, engine.CycleResult{
		JorbID:           j.ID,
		Sent:             sent,
		Awaiting:         d.Awaiting,
		Intent:           d.Intent,
		PauseReason:      d.PauseReason,
		NeedsApprovalFor: d.NeedsApprovalFor,
		Result:           d.Result,
		Reasoning:        d.Reasoning,
		ActorID:          actorID,
	})
	if err != nil {
		if errors.Is(err, engine.ErrConflict) {
			if sent != nil {
				log.Warn("runner: message delivered but jorb changed mid-cycle; not recorded", zap.Error(err))
			}
			res.Outcome = OutcomeDiscarded
			res.Reason = err.Error()
			return res, nil
		}
		return res, storageErr(err)
	}
	if domain.IsTerminal(out.Status) {
		r.limiter.Forget(j.ID)
	}
	res.Jorb = out
	res.Outcome = OutcomeApplied
	log.Info("runner: cycle applied", zap.String("intent", d.Intent), zap.String("status", out.Status), zap.Bool("sent", sent != nil))
	return res, nil
}

// decide asks the oracle, retrying with an error note. ok is false once
// the retry budget is spent. Oracle timeouts and provider failures count
// as invalid decisions.
func (r *Runner) decide(ctx context.Context, log *zap.Logger, jorbID string, req oracle.Request) (oracle.Decision, bool, error) {
	attempts := r.cfg.Runner.InvalidDecisionRetries + 1
	for i := 0; i < attempts; i++ {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.Runner.OracleTimeout)
		d, usage, err := r.oracle.Decide(cctx, req)
		cancel()
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			if uerr := r.engine.RecordOracleUsage(ctx, jorbID, engine.Usage{
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
				Cost:         usage.Cost,
			}); uerr != nil {
				return d, false, storageErr(uerr)
			}
		}
		if err == nil {
			return d, true, nil
		}
		if ctx.Err() != nil {
			return d, false, ctx.Err()
		}
		log.Warn("runner: oracle decision rejected", zap.Int("attempt", i+1), zap.Error(err))
		req.ErrorNote = fmt.Sprintf("Your previous response was rejected: %v. Reply with a single JSON object that matches the decision schema.", err)
	}
	return oracle.Decision{}, false, nil
}

func (r *Runner) deliver(ctx context.Context, log *zap.Logger, a domain.Action) (channel.Receipt, error) {
	attempts := r.cfg.Runner.DeliveryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := r.cfg.Runner.DeliveryBackoff
	var err error
	for i := 0; i < attempts; i++ {
		var rec channel.Receipt
		rec, err = r.sender.Send(ctx, a.Channel, a.Recipient, a.Content)
		if err == nil {
			if rec.DeliveredAt.IsZero() {
				rec.DeliveredAt = r.now()
			}
			return rec, nil
		}
		log.Warn("runner: delivery failed", zap.Int("attempt", i+1), zap.String("channel", a.Channel), zap.Error(err))
		if i+1 < attempts {
			if serr := r.sleep(ctx, backoff<<i); serr != nil {
				return channel.Receipt{}, err
			}
		}
	}
	return channel.Receipt{}, err
}

func (r *Runner) pause(ctx context.Context, log *zap.Logger, res Result, outcome, reason, needs string) (Result, error) {
	j, err := r.engine.Pause(ctx, res.JorbID, reason, needs, actorID)
	if err != nil {
		if errors.Is(err, engine.ErrConflict) {
			res.Outcome = OutcomeDiscarded
			res.Reason = err.Error()
			return res, nil
		}
		return res, storageErr(err)
	}
	log.Info("runner: jorb paused", zap.String("outcome", outcome), zap.String("reason", reason))
	res.Jorb = j
	res.Outcome = outcome
	res.Reason = reason
	return res, nil
}

func storageErr(err error) error {
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, engine.ErrConflict) || errors.Is(err, engine.ErrInvalid) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
