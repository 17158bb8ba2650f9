package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"jorbline/internal/config"
	"jorbline/internal/domain"
	"jorbline/internal/events"
	"jorbline/internal/repo"
)

// Engine owns every write to the task store. Each mutation is a single
// read-modify-write transaction scoped to one jorb id.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.Timestamp(e.now())
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// CreateOptions are parameters for creating a jorb.
type CreateOptions struct {
	ID       string
	Name     string
	Plan     string
	Contacts []domain.Contact
	ActorID  string
}

func (e Engine) CreateJorb(ctx context.Context, opts CreateOptions) (domain.Jorb, error) {
	name := strings.TrimSpace(opts.Name)
	plan := strings.TrimSpace(opts.Plan)
	if name == "" {
		return domain.Jorb{}, invalid("name is required")
	}
	if plan == "" {
		return domain.Jorb{}, invalid("plan is required")
	}
	contacts, err := normalizeContacts(opts.Contacts)
	if err != nil {
		return domain.Jorb{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	j := domain.Jorb{
		ID:             id,
		Name:           name,
		Status:         domain.StatusPlanning,
		Plan:           plan,
		Contacts:       contacts,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Jorb{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJorb(ctx, tx, j); err != nil {
		return domain.Jorb{}, fmt.Errorf("insert jorb: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.JorbCreated, "jorb", j.ID, opts.ActorID, events.EventPayload{
		"name":     j.Name,
		"contacts": len(j.Contacts),
	}); err != nil {
		return domain.Jorb{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Jorb{}, err
	}
	return j, nil
}

func normalizeContacts(in []domain.Contact) ([]domain.Contact, error) {
	out := make([]domain.Contact, 0, len(in))
	seen := map[string]bool{}
	for _, c := range in {
		c.Channel = strings.ToLower(strings.TrimSpace(c.Channel))
		c.Identifier = strings.TrimSpace(c.Identifier)
		c.Name = strings.TrimSpace(c.Name)
		if !domain.ValidChannel(c.Channel) {
			return nil, invalid("contact channel %q not supported", c.Channel)
		}
		if c.Identifier == "" {
			return nil, invalid("contact identifier is required")
		}
		key := c.Channel + "|" + c.Identifier
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out, nil
}

func (e Engine) Get(ctx context.Context, id string) (domain.Jorb, error) {
	return e.Repo.GetJorb(ctx, id)
}

// GetWithMessages returns the jorb and its latest messages, oldest first.
func (e Engine) GetWithMessages(ctx context.Context, id string, limit int) (domain.Jorb, []domain.Message, error) {
	j, err := e.Repo.GetJorb(ctx, id)
	if err != nil {
		return j, nil, err
	}
	msgs, err := e.Repo.RecentMessages(ctx, id, 0, limit)
	return j, msgs, err
}

// ensureJorbTransition is the whole state machine.
func ensureJorbTransition(id, from, to string) error {
	ok := false
	switch from {
	case domain.StatusPlanning:
		ok = to == domain.StatusRunning || to == domain.StatusCancelled
	case domain.StatusRunning:
		ok = to == domain.StatusRunning || to == domain.StatusPaused || to == domain.StatusComplete ||
			to == domain.StatusFailed || to == domain.StatusCancelled
	case domain.StatusPaused:
		ok = to == domain.StatusRunning || to == domain.StatusComplete || to == domain.StatusFailed ||
			to == domain.StatusCancelled
	}
	if !ok {
		return &TransitionError{ID: id, From: from, To: to}
	}
	return nil
}

// setStatus moves j to status and keeps the pause fields consistent with it.
func setStatus(j *domain.Jorb, status string) error {
	if err := ensureJorbTransition(j.ID, j.Status, status); err != nil {
		return err
	}
	j.Status = status
	if status != domain.StatusPaused {
		j.PausedReason = ""
		j.NeedsApprovalFor = ""
	}
	if domain.IsTerminal(status) {
		j.Awaiting = ""
	}
	return nil
}

type mutation func(tx *sql.Tx, j *domain.Jorb) (events.EventPayload, error)

// mutate loads, changes and stores one jorb inside a transaction and
// appends evtType to the audit log. Terminal jorbs are never changed.
func (e Engine) mutate(ctx context.Context, id, actorID, evtType string, fn mutation) (domain.Jorb, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Jorb{}, err
	}
	defer tx.Rollback()
	j, err := e.Repo.GetJorbTx(ctx, tx, id)
	if err != nil {
		return j, err
	}
	if domain.IsTerminal(j.Status) {
		return j, fmt.Errorf("jorb %s is %s: %w", id, j.Status, ErrTerminal)
	}
	payload, err := fn(tx, &j)
	if err != nil {
		return j, err
	}
	j.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateJorb(ctx, tx, j); err != nil {
		return j, fmt.Errorf("update jorb: %w", err)
	}
	if err := e.events().Append(ctx, tx, evtType, "jorb", j.ID, actorID, payload); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return j, nil
}

// Start moves a planning jorb to running.
func (e Engine) Start(ctx context.Context, id, actorID string) (domain.Jorb, error) {
	return e.mutate(ctx, id, actorID, events.JorbStarted, func(_ *sql.Tx, j *domain.Jorb) (events.EventPayload, error) {
		if j.Status != domain.StatusPlanning {
			return nil, &TransitionError{ID: j.ID, Op: "start", From: j.Status, To: domain.StatusRunning}
		}
		if err := setStatus(j, domain.StatusRunning); err != nil {
			return nil, err
		}
		j.LastActivityAt = e.stamp()
		return events.EventPayload{"from_status": domain.StatusPlanning}, nil
	})
}

const defaultPauseReason = "paused"

// Pause moves a running jorb to paused. needsApprovalFor defaults to "resume".
func (e Engine) Pause(ctx context.Context, id, reason, needsApprovalFor, actorID string) (domain.Jorb, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultPauseReason
	}
	needsApprovalFor = strings.TrimSpace(needsApprovalFor)
	if needsApprovalFor == "" {
		needsApprovalFor = "resume"
	}
	return e.mutate(ctx, id, actorID, events.JorbPaused, func(_ *sql.Tx, j *domain.Jorb) (events.EventPayload, error) {
		if j.Status != domain.StatusRunning {
			return nil, &TransitionError{ID: j.ID, Op: "pause", From: j.Status, To: domain.StatusPaused}
		}
		if err := setStatus(j, domain.StatusPaused); err != nil {
			return nil, err
		}
		j.PausedReason = reason
		j.NeedsApprovalFor = needsApprovalFor
		return events.EventPayload{"reason": reason, "needs_approval_for": needsApprovalFor}, nil
	})
}

// Approve resumes a paused jorb. The decision text goes to the audit log;
// the caller is expected to run a cycle with it right away.
func (e Engine) Approve(ctx context.Context, id, decision, actorID string) (domain.Jorb, error) {
	decision = strings.TrimSpace(decision)
	if decision == "" {
		return domain.Jorb{}, invalid("decision is required")
	}
	return e.mutate(ctx, id, actorID, events.JorbApproved, func(_ *sql.Tx, j *domain.Jorb) (events.EventPayload, error) {
		if j.Status != domain.StatusPaused {
			return nil, &TransitionError{ID: j.ID, Op: "approve", From: j.Status, To: domain.StatusRunning}
		}
		payload := events.EventPayload{
			"decision":           decision,
			"paused_reason":      j.PausedReason,
			"needs_approval_for": j.NeedsApprovalFor,
		}
		if err := setStatus(j, domain.StatusRunning); err != nil {
			return nil, err
		}
		j.LastActivityAt = e.stamp()
		return payload, nil
	})
}

func (e Engine) Complete(ctx context.Context, id string, result map[string]any, actorID string) (domain.Jorb, error) {
	return e.mutate(ctx, id, actorID, events.JorbCompleted, func(_ *sql.Tx, j *domain.Jorb) (events.EventPayload, error) {
		if err := setStatus(j, domain.StatusComplete); err != nil {
			return nil, err
		}
		j.Outcome = &domain.Outcome{Result: result, CompletedAt: e.stamp()}
		return events.EventPayload{"result": result}, nil
	})
}

func (e Engine) Fail(ctx context.Context, id, reason, actorID string) (domain.Jorb, error) {
	return e.mutate(ctx, id, actorID, events.JorbFailed, func(_ *sql.Tx, j *domain.Jorb) (events.EventPayload, error) {
		if err := setStatus(j, domain.StatusFailed); err != nil {
			return nil, err
		}
		j.Outcome = &domain.Outcome{FailureReason: reason, CompletedAt: e.stamp()}
		return events.EventPayload{"reason": reason}, nil
	})
}

// Cancel applies from any non-terminal status, regardless of an in-flight cycle.
func (e Engine) Cancel(ctx context.Context, id, reason, actorID string) (domain.Jorb, error) {
	reason = strings.TrimSpace(reason)
	return e.mutate(ctx, id, actorID, events.JorbCancelled, func(_ *sql.Tx, j *domain.Jorb) (events.EventPayload, error) {
		from := j.Status
		if err := setStatus(j, domain.StatusCancelled); err != nil {
			return nil, err
		}
		j.Outcome = &domain.Outcome{CancelReason: reason, CompletedAt: e.stamp()}
		return events.EventPayload{"reason": reason, "from_status": from}, nil
	})
}

// Inbound is a combined inbound event already routed to a jorb.
type Inbound struct {
	JorbID       string
	Channel      string
	Sender       string
	SenderName   string
	Content      string
	Timestamp    time.Time
	MessageCount int
	ActorID      string
}

// RecordInbound appends the event to the jorb's message log.
func (e Engine) RecordInbound(ctx context.Context, in Inbound) (domain.Message, error) {
	if !domain.ValidChannel(in.Channel) {
		return domain.Message{}, invalid("channel %q not supported", in.Channel)
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	var msg domain.Message
	_, err := e.mutate(ctx, in.JorbID, in.ActorID, events.MessageInbound, func(tx *sql.Tx, j *domain.Jorb) (events.EventPayload, error) {
		var err error
		msg, err = e.Repo.AppendMessage(ctx, tx, domain.Message{
			ID:         uuid.NewString(),
			JorbID:     j.ID,
			Timestamp:  domain.Timestamp(ts),
			Direction:  domain.DirectionInbound,
			Channel:    in.Channel,
			Sender:     in.Sender,
			SenderName: in.SenderName,
			Content:    in.Content,
		})
		if err != nil {
			return nil, fmt.Errorf("append message: %w", err)
		}
		j.Metrics.MessagesIn++
		j.LastActivityAt = e.stamp()
		return events.EventPayload{
			"message_id":    msg.ID,
			"seq":           msg.Seq,
			"channel":       in.Channel,
			"sender":        in.Sender,
			"message_count": in.MessageCount,
		}, nil
	})
	return msg, err
}

// Usage is the cost of one oracle call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// RecordOracleUsage adds one oracle call to the jorb's metrics. Metrics
// are counters, so this also applies to jorbs that went terminal while
// the call was in flight.
func (e Engine) RecordOracleUsage(ctx context.Context, id string, u Usage) error {
	res, err := e.DB.ExecContext(ctx, `UPDATE jorbs SET oracle_calls=oracle_calls+1, tokens_used=tokens_used+?, estimated_cost=estimated_cost+?, updated_at=? WHERE id=?`,
		u.InputTokens+u.OutputTokens, u.Cost, e.stamp(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// CheckpointInput is a handoff summary produced by the context manager.
type CheckpointInput struct {
	JorbID       string
	Summary      string
	ApproxTokens int
	ThroughSeq   int64
	ActorID      string
}

// RecordCheckpoint stores a checkpoint and moves the jorb's context window
// past ThroughSeq. It does not count as jorb activity.
func (e Engine) RecordCheckpoint(ctx context.Context, in CheckpointInput) (domain.Checkpoint, error) {
	if strings.TrimSpace(in.Summary) == "" {
		return domain.Checkpoint{}, invalid("summary is required")
	}
	now := e.stamp()
	cp := domain.Checkpoint{
		ID:           uuid.NewString(),
		JorbID:       in.JorbID,
		Timestamp:    now,
		Summary:      in.Summary,
		ApproxTokens: in.ApproxTokens,
		ThroughSeq:   in.ThroughSeq,
	}
	_, err := e.mutate(ctx, in.JorbID, in.ActorID, events.JorbCheckpoint, func(tx *sql.Tx, j *domain.Jorb) (events.EventPayload, error) {
		if err := e.Repo.InsertCheckpoint(ctx, tx, cp); err != nil {
			return nil, fmt.Errorf("insert checkpoint: %w", err)
		}
		j.ProgressSummary = in.Summary
		if in.ThroughSeq > j.ContextFromSeq {
			j.ContextFromSeq = in.ThroughSeq
		}
		j.LastCheckpointAt = now
		j.Metrics.ContextResets++
		return events.EventPayload{"checkpoint_id": cp.ID, "approx_tokens": cp.ApproxTokens, "through_seq": cp.ThroughSeq}, nil
	})
	if err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

// Unrouted is an inbound event no open jorb claimed.
type Unrouted struct {
	Channel        string
	Sender         string
	SenderName     string
	Content        string
	MessageCount   int
	Reasoning      string
	MightBeNewJorb bool
	Urgent         bool
	ActorID        string
}

// RecordUnrouted keeps an unclaimed inbound event in the audit log so the
// briefing can surface it.
func (e Engine) RecordUnrouted(ctx context.Context, u Unrouted) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.events().Append(ctx, tx, events.InboundUnrouted, "inbound", "", u.ActorID, events.EventPayload{
		"channel":           u.Channel,
		"sender":            u.Sender,
		"sender_name":       u.SenderName,
		"content":           u.Content,
		"message_count":     u.MessageCount,
		"reasoning":         u.Reasoning,
		"might_be_new_jorb": u.MightBeNewJorb,
		"urgent":            u.Urgent,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
