package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"jorbline/internal/domain"
	"jorbline/internal/events"
)

const (
	IntentContinue = domain.IntentContinue
	IntentComplete = domain.IntentComplete
	IntentPause    = domain.IntentPause
	IntentCancel   = domain.IntentCancel
)

// Outbound is a message that has already been delivered.
type Outbound struct {
	Channel       string
	Recipient     string
	RecipientName string
	Content       string
	Reasoning     string
	DeliveredAt   time.Time
}

// CycleResult is everything one execution cycle wants to write.
type CycleResult struct {
	JorbID           string
	Sent             *Outbound
	Awaiting         string
	Intent           string
	PauseReason      string
	NeedsApprovalFor string
	Result           map[string]any
	Reasoning        string
	ActorID          string
}

// ApplyCycle writes a cycle's outcome atomically. The jorb must still be
// running; a jorb cancelled or paused mid-cycle yields a conflict and
// nothing is written.
func (e Engine) ApplyCycle(ctx context.Context, res CycleResult) (domain.Jorb, error) {
	if res.Intent == "" {
		res.Intent = IntentContinue
	}
	return e.mutate(ctx, res.JorbID, res.ActorID, events.JorbCycle, func(tx *sql.Tx, j *domain.Jorb) (events.EventPayload, error) {
		if j.Status != domain.StatusRunning {
			return nil, &TransitionError{ID: j.ID, Op: "apply cycle to", From: j.Status, To: intentStatus(res.Intent)}
		}
		payload := events.EventPayload{"intent": res.Intent, "reasoning": res.Reasoning}
		if res.Sent != nil {
			msg, err := e.appendOutbound(ctx, tx, j, *res.Sent)
			if err != nil {
				return nil, err
			}
			payload["message_id"] = msg.ID
			payload["channel"] = msg.Channel
			payload["recipient"] = msg.Recipient
		}
		j.Awaiting = res.Awaiting
		switch res.Intent {
		case IntentContinue:
			if err := setStatus(j, domain.StatusRunning); err != nil {
				return nil, err
			}
		case IntentComplete:
			if err := setStatus(j, domain.StatusComplete); err != nil {
				return nil, err
			}
			j.Outcome = &domain.Outcome{Result: res.Result, CompletedAt: e.stamp()}
		case IntentPause:
			if err := setStatus(j, domain.StatusPaused); err != nil {
				return nil, err
			}
			j.PausedReason = res.PauseReason
			if j.PausedReason == "" {
				j.PausedReason = defaultPauseReason
			}
			j.NeedsApprovalFor = res.NeedsApprovalFor
			if j.NeedsApprovalFor == "" {
				j.NeedsApprovalFor = "resume"
			}
			payload["reason"] = j.PausedReason
			payload["needs_approval_for"] = j.NeedsApprovalFor
		case IntentCancel:
			if err := setStatus(j, domain.StatusCancelled); err != nil {
				return nil, err
			}
			j.Outcome = &domain.Outcome{CancelReason: res.Reasoning, CompletedAt: e.stamp()}
		default:
			return nil, invalid("unknown intent %q", res.Intent)
		}
		payload["to_status"] = j.Status
		return payload, nil
	})
}

func intentStatus(intent string) string {
	switch intent {
	case IntentComplete:
		return domain.StatusComplete
	case IntentPause:
		return domain.StatusPaused
	case IntentCancel:
		return domain.StatusCancelled
	}
	return domain.StatusRunning
}

func (e Engine) appendOutbound(ctx context.Context, tx *sql.Tx, j *domain.Jorb, out Outbound) (domain.Message, error) {
	ts := out.DeliveredAt
	if ts.IsZero() {
		ts = e.now()
	}
	msg, err := e.Repo.AppendMessage(ctx, tx, domain.Message{
		ID:        uuid.NewString(),
		JorbID:    j.ID,
		Timestamp: domain.Timestamp(ts),
		Direction: domain.DirectionOutbound,
		Channel:   out.Channel,
		Recipient: out.Recipient,
		Content:   out.Content,
		Reasoning: out.Reasoning,
	})
	if err != nil {
		return msg, fmt.Errorf("append message: %w", err)
	}
	if !j.HasContact(out.Channel, out.Recipient) {
		j.Contacts = append(j.Contacts, domain.Contact{Channel: out.Channel, Identifier: out.Recipient, Name: out.RecipientName})
	}
	j.Metrics.MessagesOut++
	j.LastActivityAt = e.stamp()
	return msg, nil
}

// PauseStale pauses running jorbs with no activity for longer than idle.
// It returns the ids it paused.
func (e Engine) PauseStale(ctx context.Context, idle time.Duration, actorID string) ([]string, error) {
	if idle <= 0 {
		return nil, nil
	}
	jorbs, err := e.Repo.ListJorbsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return nil, err
	}
	cutoff := e.now().Add(-idle)
	reason := fmt.Sprintf("no activity in %d hours", int(idle.Hours()))
	var paused []string
	for _, j := range jorbs {
		last, err := domain.ParseTimestamp(j.LastActivityAt)
		if err != nil || !last.Before(cutoff) {
			continue
		}
		if _, err := e.Pause(ctx, j.ID, reason, "resume", actorID); err != nil {
			if isConflict(err) {
				continue
			}
			return paused, err
		}
		paused = append(paused, j.ID)
	}
	return paused, nil
}

// FailExpired fails open jorbs created more than maxAge ago.
func (e Engine) FailExpired(ctx context.Context, maxAge time.Duration, actorID string) ([]string, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	jorbs, err := e.Repo.ListJorbsByStatus(ctx, domain.StatusRunning, domain.StatusPaused)
	if err != nil {
		return nil, err
	}
	cutoff := e.now().Add(-maxAge)
	reason := fmt.Sprintf("exceeded maximum duration of %d days", int(maxAge.Hours()/24))
	var failed []string
	for _, j := range jorbs {
		created, err := domain.ParseTimestamp(j.CreatedAt)
		if err != nil || !created.Before(cutoff) {
			continue
		}
		if _, err := e.Fail(ctx, j.ID, reason, actorID); err != nil {
			if isConflict(err) {
				continue
			}
			return failed, err
		}
		failed = append(failed, j.ID)
	}
	return failed, nil
}
