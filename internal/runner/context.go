package runner

import (
	"context"

	"jorbline/internal/domain"
	"jorbline/internal/oracle"
)

// buildRequest assembles the oracle's view of a jorb: plan, the latest
// checkpoint summary and the message tail after that checkpoint, bounded
// by the configured window.
func (r *Runner) buildRequest(ctx context.Context, j domain.Jorb, t Trigger) (oracle.Request, error) {
	window := r.cfg.Context.WindowMessages
	if window <= 0 {
		window = 20
	}
	msgs, err := r.engine.Repo.RecentMessages(ctx, j.ID, j.ContextFromSeq, window)
	if err != nil {
		return oracle.Request{}, err
	}
	maxSeq, err := r.engine.Repo.MaxSeq(ctx, j.ID)
	if err != nil {
		return oracle.Request{}, err
	}
	msgs = trimToChars(msgs, r.cfg.Context.WindowChars)
	omitted := int(maxSeq-j.ContextFromSeq) - len(msgs)
	if omitted < 0 {
		omitted = 0
	}
	return oracle.Request{
		JorbName:        j.Name,
		Plan:            j.Plan,
		ProgressSummary: j.ProgressSummary,
		Contacts:        j.Contacts,
		Awaiting:        j.Awaiting,
		RecentMessages:  oracle.FromMessages(msgs),
		OmittedMessages: omitted,
		TriggeringEvent: oracle.TriggerInfo{
			Kind:         t.Kind,
			Channel:      t.Channel,
			Sender:       t.Sender,
			SenderName:   t.SenderName,
			Content:      t.Content,
			MessageCount: t.MessageCount,
			Decision:     t.Decision,
		},
		Policy: oracle.PolicyView{
			MaxSpendWithoutApproval:       r.cfg.Policy.MaxSpendWithoutApproval,
			RequireApprovalFor:            r.cfg.Policy.RequireApprovalFor,
			RequireApprovalForNewContacts: r.cfg.Policy.RequireApprovalForNewContacts,
		},
	}, nil
}

// trimToChars drops the oldest messages until the content fits in limit.
// The newest message is always kept.
func trimToChars(msgs []domain.Message, limit int) []domain.Message {
	if limit <= 0 {
		return msgs
	}
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		total += len(msgs[i].Content)
		if total > limit && i < len(msgs)-1 {
			return msgs[i+1:]
		}
	}
	return msgs
}
