package server

import (
	"time"

	"jorbline/internal/briefing"
	"jorbline/internal/config"
	"jorbline/internal/debounce"
	"jorbline/internal/domain"
	"jorbline/internal/ralph"
	"jorbline/internal/runner"
)

// Request payloads

type CreateJorbRequest struct {
	Name             string           `json:"name" minLength:"1"`
	Plan             string           `json:"plan" minLength:"1"`
	Contacts         []domain.Contact `json:"contacts,omitempty"`
	StartImmediately bool             `json:"start_immediately,omitempty"`
}

type ApproveRequest struct {
	Decision string `json:"decision" minLength:"1" doc:"The human's decision, handed to the agent as context"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type InboundRequest struct {
	Channel    string     `json:"channel" enum:"chat,sms,email"`
	Sender     string     `json:"sender" minLength:"1"`
	SenderName string     `json:"sender_name,omitempty"`
	Content    string     `json:"content" minLength:"1"`
	ReplyTo    string     `json:"reply_to,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

func (r InboundRequest) message() debounce.Message {
	m := debounce.Message{
		Channel:    r.Channel,
		Sender:     r.Sender,
		SenderName: r.SenderName,
		Content:    r.Content,
		ReplyTo:    r.ReplyTo,
	}
	if r.Timestamp != nil {
		m.Timestamp = r.Timestamp.UTC()
	}
	return m
}

// Response payloads

type JorbResponse struct {
	domain.Jorb
	Messages []domain.Message `json:"messages,omitempty"`
}

type MessagesResponse struct {
	Items  []domain.Message `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type CheckpointResponse struct {
	domain.Checkpoint
}

type CycleResponse struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	Sent    bool   `json:"sent"`
}

type ApproveResponse struct {
	Jorb  JorbResponse  `json:"jorb"`
	Cycle CycleResponse `json:"cycle"`
}

type BriefingResponse struct {
	briefing.Briefing
	Empty bool `json:"empty"`
}

type InboundResponse struct {
	Status  string `json:"status" example:"accepted"`
	Pending int    `json:"pending" doc:"Messages still buffered for this sender"`
}

type ContextStatusResponse struct {
	ralph.Status
}

type SweepResponse struct {
	ralph.Report
}

type PolicyResponse struct {
	Policy   config.Policy     `json:"policy"`
	Debounce map[string]string `json:"debounce"`
}

func mapJorbs(items []domain.Jorb) []JorbResponse {
	out := make([]JorbResponse, 0, len(items))
	for _, j := range items {
		out = append(out, JorbResponse{Jorb: j})
	}
	return out
}

func cycleResponse(res runner.Result) CycleResponse {
	return CycleResponse{
		Outcome: res.Outcome,
		Reason:  res.Reason,
		Sent:    res.Sent,
	}
}

func policyResponse(cfg *config.Config) PolicyResponse {
	out := PolicyResponse{Debounce: map[string]string{}}
	if cfg == nil {
		return out
	}
	out.Policy = cfg.Policy
	for _, ch := range domain.Channels {
		out.Debounce[ch] = cfg.DebounceFor(ch).String()
	}
	return out
}
