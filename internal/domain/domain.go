package domain

import "time"

const (
	StatusPlanning  = "planning"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const (
	ChannelChat  = "chat"
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Channels lists every supported messaging channel.
var Channels = []string{ChannelChat, ChannelSMS, ChannelEmail}

// ValidChannel reports whether c names a supported channel.
func ValidChannel(c string) bool {
	for _, ch := range Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusComplete || status == StatusFailed || status == StatusCancelled
}

type Contact struct {
	Channel    string `json:"channel" enum:"chat,sms,email"`
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
}

type Metrics struct {
	MessagesIn    int64   `json:"messages_in"`
	MessagesOut   int64   `json:"messages_out"`
	OracleCalls   int64   `json:"oracle_calls"`
	TokensUsed    int64   `json:"tokens_used"`
	EstimatedCost float64 `json:"estimated_cost"`
	ContextResets int64   `json:"context_resets"`
}

type Outcome struct {
	Result        map[string]any `json:"result,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CancelReason  string         `json:"cancel_reason,omitempty"`
	CompletedAt   string         `json:"completed_at,omitempty" format:"date-time"`
}

type Jorb struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Status           string    `json:"status" enum:"planning,running,paused,complete,failed,cancelled"`
	Plan             string    `json:"plan"`
	Contacts         []Contact `json:"contacts"`
	ProgressSummary  string    `json:"progress_summary,omitempty"`
	Awaiting         string    `json:"awaiting,omitempty"`
	PausedReason     string    `json:"paused_reason,omitempty"`
	NeedsApprovalFor string    `json:"needs_approval_for,omitempty"`
	Metrics          Metrics   `json:"metrics"`
	Outcome          *Outcome  `json:"outcome,omitempty"`
	ContextFromSeq   int64     `json:"context_from_seq"`
	LastCheckpointAt string    `json:"last_checkpoint_at,omitempty" format:"date-time"`
	LastActivityAt   string    `json:"last_activity_at" format:"date-time"`
	CreatedAt        string    `json:"created_at" format:"date-time"`
	UpdatedAt        string    `json:"updated_at" format:"date-time"`
}

// HasContact reports whether the jorb may talk to identifier on channel.
func (j Jorb) HasContact(channel, identifier string) bool {
	for _, c := range j.Contacts {
		if c.Channel == channel && c.Identifier == identifier {
			return true
		}
	}
	return false
}

type Message struct {
	ID         string `json:"id"`
	JorbID     string `json:"jorb_id"`
	Seq        int64  `json:"seq"`
	Timestamp  string `json:"timestamp" format:"date-time"`
	Direction  string `json:"direction" enum:"inbound,outbound"`
	Channel    string `json:"channel" enum:"chat,sms,email"`
	Sender     string `json:"sender,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Content    string `json:"content"`
	Reasoning  string `json:"reasoning,omitempty"`
}

type Checkpoint struct {
	ID           string `json:"id"`
	JorbID       string `json:"jorb_id"`
	Timestamp    string `json:"timestamp" format:"date-time"`
	Summary      string `json:"summary"`
	ApproxTokens int    `json:"approx_tokens"`
	ThroughSeq   int64  `json:"through_seq"`
}

// JorbSummary is the lightweight view handed to the router.
type JorbSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	PlanSummary    string    `json:"plan_summary"`
	Contacts       []Contact `json:"contacts"`
	Awaiting       string    `json:"awaiting,omitempty"`
	LastActivityAt string    `json:"last_activity_at"`
	LastOutboundID string    `json:"last_outbound_id,omitempty"`
}

// Action is a side effect proposed by the reasoning oracle.
type Action struct {
	Type          string  `json:"type"`
	Channel       string  `json:"channel,omitempty"`
	Recipient     string  `json:"recipient,omitempty"`
	RecipientName string  `json:"recipientName,omitempty"`
	Content       string  `json:"content,omitempty"`
	Category      string  `json:"category,omitempty"`
	EstimatedCost float64 `json:"estimatedCost,omitempty"`
}

const (
	ActionSendMessage = "send_message"
	ActionNoop        = "no_action"
)

// Intents an oracle decision may declare.
const (
	IntentContinue = "continue"
	IntentComplete = "complete"
	IntentPause    = "pause"
	IntentCancel   = "cancel"
)

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp formats t in UTC for storage.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTimestamp accepts stored timestamps and plain RFC3339 input.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
