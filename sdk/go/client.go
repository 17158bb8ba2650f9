package jorblinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal jorbline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

type Contact struct {
	Channel    string `json:"channel"`
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
	CompletedAt   string         `json:"completed_at,omitempty"`
}

// Jorb represents the API jorb model.
type Jorb struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	Plan             string    `json:"plan"`
	Contacts         []Contact `json:"contacts"`
	ProgressSummary  string    `json:"progress_summary,omitempty"`
	Awaiting         string    `json:"awaiting,omitempty"`
	PausedReason     string    `json:"paused_reason,omitempty"`
	NeedsApprovalFor string    `json:"needs_approval_for,omitempty"`
	Metrics          Metrics   `json:"metrics"`
	Outcome          *Outcome  `json:"outcome,omitempty"`
	LastCheckpointAt string    `json:"last_checkpoint_at,omitempty"`
	LastActivityAt   string    `json:"last_activity_at"`
	CreatedAt        string    `json:"created_at"`
	UpdatedAt        string    `json:"updated_at"`
	Messages         []Message `json:"messages,omitempty"`
}

type Message struct {
	ID         string `json:"id"`
	JorbID     string `json:"jorb_id"`
	Seq        int64  `json:"seq"`
	Timestamp  string `json:"timestamp"`
	Direction  string `json:"direction"`
	Channel    string `json:"channel"`
	Sender     string `json:"sender,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Content    string `json:"content"`
	Reasoning  string `json:"reasoning,omitempty"`
}

type MessagePage struct {
	Items  []Message `json:"items"`
	Total  int       `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

type Checkpoint struct {
	ID           string `json:"id"`
	JorbID       string `json:"jorb_id"`
	Timestamp    string `json:"timestamp"`
	Summary      string `json:"summary"`
	ApproxTokens int    `json:"approx_tokens"`
	ThroughSeq   int64  `json:"through_seq"`
}

// Approval is the result of approving a paused jorb.
type Approval struct {
	Jorb  Jorb `json:"jorb"`
	Cycle struct {
		Outcome string `json:"outcome"`
		Reason  string `json:"reason,omitempty"`
		Sent    bool   `json:"sent"`
	} `json:"cycle"`
}

type CreateJorbInput struct {
	Name             string    `json:"name"`
	Plan             string    `json:"plan"`
	Contacts         []Contact `json:"contacts,omitempty"`
	StartImmediately bool      `json:"start_immediately,omitempty"`
}

type InboundMessage struct {
	Channel    string     `json:"channel"`
	Sender     string     `json:"sender"`
	SenderName string     `json:"sender_name,omitempty"`
	Content    string     `json:"content"`
	ReplyTo    string     `json:"reply_to,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

type InboundAck struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
}

// Briefing is kept loose; the CLI renders it from the raw map.
type Briefing map[string]any

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// ListJorbs lists jorbs; status is open, closed or all.
func (c *Client) ListJorbs(ctx context.Context, status string) ([]Jorb, error) {
	endpoint := "jorbs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Jorb
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateJorb(ctx context.Context, in CreateJorbInput) (Jorb, error) {
	var resp Jorb
	err := c.do(ctx, http.MethodPost, "jorbs", in, &resp)
	return resp, err
}

// GetJorb fetches a jorb, with up to messageLimit recent messages when
// messageLimit is positive.
func (c *Client) GetJorb(ctx context.Context, id string, messageLimit int) (Jorb, error) {
	endpoint := "jorbs/" + url.PathEscape(id)
	if messageLimit > 0 {
		endpoint = fmt.Sprintf("%s?include_messages=true&message_limit=%d", endpoint, messageLimit)
	}
	var resp Jorb
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Messages(ctx context.Context, id string, limit, offset int) (MessagePage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	endpoint := "jorbs/" + url.PathEscape(id) + "/messages"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp MessagePage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Checkpoints(ctx context.Context, id string) ([]Checkpoint, error) {
	var resp []Checkpoint
	err := c.do(ctx, http.MethodGet, "jorbs/"+url.PathEscape(id)+"/checkpoints", nil, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context, id string) (Jorb, error) {
	var resp Jorb
	err := c.do(ctx, http.MethodPost, "jorbs/"+url.PathEscape(id)+"/start", nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, id, decision string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "jorbs/"+url.PathEscape(id)+"/approve", map[string]string{"decision": decision}, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (Jorb, error) {
	var resp Jorb
	err := c.do(ctx, http.MethodPost, "jorbs/"+url.PathEscape(id)+"/cancel", map[string]string{"reason": reason}, &resp)
	return resp, err
}

// Briefing returns the digest; advance marks it as seen.
func (c *Client) Briefing(ctx context.Context, advance bool) (Briefing, error) {
	endpoint := "briefing"
	if advance {
		endpoint += "?advance=true"
	}
	var resp Briefing
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) SendInbound(ctx context.Context, m InboundMessage) (InboundAck, error) {
	var resp InboundAck
	err := c.do(ctx, http.MethodPost, "inbound", m, &resp)
	return resp, err
}

func (c *Client) ContextStatus(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "context/status", nil, &resp)
	return resp, err
}

func (c *Client) Sweep(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "context/sweep", nil, &resp)
	return resp, err
}

func (c *Client) Policy(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "policy", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
