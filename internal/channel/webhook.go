package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookSender posts each message as JSON to a relay that owns the
// provider-specific transport.
type WebhookSender struct {
	Channel string
	URL     string
	Secret  string
	Client  *http.Client
	Log     *zap.Logger
	Now     func() time.Time
}

func NewWebhookSender(channel, url, secret string, timeout time.Duration, log *zap.Logger) *WebhookSender {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookSender{
		Channel: channel,
		URL:     url,
		Secret:  secret,
		Client:  &http.Client{Timeout: timeout},
		Log:     log,
		Now:     time.Now,
	}
}

type webhookMessage struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	SentAt    string `json:"sent_at"`
}

type webhookReply struct {
	DeliveredAt time.Time `json:"delivered_at"`
}

func (w *WebhookSender) Send(ctx context.Context, recipient, content string) (Receipt, error) {
	now := w.Now()
	data, err := json.Marshal(webhookMessage{Channel: w.Channel, Recipient: recipient, Content: content, SentAt: now.UTC().Format(time.RFC3339)})
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return Receipt{}, &DeliveryError{Channel: w.Channel, Recipient: recipient, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jorbline-Channel", w.Channel)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Jorbline-Secret", w.Secret)
	}
	res, err := w.Client.Do(req)
	if err != nil {
		return Receipt{}, &DeliveryError{Channel: w.Channel, Recipient: recipient, Err: err}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Receipt{}, &DeliveryError{Channel: w.Channel, Recipient: recipient,
			Err: fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))}
	}
	rec := Receipt{DeliveredAt: now}
	var reply webhookReply
	if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &reply) == nil && !reply.DeliveredAt.IsZero() {
		rec.DeliveredAt = reply.DeliveredAt
	}
	w.Log.Debug("channel: webhook delivered", zap.String("channel", w.Channel), zap.String("recipient", recipient))
	return rec, nil
}
