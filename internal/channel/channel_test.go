package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWebhookSenderPostsJSON(t *testing.T) {
	var got webhookMessage
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret = r.Header.Get("X-Jorbline-Secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"delivered_at":"2026-03-01T10:00:00Z"}`))
	}))
	defer srv.Close()

	s := NewWebhookSender("sms", srv.URL, "s3cret", time.Second, zaptest.NewLogger(t))
	rec, err := s.Send(context.Background(), "+15551234567", "hello")
	require.NoError(t, err)
	require.Equal(t, "sms", got.Channel)
	require.Equal(t, "+15551234567", got.Recipient)
	require.Equal(t, "hello", got.Content)
	require.Equal(t, "s3cret", secret)
	require.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), rec.DeliveredAt.UTC())
}

func TestWebhookSenderFailureIsDeliveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "carrier down", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender("sms", srv.URL, "", time.Second, nil)
	_, err := s.Send(context.Background(), "+1", "x")
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	require.Contains(t, err.Error(), "502")
}

type failing struct{}

func (failing) Send(context.Context, string, string) (Receipt, error) {
	return Receipt{}, errors.New("nope")
}

func TestRegistryWrapsErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("chat", failing{})
	r.Register("email", LogSender{Channel: "email", Log: zaptest.NewLogger(t)})

	_, err := r.Send(context.Background(), "chat", "@x", "hi")
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	require.Equal(t, "chat", de.Channel)

	_, err = r.Send(context.Background(), "sms", "+1", "hi")
	require.True(t, errors.As(err, &de))

	rec, err := r.Send(context.Background(), "email", "a@b.c", "hi")
	require.NoError(t, err)
	require.False(t, rec.DeliveredAt.IsZero())
}
