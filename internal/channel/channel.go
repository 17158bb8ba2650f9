// Package channel delivers outbound messages on chat, SMS and email.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Receipt confirms a delivery. Nothing beyond the delivery time is assumed.
type Receipt struct {
	DeliveredAt time.Time
}

// Sender delivers one message on one channel.
type Sender interface {
	Send(ctx context.Context, recipient, content string) (Receipt, error)
}

type DeliveryError struct {
	Channel   string
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s message to %s: %v", e.Channel, e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Registry maps channel names to senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: map[string]Sender{}}
}

func (r *Registry) Register(channel string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = s
}

func (r *Registry) Get(channel string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[channel]
	return s, ok
}

// Send delivers through the channel's sender. Every failure, including
// an unknown channel, comes back as a *DeliveryError.
func (r *Registry) Send(ctx context.Context, channel, recipient, content string) (Receipt, error) {
	s, ok := r.Get(channel)
	if !ok {
		return Receipt{}, &DeliveryError{Channel: channel, Recipient: recipient, Err: fmt.Errorf("no sender for channel %q", channel)}
	}
	rec, err := s.Send(ctx, recipient, content)
	if err != nil {
		if _, ok := err.(*DeliveryError); ok {
			return Receipt{}, err
		}
		return Receipt{}, &DeliveryError{Channel: channel, Recipient: recipient, Err: err}
	}
	return rec, nil
}
