// Package debounce coalesces bursts of inbound messages from one sender
// on one channel into a single combined event.
//
// Pending entries live only in memory. Messages still buffered when the
// process exits are lost; callers should FlushAll on graceful shutdown.
package debounce

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"jorbline/internal/clock"
)

// Message is one raw inbound message.
type Message struct {
	Channel    string
	Sender     string
	SenderName string
	Content    string
	ReplyTo    string
	Timestamp  time.Time
}

// Event is the combined result of a drained buffer.
type Event struct {
	Channel      string
	Sender       string
	SenderName   string
	Content      string
	Timestamp    time.Time
	MessageCount int
	ReplyTo      string
}

// FlushFunc receives combined events. It is never called with the
// buffer's lock held and may be called from timer goroutines.
type FlushFunc func(Event)

type key struct {
	channel string
	sender  string
}

type entry struct {
	msgs  []Message
	timer *clock.Timer
	gen   uint64
}

type Buffer struct {
	delays map[string]time.Duration
	flush  FlushFunc
	clock  clock.Clock
	log    *zap.Logger

	mu      sync.Mutex
	entries map[key]*entry
	stopped bool
}

type Option func(*Buffer)

func WithClock(c clock.Clock) Option { return func(b *Buffer) { b.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(b *Buffer) { b.log = l } }

// New returns a Buffer using the per-channel delays. Channels missing
// from delays, or mapped to zero, are not buffered.
func New(delays map[string]time.Duration, flush FlushFunc, opts ...Option) *Buffer {
	b := &Buffer{
		delays:  map[string]time.Duration{},
		flush:   flush,
		clock:   clock.Real(),
		log:     zap.NewNop(),
		entries: map[key]*entry{},
	}
	for ch, d := range delays {
		b.delays[ch] = d
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	return b
}

// OnMessage buffers m and restarts the quiet-period timer for its
// (channel, sender) key.
func (b *Buffer) OnMessage(m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = b.clock.Now()
	}
	delay := b.delays[m.Channel]
	k := key{channel: m.Channel, sender: m.Sender}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.log.Warn("debounce: message after stop dropped", zap.String("channel", m.Channel), zap.String("sender", m.Sender))
		return
	}
	if delay <= 0 {
		b.mu.Unlock()
		b.emit(k, []Message{m})
		return
	}
	e := b.entries[k]
	if e == nil {
		e = &entry{}
		b.entries[k] = e
	}
	e.msgs = append(e.msgs, m)
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	pending := len(e.msgs)
	b.mu.Unlock()

	// Scheduled outside the lock: a fake clock may fire synchronously.
	t := b.clock.AfterFunc(delay, func() { b.fire(k, gen) })
	b.mu.Lock()
	if cur := b.entries[k]; cur == e && e.gen == gen {
		e.timer = t
	} else {
		t.Stop()
	}
	b.mu.Unlock()

	b.log.Debug("debounce: buffered",
		zap.String("channel", m.Channel),
		zap.String("sender", m.Sender),
		zap.Int("pending", pending),
		zap.Duration("delay", delay))
}

func (b *Buffer) fire(k key, gen uint64) {
	b.mu.Lock()
	e := b.entries[k]
	if e == nil || e.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.entries, k)
	b.mu.Unlock()
	b.emit(k, e.msgs)
}

func (b *Buffer) emit(k key, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	ev := combine(msgs)
	b.log.Info("debounce: flushed",
		zap.String("channel", k.channel),
		zap.String("sender", k.sender),
		zap.Int("message_count", ev.MessageCount))
	if b.flush != nil {
		b.flush(ev)
	}
}

func combine(msgs []Message) Event {
	first := msgs[0]
	ev := Event{
		Channel:      first.Channel,
		Sender:       first.Sender,
		Timestamp:    first.Timestamp,
		MessageCount: len(msgs),
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
		if ev.SenderName == "" {
			ev.SenderName = m.SenderName
		}
		if m.ReplyTo != "" {
			ev.ReplyTo = m.ReplyTo
		}
	}
	ev.Content = strings.Join(parts, "\n")
	return ev
}

// Flush drains one key immediately. It reports whether anything was pending.
func (b *Buffer) Flush(channel, sender string) bool {
	k := key{channel: channel, sender: sender}
	b.mu.Lock()
	e := b.entries[k]
	if e == nil {
		b.mu.Unlock()
		return false
	}
	delete(b.entries, k)
	if e.timer != nil {
		e.timer.Stop()
	}
	b.mu.Unlock()
	b.emit(k, e.msgs)
	return true
}

// FlushAll drains every pending key and returns how many events were emitted.
func (b *Buffer) FlushAll() int {
	b.mu.Lock()
	drained := b.entries
	b.entries = map[key]*entry{}
	for _, e := range drained {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	b.mu.Unlock()
	for k, e := range drained {
		b.emit(k, e.msgs)
	}
	return len(drained)
}

// Pending returns the number of messages waiting for (channel, sender).
func (b *Buffer) Pending(channel, sender string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e := b.entries[key{channel: channel, sender: sender}]; e != nil {
		return len(e.msgs)
	}
	return 0
}

// PendingKeys returns the number of keys with buffered messages.
func (b *Buffer) PendingKeys() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Stop cancels all timers and discards anything still buffered.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for k, e := range b.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(b.entries, k)
	}
}
