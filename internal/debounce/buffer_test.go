package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"jorbline/internal/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) flush(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestBuffer(t *testing.T) (*Buffer, *clock.FakeClock, *recorder) {
	clk := clock.Fake(epoch)
	rec := &recorder{}
	b := New(map[string]time.Duration{
		"chat":  60 * time.Second,
		"sms":   30 * time.Second,
		"email": 0,
	}, rec.flush, WithClock(clk), WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(b.Stop)
	return b, clk, rec
}

func TestCoalescesBurstIntoOneEvent(t *testing.T) {
	b, clk, rec := newTestBuffer(t)

	for i, body := range []string{"Hi", "checking on the hotel", "any update?"} {
		if i > 0 {
			clk.Advance(5 * time.Second)
		}
		b.OnMessage(Message{Channel: "chat", Sender: "@X", Content: body, Timestamp: clk.Now()})
	}
	require.Equal(t, 3, b.Pending("chat", "@X"))
	require.Empty(t, rec.all())

	clk.Advance(59 * time.Second)
	require.Empty(t, rec.all())
	clk.Advance(time.Second)

	evs := rec.all()
	require.Len(t, evs, 1)
	require.Equal(t, 3, evs[0].MessageCount)
	require.Equal(t, "Hi\nchecking on the hotel\nany update?", evs[0].Content)
	require.Equal(t, epoch, evs[0].Timestamp)
	require.Zero(t, b.Pending("chat", "@X"))
}

func TestEachMessageExtendsWindow(t *testing.T) {
	b, clk, rec := newTestBuffer(t)
	b.OnMessage(Message{Channel: "sms", Sender: "+1555", Content: "a"})
	clk.Advance(29 * time.Second)
	b.OnMessage(Message{Channel: "sms", Sender: "+1555", Content: "b"})
	clk.Advance(29 * time.Second)
	require.Empty(t, rec.all())
	clk.Advance(time.Second)
	require.Len(t, rec.all(), 1)
	require.Equal(t, 2, rec.all()[0].MessageCount)
}

func TestSendersAreIsolated(t *testing.T) {
	b, clk, rec := newTestBuffer(t)
	b.OnMessage(Message{Channel: "chat", Sender: "@A", Content: "a1"})
	clk.Advance(10 * time.Second)
	b.OnMessage(Message{Channel: "chat", Sender: "@B", Content: "b1"})
	clk.Advance(10 * time.Second)
	b.OnMessage(Message{Channel: "chat", Sender: "@B", Content: "b2"})

	// A's timer was set at t=0 and is not pushed back by B.
	clk.Advance(40 * time.Second)
	evs := rec.all()
	require.Len(t, evs, 1)
	require.Equal(t, "@A", evs[0].Sender)
	require.Equal(t, "a1", evs[0].Content)

	clk.Advance(20 * time.Second)
	evs = rec.all()
	require.Len(t, evs, 2)
	require.Equal(t, "@B", evs[1].Sender)
	require.Equal(t, "b1\nb2", evs[1].Content)
}

func TestSameSenderDifferentChannelsAreIsolated(t *testing.T) {
	b, clk, rec := newTestBuffer(t)
	b.OnMessage(Message{Channel: "chat", Sender: "x", Content: "chat"})
	b.OnMessage(Message{Channel: "sms", Sender: "x", Content: "sms"})
	clk.Advance(30 * time.Second)
	require.Len(t, rec.all(), 1)
	require.Equal(t, "sms", rec.all()[0].Channel)
}

func TestZeroDelayFlushesImmediately(t *testing.T) {
	b, _, rec := newTestBuffer(t)
	b.OnMessage(Message{Channel: "email", Sender: "a@b.c", Content: "hello"})
	evs := rec.all()
	require.Len(t, evs, 1)
	require.Equal(t, 1, evs[0].MessageCount)
	require.Zero(t, b.PendingKeys())
}

func TestSenderNameAndReplyTo(t *testing.T) {
	b, _, rec := newTestBuffer(t)
	b.OnMessage(Message{Channel: "chat", Sender: "@X", Content: "1", ReplyTo: "m1"})
	b.OnMessage(Message{Channel: "chat", Sender: "@X", Content: "2", SenderName: "Xavier"})
	require.True(t, b.Flush("chat", "@X"))
	require.False(t, b.Flush("chat", "@X"))
	ev := rec.all()[0]
	require.Equal(t, "Xavier", ev.SenderName)
	require.Equal(t, "m1", ev.ReplyTo)
}

func TestFlushAllDrainsEverything(t *testing.T) {
	b, clk, rec := newTestBuffer(t)
	b.OnMessage(Message{Channel: "chat", Sender: "@A", Content: "a"})
	b.OnMessage(Message{Channel: "sms", Sender: "+1", Content: "b"})
	require.Equal(t, 2, b.FlushAll())
	require.Len(t, rec.all(), 2)

	clk.Advance(time.Hour)
	require.Len(t, rec.all(), 2)
	require.Zero(t, clk.PendingCount())
}

func TestStopDiscardsPending(t *testing.T) {
	b, clk, rec := newTestBuffer(t)
	b.OnMessage(Message{Channel: "chat", Sender: "@A", Content: "a"})
	b.Stop()
	clk.Advance(time.Hour)
	b.OnMessage(Message{Channel: "chat", Sender: "@A", Content: "late"})
	require.Empty(t, rec.all())
	require.Zero(t, b.PendingKeys())
}

func TestRealClockFires(t *testing.T) {
	done := make(chan Event, 1)
	b := New(map[string]time.Duration{"chat": 50 * time.Millisecond}, func(ev Event) { done <- ev })
	defer b.Stop()
	b.OnMessage(Message{Channel: "chat", Sender: "@A", Content: "x"})
	b.OnMessage(Message{Channel: "chat", Sender: "@A", Content: "y"})
	select {
	case ev := <-done:
		require.Equal(t, 2, ev.MessageCount)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}
