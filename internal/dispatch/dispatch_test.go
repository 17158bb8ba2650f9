package dispatch_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"jorbline/internal/clock"
	"jorbline/internal/config"
	"jorbline/internal/db"
	"jorbline/internal/debounce"
	"jorbline/internal/dispatch"
	"jorbline/internal/domain"
	"jorbline/internal/engine"
	"jorbline/internal/events"
	"jorbline/internal/migrate"
	"jorbline/internal/repo"
	"jorbline/internal/router"
	"jorbline/internal/runner"
)

type triggered struct {
	JorbID  string
	Trigger runner.Trigger
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []triggered
}

func (f *fakeRunner) Trigger(id string, t runner.Trigger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, triggered{id, t})
}

func (f *fakeRunner) Calls() []triggered {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggered(nil), f.calls...)
}

type testEnv struct {
	Ctx        context.Context
	Engine     engine.Engine
	Runner     *fakeRunner
	Dispatcher *dispatch.Dispatcher
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default())
	log := zaptest.NewLogger(t)
	fr := &fakeRunner{}
	return testEnv{
		Ctx:        context.Background(),
		Engine:     eng,
		Runner:     fr,
		Dispatcher: dispatch.New(eng, router.New(nil, log), fr, log),
	}
}

func (env testEnv) jorb(t *testing.T, name, plan string, start bool, contacts ...domain.Contact) domain.Jorb {
	t.Helper()
	j, err := env.Engine.CreateJorb(env.Ctx, engine.CreateOptions{Name: name, Plan: plan, Contacts: contacts})
	require.NoError(t, err)
	if start {
		j, err = env.Engine.Start(env.Ctx, j.ID, "tester")
		require.NoError(t, err)
	}
	return j
}

func TestBurstFromContactTriggersOneCycle(t *testing.T) {
	env := newTestEnv(t)
	hotel := env.jorb(t, "Book hotel", "Book a hotel in Lisbon", true, domain.Contact{Channel: "chat", Identifier: "@X"})
	env.jorb(t, "Find plumber", "Fix the kitchen sink", true, domain.Contact{Channel: "chat", Identifier: "@Y"})

	clk := clock.Fake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	buf := debounce.New(map[string]time.Duration{"chat": 60 * time.Second}, env.Dispatcher.Flush, debounce.WithClock(clk))
	defer buf.Stop()

	for _, body := range []string{"Hi", "checking on the hotel", "any update?"} {
		buf.OnMessage(debounce.Message{Channel: "chat", Sender: "@X", Content: body, Timestamp: clk.Now()})
		clk.Advance(5 * time.Second)
	}
	require.Empty(t, env.Runner.Calls())
	clk.Advance(60 * time.Second)

	calls := env.Runner.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, hotel.ID, calls[0].JorbID)
	require.Equal(t, 3, calls[0].Trigger.MessageCount)

	got, err := env.Engine.Get(env.Ctx, hotel.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Metrics.MessagesIn)
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, hotel.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Content, "checking on the hotel")
}

func TestHandleRoutedHighConfidence(t *testing.T) {
	env := newTestEnv(t)
	hotel := env.jorb(t, "Book hotel", "Book a hotel in Lisbon", true, domain.Contact{Channel: "sms", Identifier: "+15551234567"})

	out, err := env.Dispatcher.Handle(env.Ctx, debounce.Event{Channel: "sms", Sender: "+15551234567", Content: "We have a room", MessageCount: 1})
	require.NoError(t, err)
	require.Equal(t, dispatch.Routed, out.Result)
	require.Equal(t, router.ConfidenceHigh, out.Route.Confidence)
	require.Equal(t, hotel.ID, out.Message.JorbID)
	require.True(t, out.Triggered)
}

func TestPausedJorbRecordsWithoutTrigger(t *testing.T) {
	env := newTestEnv(t)
	j := env.jorb(t, "Book hotel", "Book a hotel in Lisbon", true, domain.Contact{Channel: "email", Identifier: "desk@hotel.pt"})
	_, err := env.Engine.Pause(env.Ctx, j.ID, "approval required for commit", "commit", "runner")
	require.NoError(t, err)

	out, err := env.Dispatcher.Handle(env.Ctx, debounce.Event{Channel: "email", Sender: "Desk@Hotel.pt", Content: "Confirming the booking", MessageCount: 1})
	require.NoError(t, err)
	require.Equal(t, dispatch.Routed, out.Result)
	require.Equal(t, router.ConfidenceMedium, out.Route.Confidence)
	require.False(t, out.Triggered)
	require.Empty(t, env.Runner.Calls())
}

func TestUnroutedEvents(t *testing.T) {
	env := newTestEnv(t)
	env.jorb(t, "Book hotel", "Book a hotel in Lisbon", true, domain.Contact{Channel: "chat", Identifier: "@X"})

	out, err := env.Dispatcher.Handle(env.Ctx, debounce.Event{Channel: "sms", Sender: "+15559990000", Content: "Can you renew my car insurance before Friday", MessageCount: 1})
	require.NoError(t, err)
	require.Equal(t, dispatch.Unrouted, out.Result)
	require.True(t, out.Route.Signals.MightBeNewJorb)

	out, err = env.Dispatcher.Handle(env.Ctx, debounce.Event{Channel: "sms", Sender: "+15559990001", Content: "You have won a gift card, click here", MessageCount: 1})
	require.NoError(t, err)
	require.Equal(t, dispatch.Dropped, out.Result)

	out, err = env.Dispatcher.Handle(env.Ctx, debounce.Event{Channel: "chat", Sender: "@Z", Content: "ok", MessageCount: 1})
	require.NoError(t, err)
	require.Equal(t, dispatch.Dropped, out.Result)

	evs, err := env.Engine.Repo.Events(env.Ctx, repo.EventFilters{Type: events.InboundUnrouted})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Contains(t, evs[0].Payload, "car insurance")
	require.Empty(t, env.Runner.Calls())
}
