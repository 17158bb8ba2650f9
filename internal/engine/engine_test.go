package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jorbline/internal/config"
	"jorbline/internal/db"
	"jorbline/internal/domain"
	"jorbline/internal/engine"
	"jorbline/internal/events"
	"jorbline/internal/migrate"
	"jorbline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *testClock
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clk := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = clk.Now
	return testEnv{Engine: eng, Ctx: context.Background(), clock: clk}
}

func (env testEnv) createJorb(t *testing.T, contacts ...domain.Contact) domain.Jorb {
	t.Helper()
	j, err := env.Engine.CreateJorb(env.Ctx, engine.CreateOptions{
		Name:     "Book hotel",
		Plan:     "Book a hotel in Lisbon for March 3-5 under $200/night",
		Contacts: contacts,
		ActorID:  "tester",
	})
	require.NoError(t, err)
	return j
}

func (env testEnv) runningJorb(t *testing.T, contacts ...domain.Contact) domain.Jorb {
	t.Helper()
	j := env.createJorb(t, contacts...)
	j, err := env.Engine.Start(env.Ctx, j.ID, "tester")
	require.NoError(t, err)
	return j
}

func TestCreateJorbValidates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateJorb(env.Ctx, engine.CreateOptions{Name: "x"})
	require.ErrorIs(t, err, engine.ErrInvalid)

	_, err = env.Engine.CreateJorb(env.Ctx, engine.CreateOptions{Name: "x", Plan: "y", Contacts: []domain.Contact{{Channel: "fax", Identifier: "1"}}})
	require.ErrorIs(t, err, engine.ErrInvalid)

	j := env.createJorb(t,
		domain.Contact{Channel: "SMS", Identifier: " +15551234567 "},
		domain.Contact{Channel: "sms", Identifier: "+15551234567"},
	)
	require.Equal(t, domain.StatusPlanning, j.Status)
	require.Len(t, j.Contacts, 1)
	require.Equal(t, "sms", j.Contacts[0].Channel)

	got, err := env.Engine.Get(env.Ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, j.Plan, got.Plan)
	require.Equal(t, j.Contacts, got.Contacts)
}

func TestGetUnknownJorb(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Get(env.Ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.Start(env.Ctx, "missing", "tester")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestApproveRequiresPaused(t *testing.T) {
	env := newTestEnv(t)
	j := env.runningJorb(t)

	_, err := env.Engine.Approve(env.Ctx, j.ID, "book it", "tester")
	require.ErrorIs(t, err, engine.ErrConflict)
	var te *engine.TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, domain.StatusRunning, te.From)

	got, err := env.Engine.Get(env.Ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, got.Status)
}

func TestPauseApproveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	j := env.runningJorb(t)

	j, err := env.Engine.Pause(env.Ctx, j.ID, "found a room for $180", "commit", "runner")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, j.Status)
	require.Equal(t, "commit", j.NeedsApprovalFor)

	j, err = env.Engine.Approve(env.Ctx, j.ID, "book it", "human")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, j.Status)
	require.Empty(t, j.PausedReason)
	require.Empty(t, j.NeedsApprovalFor)

	evts, err := env.Engine.Repo.Events(env.Ctx, repo.EventFilters{Type: events.JorbApproved, EntityID: j.ID})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Contains(t, evts[0].Payload, "book it")
}

func TestPauseDefaultsNeedsApproval(t *testing.T) {
	env := newTestEnv(t)
	j := env.runningJorb(t)
	j, err := env.Engine.Pause(env.Ctx, j.ID, "", "", "tester")
	require.NoError(t, err)
	require.NotEmpty(t, j.PausedReason)
	require.Equal(t, "resume", j.NeedsApprovalFor)
}

func TestTerminalJorbRejectsMutation(t *testing.T) {
	env := newTestEnv(t)
	j := env.createJorb(t)
	j, err := env.Engine.Cancel(env.Ctx, j.ID, "changed my mind", "human")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, j.Status)
	require.Equal(t, "changed my mind", j.Outcome.CancelReason)

	_, err = env.Engine.Start(env.Ctx, j.ID, "human")
	require.ErrorIs(t, err, engine.ErrTerminal)
	_, err = env.Engine.Cancel(env.Ctx, j.ID, "again", "human")
	require.ErrorIs(t, err, engine.ErrTerminal)
	_, err = env.Engine.RecordInbound(env.Ctx, engine.Inbound{JorbID: j.ID, Channel: "sms", Sender: "+1", Content: "hi"})
	require.ErrorIs(t, err, engine.ErrConflict)
	_, err = env.Engine.RecordCheckpoint(env.Ctx, engine.CheckpointInput{JorbID: j.ID, Summary: "s"})
	require.ErrorIs(t, err, engine.ErrTerminal)
}

func TestCompleteAndFailSetOutcome(t *testing.T) {
	env := newTestEnv(t)
	a := env.runningJorb(t)
	a, err := env.Engine.Complete(env.Ctx, a.ID, map[string]any{"booked": true}, "runner")
	require.NoError(t, err)
	require.Equal(t, true, a.Outcome.Result["booked"])

	b := env.runningJorb(t)
	b, err = env.Engine.Pause(env.Ctx, b.ID, "waiting", "", "runner")
	require.NoError(t, err)
	b, err = env.Engine.Fail(env.Ctx, b.ID, "hotel closed", "runner")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, b.Status)
	require.Equal(t, "hotel closed", b.Outcome.FailureReason)
	require.Empty(t, b.PausedReason)

	c := env.createJorb(t)
	_, err = env.Engine.Complete(env.Ctx, c.ID, nil, "runner")
	require.ErrorIs(t, err, engine.ErrConflict)
}

func TestRecordInboundAppendsInOrder(t *testing.T) {
	env := newTestEnv(t)
	j := env.runningJorb(t)
	for _, body := range []string{"one", "two", "three"} {
		env.clock.Advance(time.Second)
		_, err := env.Engine.RecordInbound(env.Ctx, engine.Inbound{JorbID: j.ID, Channel: "chat", Sender: "@x", Content: body, MessageCount: 1})
		require.NoError(t, err)
	}
	j, msgs, err := env.Engine.GetWithMessages(env.Ctx, j.ID, 2)
	require.NoError(t, err)
	require.EqualValues(t, 3, j.Metrics.MessagesIn)
	require.Len(t, msgs, 2)
	require.Equal(t, "two", msgs[0].Content)
	require.Equal(t, "three", msgs[1].Content)
	require.EqualValues(t, 3, msgs[1].Seq)
	require.Equal(t, domain.Timestamp(env.clock.Now()), j.LastActivityAt)
}

func TestApplyCycleContinueWithSend(t *testing.T) {
	env := newTestEnv(t)
	j := env.runningJorb(t, domain.Contact{Channel: "sms", Identifier: "+15551234567"})

	j, err := env.Engine.ApplyCycle(env.Ctx, engine.CycleResult{
		JorbID: j.ID,
		Sent: &engine.Outbound{
			Channel:   "email",
			Recipient: "desk@hotel.example",
			Content:   "Do you have rooms March 3-5?",
			Reasoning: "ask availability",
		},
		Awaiting: "hotel reply",
		Intent:   engine.IntentContinue,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, j.Status)
	require.Equal(t, "hotel reply", j.Awaiting)
	require.EqualValues(t, 1, j.Metrics.MessagesOut)
	require.True(t, j.HasContact("email", "desk@hotel.example"))

	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, j.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.DirectionOutbound, msgs[0].Direction)
	require.Equal(t, "ask availability", msgs[0].Reasoning)
}

func TestApplyCycleIntents(t *testing.T) {
	env := newTestEnv(t)

	p := env.runningJorb(t)
	p, err := env.Engine.ApplyCycle(env.Ctx, engine.CycleResult{JorbID: p.ID, Intent: engine.IntentPause, PauseReason: "need dates", NeedsApprovalFor: "dates"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, p.Status)
	require.Equal(t, "dates", p.NeedsApprovalFor)

	c := env.runningJorb(t)
	c, err = env.Engine.ApplyCycle(env.Ctx, engine.CycleResult{JorbID: c.ID, Intent: engine.IntentComplete, Result: map[string]any{"confirmation": "ABC"}})
	require.NoError(t, err)
	require.Equal(t, domain.StatusComplete, c.Status)
	require.Equal(t, "ABC", c.Outcome.Result["confirmation"])

	x := env.runningJorb(t)
	x, err = env.Engine.ApplyCycle(env.Ctx, engine.CycleResult{JorbID: x.ID, Intent: engine.IntentCancel, Reasoning: "user no longer needs it"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, x.Status)
	require.Equal(t, "user no longer needs it", x.Outcome.CancelReason)
}

func TestApplyCycleAfterCancelIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	j := env.runningJorb(t)
	_, err := env.Engine.Cancel(env.Ctx, j.ID, "stop", "human")
	require.NoError(t, err)

	_, err = env.Engine.ApplyCycle(env.Ctx, engine.CycleResult{
		JorbID: j.ID,
		Sent:   &engine.Outbound{Channel: "sms", Recipient: "+1", Content: "hello"},
		Intent: engine.IntentContinue,
	})
	require.ErrorIs(t, err, engine.ErrTerminal)

	got, err := env.Engine.Get(env.Ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, got.Status)
	require.EqualValues(t, 0, got.Metrics.MessagesOut)
	n, err := env.Engine.Repo.CountMessages(env.Ctx, j.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRecordCheckpointMovesWindow(t *testing.T) {
	env := newTestEnv(t)
	j := env.runningJorb(t)
	_, err := env.Engine.RecordInbound(env.Ctx, engine.Inbound{JorbID: j.ID, Channel: "chat", Sender: "@x", Content: "hi"})
	require.NoError(t, err)
	before, err := env.Engine.Get(env.Ctx, j.ID)
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	cp, err := env.Engine.RecordCheckpoint(env.Ctx, engine.CheckpointInput{JorbID: j.ID, Summary: "asked about hotels", ApproxTokens: 5, ThroughSeq: 1})
	require.NoError(t, err)

	got, err := env.Engine.Get(env.Ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, "asked about hotels", got.ProgressSummary)
	require.EqualValues(t, 1, got.ContextFromSeq)
	require.EqualValues(t, 1, got.Metrics.ContextResets)
	require.Equal(t, cp.Timestamp, got.LastCheckpointAt)
	require.Equal(t, before.LastActivityAt, got.LastActivityAt)

	cps, err := env.Engine.Repo.ListCheckpoints(env.Ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
}

func TestRecordOracleUsage(t *testing.T) {
	env := newTestEnv(t)
	j := env.runningJorb(t)
	require.NoError(t, env.Engine.RecordOracleUsage(env.Ctx, j.ID, engine.Usage{InputTokens: 1000, OutputTokens: 500, Cost: 0.025}))
	got, err := env.Engine.Get(env.Ctx, j.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Metrics.OracleCalls)
	require.EqualValues(t, 1500, got.Metrics.TokensUsed)
	require.InDelta(t, 0.025, got.Metrics.EstimatedCost, 1e-9)

	require.ErrorIs(t, env.Engine.RecordOracleUsage(env.Ctx, "missing", engine.Usage{}), repo.ErrNotFound)
}

func TestPauseStaleAndFailExpired(t *testing.T) {
	env := newTestEnv(t)
	old := env.runningJorb(t)
	env.clock.Advance(70 * time.Hour)
	fresh := env.runningJorb(t)
	env.clock.Advance(3 * time.Hour)

	paused, err := env.Engine.PauseStale(env.Ctx, 72*time.Hour, "system")
	require.NoError(t, err)
	require.Equal(t, []string{old.ID}, paused)
	got, err := env.Engine.Get(env.Ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, got.Status)
	require.Equal(t, "resume", got.NeedsApprovalFor)
	require.Equal(t, "no activity in 72 hours", got.PausedReason)

	env.clock.Advance(30 * 24 * time.Hour)
	failed, err := env.Engine.FailExpired(env.Ctx, 30*24*time.Hour, "system")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{old.ID, fresh.ID}, failed)
}
