// Package dispatch carries a combined inbound event from the buffer to
// the jorb it belongs to.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"jorbline/internal/debounce"
	"jorbline/internal/domain"
	"jorbline/internal/engine"
	"jorbline/internal/router"
	"jorbline/internal/runner"
)

const actorID = "switchboard"

// What happened to an event.
const (
	Routed   = "routed"
	Unrouted = "unrouted"
	Dropped  = "dropped"
)

// Triggerer starts a cycle in the background; *runner.Runner satisfies it.
type Triggerer interface {
	Trigger(jorbID string, t runner.Trigger)
}

type Outcome struct {
	Result    string
	Route     router.Decision
	Message   *domain.Message
	Triggered bool
}

type Dispatcher struct {
	engine  engine.Engine
	router  *router.Router
	runner  Triggerer
	log     *zap.Logger
	timeout time.Duration
}

func New(eng engine.Engine, r *router.Router, t Triggerer, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{engine: eng, router: r, runner: t, log: log, timeout: 2 * time.Minute}
}

// Flush is a debounce.FlushFunc.
func (d *Dispatcher) Flush(ev debounce.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if _, err := d.Handle(ctx, ev); err != nil {
		d.log.Error("dispatch: inbound event lost", zap.String("channel", ev.Channel), zap.String("sender", ev.Sender), zap.Error(err))
	}
}

// Handle routes ev, records it on the chosen jorb and triggers a cycle
// when that jorb is running. Null routes that look like new work or are
// urgent are kept for the briefing; the rest are dropped.
func (d *Dispatcher) Handle(ctx context.Context, ev debounce.Event) (Outcome, error) {
	open, err := d.engine.Repo.OpenJorbSummaries(ctx)
	if err != nil {
		return Outcome{}, err
	}
	route := d.router.Route(ctx, ev, open)
	out := Outcome{Route: route}
	if !route.Routed() {
		return d.unrouted(ctx, ev, route)
	}

	msg, err := d.engine.RecordInbound(ctx, engine.Inbound{
		JorbID:       route.JorbID,
		Channel:      ev.Channel,
		Sender:       ev.Sender,
		SenderName:   ev.SenderName,
		Content:      ev.Content,
		Timestamp:    ev.Timestamp,
		MessageCount: ev.MessageCount,
		ActorID:      actorID,
	})
	if errors.Is(err, engine.ErrTerminal) {
		d.log.Info("dispatch: jorb closed before the event was recorded", zap.String("jorb_id", route.JorbID))
		route.JorbID = ""
		route.Reasoning = "jorb closed while routing: " + route.Reasoning
		return d.unrouted(ctx, ev, route)
	}
	if err != nil {
		return out, err
	}
	out.Result = Routed
	out.Message = &msg

	j, err := d.engine.Get(ctx, route.JorbID)
	if err != nil {
		return out, err
	}
	if j.Status == domain.StatusRunning {
		d.runner.Trigger(j.ID, runner.Trigger{
			Kind:         runner.TriggerInbound,
			Channel:      ev.Channel,
			Sender:       ev.Sender,
			SenderName:   ev.SenderName,
			Content:      ev.Content,
			MessageCount: ev.MessageCount,
		})
		out.Triggered = true
	}
	return out, nil
}

func (d *Dispatcher) unrouted(ctx context.Context, ev debounce.Event, route router.Decision) (Outcome, error) {
	out := Outcome{Route: route, Result: Dropped}
	s := route.Signals
	if s.IsSpam || !(s.MightBeNewJorb || s.IsUrgent) {
		d.log.Info("dispatch: inbound dropped", zap.String("channel", ev.Channel), zap.String("sender", ev.Sender), zap.Bool("spam", s.IsSpam))
		return out, nil
	}
	if err := d.engine.RecordUnrouted(ctx, engine.Unrouted{
		Channel:        ev.Channel,
		Sender:         ev.Sender,
		SenderName:     ev.SenderName,
		Content:        ev.Content,
		MessageCount:   ev.MessageCount,
		Reasoning:      route.Reasoning,
		MightBeNewJorb: s.MightBeNewJorb,
		Urgent:         s.IsUrgent,
		ActorID:        actorID,
	}); err != nil {
		return out, err
	}
	out.Result = Unrouted
	return out, nil
}
