package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"jorbline/internal/debounce"
	"jorbline/internal/domain"
)

func summaries() []domain.JorbSummary {
	return []domain.JorbSummary{
		{
			ID: "hotel", Name: "Lisbon hotel", PlanSummary: "Book a hotel in Lisbon for March 3-5",
			Contacts:       []domain.Contact{{Channel: "chat", Identifier: "@X"}, {Channel: "email", Identifier: "desk@hotel.example"}},
			LastActivityAt: "2026-03-01T09:00:00.000000Z", LastOutboundID: "out-hotel",
		},
		{
			ID: "dentist", Name: "Dentist appointment", PlanSummary: "Schedule a dentist cleaning next week",
			Contacts:       []domain.Contact{{Channel: "sms", Identifier: "+15551234567"}},
			LastActivityAt: "2026-03-02T09:00:00.000000Z", LastOutboundID: "out-dentist",
		},
	}
}

func newRouter(t *testing.T, c Classifier) *Router {
	return New(c, zaptest.NewLogger(t))
}

func TestExactContactIsHighConfidence(t *testing.T) {
	r := newRouter(t, nil)
	d := r.Route(context.Background(), debounce.Event{Channel: "chat", Sender: "@X", Content: "Hi\nchecking on the hotel\nany update?", MessageCount: 3}, summaries())
	require.Equal(t, "hotel", d.JorbID)
	require.Equal(t, ConfidenceHigh, d.Confidence)
	require.False(t, d.Signals.UnknownSender)
}

func TestExactContactOnSeveralJorbsPrefersReplyThenRecency(t *testing.T) {
	open := summaries()
	open[1].Contacts = append(open[1].Contacts, domain.Contact{Channel: "chat", Identifier: "@X"})
	r := newRouter(t, nil)

	d := r.Route(context.Background(), debounce.Event{Channel: "chat", Sender: "@X", Content: "ok", ReplyTo: "out-hotel"}, open)
	require.Equal(t, "hotel", d.JorbID)
	require.Equal(t, ConfidenceHigh, d.Confidence)

	d = r.Route(context.Background(), debounce.Event{Channel: "chat", Sender: "@X", Content: "ok"}, open)
	require.Equal(t, "dentist", d.JorbID)
	require.Equal(t, ConfidenceLow, d.Confidence)
}

func TestReplyToLastOutbound(t *testing.T) {
	r := newRouter(t, nil)
	d := r.Route(context.Background(), debounce.Event{Channel: "email", Sender: "someone@else.example", Content: "Yes", ReplyTo: "out-dentist"}, summaries())
	require.Equal(t, "dentist", d.JorbID)
	require.Equal(t, ConfidenceHigh, d.Confidence)
}

func TestFuzzyIdentityIsMedium(t *testing.T) {
	r := newRouter(t, nil)
	d := r.Route(context.Background(), debounce.Event{Channel: "sms", Sender: "(555) 123-4567", Content: "Tuesday works"}, summaries())
	require.Equal(t, "dentist", d.JorbID)
	require.Equal(t, ConfidenceMedium, d.Confidence)

	d = r.Route(context.Background(), debounce.Event{Channel: "chat", Sender: "@x", Content: "hey"}, summaries())
	require.Equal(t, "hotel", d.JorbID)
	require.Equal(t, ConfidenceMedium, d.Confidence)
}

func TestContentMatch(t *testing.T) {
	r := newRouter(t, nil)
	d := r.Route(context.Background(), debounce.Event{Channel: "sms", Sender: "+19998887777", Content: "Your dentist cleaning is confirmed"}, summaries())
	require.Equal(t, "dentist", d.JorbID)
	require.Equal(t, ConfidenceMedium, d.Confidence)
	require.True(t, d.Signals.UnknownSender)

	d = r.Route(context.Background(), debounce.Event{Channel: "sms", Sender: "+19998887777", Content: "About the Lisbon hotel booking"}, summaries())
	require.Equal(t, "hotel", d.JorbID)
	require.Equal(t, ConfidenceHigh, d.Confidence)
}

func TestNullRouteSignals(t *testing.T) {
	r := newRouter(t, nil)
	d := r.Route(context.Background(), debounce.Event{Channel: "sms", Sender: "+18005550000", Content: "Congratulations, you have won! Click here"}, summaries())
	require.False(t, d.Routed())
	require.True(t, d.Signals.IsSpam)
	require.False(t, d.Signals.MightBeNewJorb)

	d = r.Route(context.Background(), debounce.Event{Channel: "chat", Sender: "@mom", Content: "Can you find me a plumber urgently, sink is leaking"}, summaries())
	require.False(t, d.Routed())
	require.True(t, d.Signals.MightBeNewJorb)
	require.True(t, d.Signals.IsUrgent)
	require.True(t, d.Signals.UnknownSender)
}

type stubClassifier struct {
	c   Classification
	err error
}

func (s stubClassifier) Classify(context.Context, debounce.Event, []domain.JorbSummary) (Classification, error) {
	return s.c, s.err
}

func TestClassifierNamingUnknownJorbIsNullRoute(t *testing.T) {
	r := newRouter(t, stubClassifier{c: Classification{JorbID: "ghost", Confidence: ConfidenceHigh}})
	d := r.Route(context.Background(), debounce.Event{Channel: "chat", Sender: "@new", Content: "hello"}, summaries())
	require.False(t, d.Routed())
}

func TestClassifierErrorFallsBackToKeywords(t *testing.T) {
	r := newRouter(t, stubClassifier{err: errors.New("oracle down")})
	d := r.Route(context.Background(), debounce.Event{Channel: "sms", Sender: "+1999", Content: "dentist cleaning moved"}, summaries())
	require.Equal(t, "dentist", d.JorbID)
}

func TestClassifierConfidenceIsClamped(t *testing.T) {
	r := newRouter(t, stubClassifier{c: Classification{JorbID: "hotel", Confidence: "certain"}})
	d := r.Route(context.Background(), debounce.Event{Channel: "chat", Sender: "@new", Content: "hello"}, summaries())
	require.Equal(t, "hotel", d.JorbID)
	require.Equal(t, ConfidenceLow, d.Confidence)
}

func TestRouteIsPure(t *testing.T) {
	r := newRouter(t, nil)
	open := summaries()
	ev := debounce.Event{Channel: "chat", Sender: "@X", Content: "x"}
	first := r.Route(context.Background(), ev, open)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, r.Route(context.Background(), ev, open))
	}
	require.Equal(t, summaries(), open)
}

func TestNormalizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"@Alice":           "alice",
		" alice ":          "alice",
		"(555) 123-4567":   "5551234567",
		"+1 555 123 4567":  "5551234567",
		"+44 20 7946 0958": "+442079460958",
		"Bob2@Example.COM": "bob2@example.com",
		"bob42":            "bob42",
		"@Bob42":           "bob42",
		"carol42":          "carol42",
		"555.123.4567":     "5551234567",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeIdentifier(in), in)
	}
}

func TestHandlesWithDigitsDoNotCollide(t *testing.T) {
	open := []domain.JorbSummary{{
		ID: "bob", Name: "Concert tickets", PlanSummary: "Buy two tickets for Friday",
		Contacts:       []domain.Contact{{Channel: "chat", Identifier: "bob42"}},
		LastActivityAt: "2026-03-01T09:00:00.000000Z",
	}}
	r := newRouter(t, nil)

	d := r.Route(context.Background(), debounce.Event{Channel: "chat", Sender: "carol42", Content: "hello there"}, open)
	require.Empty(t, d.JorbID)
	require.True(t, d.Signals.UnknownSender)

	d = r.Route(context.Background(), debounce.Event{Channel: "chat", Sender: "@Bob42", Content: "hello there"}, open)
	require.Equal(t, "bob", d.JorbID)
	require.Equal(t, ConfidenceMedium, d.Confidence)
}
