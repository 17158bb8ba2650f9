package policy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jorbline/internal/config"
	"jorbline/internal/domain"
)

func defaultPolicy() config.Policy {
	return config.Default().Policy
}

func TestRequiresApprovalRules(t *testing.T) {
	p := defaultPolicy()
	p.RequireApprovalFor = []string{"purchase", "share_info"}
	jorb := domain.Jorb{Contacts: []domain.Contact{{Channel: "sms", Identifier: "+1555"}}}

	cases := []struct {
		name   string
		action domain.Action
		want   bool
	}{
		{"plain message", domain.Action{Type: "send_message", Channel: "sms", Recipient: "+1555"}, false},
		{"configured category", domain.Action{Category: "purchase"}, true},
		{"case insensitive", domain.Action{Category: "Share_Info"}, true},
		{"commit always", domain.Action{Category: "commit"}, true},
		{"cancel always", domain.Action{Category: "cancel", EstimatedCost: 0}, true},
		{"at ceiling", domain.Action{EstimatedCost: 100}, false},
		{"over ceiling", domain.Action{EstimatedCost: 100.01}, true},
		{"other category", domain.Action{Category: "lookup", EstimatedCost: 5}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, RequiresApproval(tc.action, jorb, p), tc.name)
	}
}

func TestReasonNamesCategory(t *testing.T) {
	p := defaultPolicy()
	cat, ok := Reason(domain.Action{Category: "commit"}, domain.Jorb{}, p)
	require.True(t, ok)
	require.Equal(t, "commit", cat)

	cat, ok = Reason(domain.Action{EstimatedCost: 500}, domain.Jorb{}, p)
	require.True(t, ok)
	require.Equal(t, "spend", cat)
}

func TestNewContactRule(t *testing.T) {
	p := defaultPolicy()
	jorb := domain.Jorb{Contacts: []domain.Contact{{Channel: "sms", Identifier: "+1555"}}}
	stranger := domain.Action{Type: "send_message", Channel: "sms", Recipient: "+1999", Content: "hi"}
	require.False(t, RequiresApproval(stranger, jorb, p))
	p.RequireApprovalForNewContacts = true
	require.True(t, RequiresApproval(stranger, jorb, p))
	known := stranger
	known.Recipient = "+1555"
	require.False(t, RequiresApproval(known, jorb, p))
}

func TestRequiresApprovalIsDeterministic(t *testing.T) {
	p := defaultPolicy()
	actions := []domain.Action{
		{Category: "commit"}, {EstimatedCost: 250}, {Category: "lookup"}, {Category: "purchase", EstimatedCost: 1},
		{Type: "send_message", Channel: "chat", Recipient: "@x", Content: "y"},
	}
	want := make([]bool, len(actions))
	for i, a := range actions {
		want[i] = RequiresApproval(a, domain.Jorb{}, p)
	}
	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 200; n++ {
		i := rng.Intn(len(actions))
		require.Equal(t, want[i], RequiresApproval(actions[i], domain.Jorb{}, p))
	}
}

func TestRateLimiterPerJorbAndChannel(t *testing.T) {
	rl := NewRateLimiter(map[string]config.RateLimit{"sms": {PerHour: 2}})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, rl.Allow("a", "sms", now))
	require.True(t, rl.Allow("a", "sms", now))
	require.False(t, rl.Allow("a", "sms", now))

	require.True(t, rl.Allow("b", "sms", now))
	require.True(t, rl.Allow("a", "email", now))

	require.True(t, rl.Allow("a", "sms", now.Add(31*time.Minute)))

	rl.Forget("a")
	require.True(t, rl.Allow("a", "sms", now))
}

func TestReservationReleaseRestoresBudget(t *testing.T) {
	rl := NewRateLimiter(map[string]config.RateLimit{"sms": {PerHour: 1}})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	res, ok := rl.Reserve("a", "sms", now)
	require.True(t, ok)
	_, ok = rl.Reserve("a", "sms", now)
	require.False(t, ok)

	res.Release()
	res.Release()
	kept, ok := rl.Reserve("a", "sms", now)
	require.True(t, ok)
	require.NotNil(t, kept)
	require.False(t, rl.Allow("a", "sms", now))

	unlimited, ok := rl.Reserve("a", "chat", now)
	require.True(t, ok)
	unlimited.Release()
}
