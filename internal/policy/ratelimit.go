package policy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jorbline/internal/config"
)

// RateLimiter caps outbound messages per jorb and channel. A channel
// without a configured limit is unlimited.
type RateLimiter struct {
	limits map[string]int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(limits map[string]config.RateLimit) *RateLimiter {
	rl := &RateLimiter{limits: map[string]int{}, limiters: map[string]*rate.Limiter{}}
	for ch, l := range limits {
		if l.PerHour > 0 {
			rl.limits[ch] = l.PerHour
		}
	}
	return rl
}

func (r *RateLimiter) limiter(jorbID, channel string) *rate.Limiter {
	perHour, ok := r.limits[channel]
	if !ok {
		return nil
	}
	key := jorbID + "|" + channel
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.limiters[key]
	if l == nil {
		l = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
		r.limiters[key] = l
	}
	return l
}

// Allow consumes one send for (jorbID, channel) at now and reports
// whether it fits within the limit.
func (r *RateLimiter) Allow(jorbID, channel string, now time.Time) bool {
	_, ok := r.Reserve(jorbID, channel, now)
	return ok
}

// Reservation holds one send against a limit. Release hands it back when
// the message never went out.
type Reservation struct {
	res *rate.Reservation
	at  time.Time
}

// Release returns the send to the budget. Safe on a nil Reservation.
func (r *Reservation) Release() {
	if r == nil || r.res == nil {
		return
	}
	r.res.CancelAt(r.at)
	r.res = nil
}

// Reserve takes one send for (jorbID, channel) at now. ok is false when
// the budget is exhausted; nothing is held in that case.
func (r *RateLimiter) Reserve(jorbID, channel string, now time.Time) (*Reservation, bool) {
	l := r.limiter(jorbID, channel)
	if l == nil {
		return &Reservation{}, true
	}
	res := l.ReserveN(now, 1)
	if !res.OK() {
		return nil, false
	}
	if res.DelayFrom(now) > 0 {
		res.CancelAt(now)
		return nil, false
	}
	return &Reservation{res: res, at: now}, true
}

// Forget drops the state kept for a jorb.
func (r *RateLimiter) Forget(jorbID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.limits {
		delete(r.limiters, jorbID+"|"+ch)
	}
}
