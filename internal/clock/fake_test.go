package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(10*time.Second, func() { fired++ })

	c.Advance(9 * time.Second)
	require.Equal(t, 0, fired)
	c.Advance(time.Second)
	require.Equal(t, 1, fired)
	c.Advance(time.Hour)
	require.Equal(t, 1, fired)
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, tm.Stop())
	require.False(t, tm.Stop())
	c.Advance(2 * time.Second)
	require.False(t, fired)
	require.Equal(t, 0, c.PendingCount())
}

func TestFakeTickerDropsWhenFull(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Minute)
	defer tk.Stop()

	c.Advance(3 * time.Minute)
	got := <-tk.C
	require.Equal(t, epoch.Add(3*time.Minute), got)
	select {
	case <-tk.C:
		t.Fatal("expected dropped ticks")
	default:
	}
}

func TestFakeAfterZero(t *testing.T) {
	c := Fake(epoch)
	require.Equal(t, epoch, <-c.After(0))
}
