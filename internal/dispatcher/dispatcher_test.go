package dispatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/marketplace-dispatch/internal/models"
	"github.com/example/marketplace-dispatch/internal/proximity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type pushRecorder struct {
	mu     sync.Mutex
	agents []string
	fail   map[string]bool
}

func (p *pushRecorder) push(agentID string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[agentID] {
		return errors.New("connection vanished")
	}
	p.agents = append(p.agents, agentID)
	return nil
}

func (p *pushRecorder) pushed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.agents...)
}

func ranked(ids ...string) []proximity.Ranked {
	out := make([]proximity.Ranked, 0, len(ids))
	for i, id := range ids {
		out = append(out, proximity.Ranked{
			AgentPresence:  models.AgentPresence{AgentID: id},
			DistanceMeters: float64(i * 100),
		})
	}
	return out
}

func newTestDispatcher(t *testing.T, cfg Config, push PushFunc) (*Dispatcher, *ManualClock) {
	t.Helper()
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	return New(cfg, clock, push, discardLogger()), clock
}

func TestExhaustsAfterExactAttempts(t *testing.T) {
	rec := &pushRecorder{}
	d, clock := newTestDispatcher(t, Config{Interval: 10 * time.Second, MaxAttempts: 3}, rec.push)

	attempts := 0
	exhausted := 0
	d.Start("req-1", func() []proximity.Ranked {
		attempts++
		return nil
	}, func(r proximity.Ranked) any { return nil }, func() { exhausted++ })

	require.Equal(t, 1, attempts, "first attempt runs immediately")

	clock.Advance(30 * time.Second)
	require.Equal(t, 3, attempts, "exactly maxAttempts selection attempts")
	require.Equal(t, 1, exhausted)
	require.False(t, d.Active("req-1"))
	require.Empty(t, rec.pushed())

	// nothing left ticking
	clock.Advance(10 * time.Minute)
	require.Equal(t, 3, attempts)
	require.Equal(t, 1, exhausted)
}

func TestCancelClearsPendingTimer(t *testing.T) {
	rec := &pushRecorder{}
	d, clock := newTestDispatcher(t, Config{Interval: 10 * time.Second, MaxAttempts: 20}, rec.push)

	attempts := 0
	d.Start("req-1", func() []proximity.Ranked {
		attempts++
		return nil
	}, func(r proximity.Ranked) any { return nil }, func() { t.Fatal("must not exhaust after cancel") })

	clock.Advance(15 * time.Second)
	require.Equal(t, 2, attempts)

	d.Cancel("req-1")
	require.False(t, d.Active("req-1"))
	require.Zero(t, clock.Pending(), "cancelled search leaves no live timer")

	clock.Advance(10 * time.Minute)
	require.Equal(t, 2, attempts, "no further attempts after cancel")
}

func TestCancelIsIdempotent(t *testing.T) {
	rec := &pushRecorder{}
	d, _ := newTestDispatcher(t, Config{}, rec.push)
	d.Start("req-1", func() []proximity.Ranked { return nil }, func(r proximity.Ranked) any { return nil }, func() {})
	d.Cancel("req-1")
	d.Cancel("req-1")
	d.Cancel("never-existed")
}

func TestPushesTopKWithStagger(t *testing.T) {
	rec := &pushRecorder{}
	d, clock := newTestDispatcher(t, Config{Interval: 10 * time.Second, Stagger: 300 * time.Millisecond, TopK: 10, MaxAttempts: 20}, rec.push)

	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("agent-%02d", i)
	}
	attempts := 0
	d.Start("req-1", func() []proximity.Ranked {
		attempts++
		return ranked(ids...)
	}, func(r proximity.Ranked) any { return r.AgentID }, func() { t.Fatal("must not exhaust") })

	require.Equal(t, []string{"agent-00"}, rec.pushed(), "first candidate pushed synchronously")

	clock.Advance(3 * time.Second)
	require.Equal(t, ids[:10], rec.pushed(), "top-K pushed in distance order")
	require.Equal(t, 1, attempts, "no retry once candidates were found")
	require.True(t, d.Active("req-1"), "search stays registered while awaiting a response")

	clock.Advance(time.Minute)
	require.Equal(t, 1, attempts)
}

func TestFailedPushSkipsCandidate(t *testing.T) {
	rec := &pushRecorder{fail: map[string]bool{"agent-00": true}}
	d, clock := newTestDispatcher(t, Config{Stagger: 100 * time.Millisecond, TopK: 3}, rec.push)

	d.Start("req-1", func() []proximity.Ranked {
		return ranked("agent-00", "agent-01", "agent-02")
	}, func(r proximity.Ranked) any { return nil }, func() {})

	clock.Advance(time.Second)
	require.Equal(t, []string{"agent-01", "agent-02"}, rec.pushed(),
		"vanished connection is skipped, remaining candidates still offered")
}

func TestCommitStopsInFlightPushes(t *testing.T) {
	rec := &pushRecorder{}
	d, clock := newTestDispatcher(t, Config{Stagger: 300 * time.Millisecond, TopK: 5}, rec.push)

	d.Start("req-1", func() []proximity.Ranked {
		return ranked("a", "b", "c", "d", "e")
	}, func(r proximity.Ranked) any { return nil }, func() {})
	require.Equal(t, []string{"a"}, rec.pushed())

	// commit signal arrives before the staggered pushes go out
	d.Cancel("req-1")
	clock.Advance(time.Minute)
	require.Equal(t, []string{"a"}, rec.pushed(), "no pushes after commit")
}

func TestDuplicateStartIsNoop(t *testing.T) {
	rec := &pushRecorder{}
	d, _ := newTestDispatcher(t, Config{}, rec.push)
	calls := 0
	sel := func() []proximity.Ranked { calls++; return nil }
	d.Start("req-1", sel, func(r proximity.Ranked) any { return nil }, func() {})
	d.Start("req-1", sel, func(r proximity.Ranked) any { return nil }, func() {})
	require.Equal(t, 1, calls)
}

func TestCandidatesFoundOnLaterAttempt(t *testing.T) {
	rec := &pushRecorder{}
	d, clock := newTestDispatcher(t, Config{Interval: 10 * time.Second, MaxAttempts: 5, TopK: 10}, rec.push)

	attempts := 0
	d.Start("req-1", func() []proximity.Ranked {
		attempts++
		if attempts < 3 {
			return nil
		}
		return ranked("late-arrival")
	}, func(r proximity.Ranked) any { return nil }, func() { t.Fatal("must not exhaust") })

	clock.Advance(30 * time.Second)
	require.Equal(t, 3, attempts)
	require.Equal(t, []string{"late-arrival"}, rec.pushed())
}
