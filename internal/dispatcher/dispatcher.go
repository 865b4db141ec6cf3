package dispatcher

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/marketplace-dispatch/internal/observability"
	"github.com/example/marketplace-dispatch/internal/proximity"
)

// Selector produces the current ranked candidate list for one search
// attempt. The two wired strategies are radius-filtered (trips) and
// full-fleet broadcast (delivery bidding).
type Selector func() []proximity.Ranked

// PushFunc delivers one opportunity to one agent. A failed push is a
// transient condition: logged, skipped, never fatal to the search.
type PushFunc func(agentID string, payload any) error

type Config struct {
	Interval    time.Duration // wait between empty attempts
	Stagger     time.Duration // delay between successive candidate pushes
	MaxAttempts int
	TopK        int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Stagger <= 0 {
		c.Stagger = 300 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 20
	}
	if c.TopK <= 0 {
		c.TopK = 10
	}
}

type phase int

const (
	phaseSearching phase = iota
	phaseAwaiting
)

type search struct {
	requestID   string
	sel         Selector
	payloadFor  func(proximity.Ranked) any
	onExhausted func()

	attempts   int
	cancelled  bool
	phase      phase
	timer      Timer
	pushTimers []Timer
	startedAt  time.Time
}

// Dispatcher runs one bounded, retrying candidate search per active
// request and pushes opportunities over the fabric. All searches
// multiplex independent timers; there is no per-search goroutine.
type Dispatcher struct {
	mu       sync.Mutex
	searches map[string]*search

	cfg    Config
	clock  Clock
	push   PushFunc
	logger *slog.Logger
}

func New(cfg Config, clock Clock, push PushFunc, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	if clock == nil {
		clock = SystemClock()
	}
	return &Dispatcher{
		searches: make(map[string]*search),
		cfg:      cfg,
		clock:    clock,
		push:     push,
		logger:   logger,
	}
}

// Start begins a search for the request and runs the first selection
// attempt immediately. payloadFor builds the opportunity pushed to each
// candidate; onExhausted fires once if every attempt comes back empty.
// Starting an id that is already searching is a no-op.
func (d *Dispatcher) Start(requestID string, sel Selector, payloadFor func(proximity.Ranked) any, onExhausted func()) {
	s := &search{
		requestID:   requestID,
		sel:         sel,
		payloadFor:  payloadFor,
		onExhausted: onExhausted,
		startedAt:   d.clock.Now(),
	}
	d.mu.Lock()
	if _, dup := d.searches[requestID]; dup {
		d.mu.Unlock()
		return
	}
	d.searches[requestID] = s
	d.mu.Unlock()
	observability.SearchesStarted.Inc()
	d.attempt(s)
}

// Cancel stops the search and clears any pending timer. Safe to call at
// any point, any number of times; the state machines call it on every
// commit and on explicit cancellation.
func (d *Dispatcher) Cancel(requestID string) {
	d.mu.Lock()
	s, ok := d.searches[requestID]
	if ok {
		s.cancelled = true
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		for _, t := range s.pushTimers {
			t.Stop()
		}
		s.pushTimers = nil
		delete(d.searches, requestID)
	}
	d.mu.Unlock()
	if ok {
		observability.SearchDuration.Observe(d.clock.Now().Sub(s.startedAt).Seconds())
	}
}

// Active reports whether a live search exists for the request.
func (d *Dispatcher) Active(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.searches[requestID]
	return ok
}

func (d *Dispatcher) attempt(s *search) {
	d.mu.Lock()
	if s.cancelled {
		d.mu.Unlock()
		return
	}
	s.timer = nil
	d.mu.Unlock()

	cands := s.sel()
	if len(cands) > 0 {
		d.pushCandidates(s, cands)
		return
	}

	d.mu.Lock()
	if s.cancelled {
		d.mu.Unlock()
		return
	}
	s.attempts++
	if s.attempts >= d.cfg.MaxAttempts {
		// One last interval, then give up. Keeps the ceiling at
		// maxAttempts*interval while still honoring Cancel.
		s.timer = d.clock.AfterFunc(d.cfg.Interval, func() { d.exhaust(s) })
		d.mu.Unlock()
		return
	}
	s.timer = d.clock.AfterFunc(d.cfg.Interval, func() { d.attempt(s) })
	d.mu.Unlock()
	d.logger.Debug("dispatch attempt found no candidates",
		"request_id", s.requestID, "attempt", s.attempts)
}

// pushCandidates sends the opportunity to the top-K candidates with a
// small fixed delay between successive pushes so simultaneous accepts
// do not race in a thundering herd.
func (d *Dispatcher) pushCandidates(s *search, cands []proximity.Ranked) {
	k := d.cfg.TopK
	if k > len(cands) {
		k = len(cands)
	}
	d.mu.Lock()
	if s.cancelled {
		d.mu.Unlock()
		return
	}
	s.phase = phaseAwaiting
	for i := 1; i < k; i++ {
		c := cands[i]
		t := d.clock.AfterFunc(time.Duration(i)*d.cfg.Stagger, func() {
			d.pushOne(s, c)
		})
		s.pushTimers = append(s.pushTimers, t)
	}
	d.mu.Unlock()
	d.pushOne(s, cands[0])
	d.logger.Info("opportunity pushed to candidates",
		"request_id", s.requestID, "candidates", len(cands), "pushed", k)
}

func (d *Dispatcher) pushOne(s *search, c proximity.Ranked) {
	d.mu.Lock()
	cancelled := s.cancelled
	d.mu.Unlock()
	if cancelled {
		return
	}
	if err := d.push(c.AgentID, s.payloadFor(c)); err != nil {
		d.logger.Warn("opportunity push failed, skipping candidate",
			"request_id", s.requestID, "agent_id", c.AgentID, "error", err)
		return
	}
	observability.OffersPushed.Inc()
}

func (d *Dispatcher) exhaust(s *search) {
	d.mu.Lock()
	if s.cancelled {
		d.mu.Unlock()
		return
	}
	s.cancelled = true
	delete(d.searches, s.requestID)
	d.mu.Unlock()
	observability.SearchesExhausted.Inc()
	observability.SearchDuration.Observe(d.clock.Now().Sub(s.startedAt).Seconds())
	d.logger.Info("dispatch search exhausted", "request_id", s.requestID, "attempts", s.attempts)
	s.onExhausted()
}
