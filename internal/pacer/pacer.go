// Package pacer holds per-Identity throttle and counter bookkeeping. A
// Pacer is the sole critical section for a given Identity's sends: two
// sends for the same Identity can never overlap because every decision and
// every counter mutation happens under the Pacer's lock.
package pacer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/local/sendbrain/internal/config"
	"github.com/local/sendbrain/internal/identity"
)

// DenyReason names why admit() refused a send. These mirror the decision
// rule in spec.md §4.3 — deny reasons are decisions, not errors.
type DenyReason string

const (
	DenyNone     DenyReason = ""
	DenyDaily    DenyReason = "daily_limit"
	DenyHourly   DenyReason = "hourly_limit"
	DenyMinute   DenyReason = "minute_limit"
	DenyCooldown DenyReason = "cooldown"
)

// Decision is the result of admit().
type Decision struct {
	Allowed bool
	Reason  DenyReason
	// DelayMs is only meaningful when Allowed is true: the caller should
	// wait this long before actually dispatching the send.
	DelayMs int64
}

// state is the mutable counters tracked per window; it mirrors
// identity.Counters but keeps its own window-boundary bookkeeping so a
// Pacer can be tested in isolation from the Identity store.
type state struct {
	sentThisMinute int
	minuteStart    time.Time
	sentThisHour   int
	hourStart      time.Time
	sentToday      int
	dayStart       time.Time
	totalSent      int
	lastSendAt     time.Time
}

// Pacer is the per-Identity throttle. The zero value is not usable; use New.
type Pacer struct {
	mu    sync.Mutex
	st    state
	stage func(now time.Time) identity.Stage
	rng   *rand.Rand
	cfg   config.PacingConfig
}

// New creates a Pacer whose stage lookup is supplied by the caller (usually
// identity.Identity.Stage), so the Pacer itself holds no reference to the
// wider Identity store. cfg is the operator-tunable override layer from
// spec.md §6's environment-variable table (MIN_DELAY_MS, MAX_DELAY_MS,
// SHORT_BREAK_*, LONG_BREAK_*, MAX_MESSAGES_PER_DAY,
// MAX_MESSAGES_PER_HOUR); any field left at its zero value falls back to
// the per-stage table in internal/identity, so tests can pass a zero
// config.PacingConfig{} to exercise the stage defaults directly.
func New(stage func(now time.Time) identity.Stage, cfg config.PacingConfig) *Pacer {
	return &Pacer{
		stage: stage,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		cfg:   cfg,
	}
}

// dailyCap returns the MAX_MESSAGES_PER_DAY override if set, else the
// stage's daily cap.
func (p *Pacer) dailyCap(lim identity.StageLimits) int {
	if p.cfg.MaxMessagesPerDay > 0 {
		return p.cfg.MaxMessagesPerDay
	}
	return lim.DailyCap
}

// hourlyCap returns the MAX_MESSAGES_PER_HOUR override if set, else the
// stage's hourly cap.
func (p *Pacer) hourlyCap(lim identity.StageLimits) int {
	if p.cfg.MaxMessagesPerHour > 0 {
		return p.cfg.MaxMessagesPerHour
	}
	return lim.HourlyCap
}

// baseDelayRange returns the MIN_DELAY_MS/MAX_DELAY_MS override if both are
// set, else the stage's base delay range.
func (p *Pacer) baseDelayRange(lim identity.StageLimits) (time.Duration, time.Duration) {
	if p.cfg.MinDelayMS > 0 && p.cfg.MaxDelayMS > 0 {
		return p.cfg.MinDelay(), p.cfg.MaxDelay()
	}
	return lim.BaseMin, lim.BaseMax
}

// defaultShortBreakEveryN/defaultLongBreakEveryN and their duration ranges
// are the built-in break schedule used when SHORT_BREAK_*/LONG_BREAK_* are
// left unset.
const (
	defaultShortBreakEveryN = 10
	defaultLongBreakEveryN  = 50
)

var (
	defaultShortBreakMin = 30 * time.Second
	defaultShortBreakMax = 120 * time.Second
	defaultLongBreakMin  = 5 * time.Minute
	defaultLongBreakMax  = 15 * time.Minute
)

// breakSchedule returns the short/long break cadence and duration ranges,
// applying SHORT_BREAK_*/LONG_BREAK_* overrides where set.
func (p *Pacer) breakSchedule() (shortEveryN int, shortMin, shortMax time.Duration, longEveryN int, longMin, longMax time.Duration) {
	shortEveryN, shortMin, shortMax = defaultShortBreakEveryN, defaultShortBreakMin, defaultShortBreakMax
	if p.cfg.ShortBreakEveryN > 0 {
		shortEveryN = p.cfg.ShortBreakEveryN
	}
	if p.cfg.ShortBreakMinS > 0 && p.cfg.ShortBreakMaxS > 0 {
		shortMin = time.Duration(p.cfg.ShortBreakMinS) * time.Second
		shortMax = time.Duration(p.cfg.ShortBreakMaxS) * time.Second
	}

	longEveryN, longMin, longMax = defaultLongBreakEveryN, defaultLongBreakMin, defaultLongBreakMax
	if p.cfg.LongBreakEveryN > 0 {
		longEveryN = p.cfg.LongBreakEveryN
	}
	if p.cfg.LongBreakMinS > 0 && p.cfg.LongBreakMaxS > 0 {
		longMin = time.Duration(p.cfg.LongBreakMinS) * time.Second
		longMax = time.Duration(p.cfg.LongBreakMaxS) * time.Second
	}
	return
}

// applyResets rolls minute/hour/day windows forward if the corresponding
// wall-clock boundary has been crossed. Lazy reset on read, per the
// invariant in spec.md §3.
func (p *Pacer) applyResets(now time.Time) {
	if p.st.minuteStart.IsZero() {
		p.st.minuteStart = now
	}
	if now.Sub(p.st.minuteStart) >= time.Minute {
		p.st.sentThisMinute = 0
		p.st.minuteStart = now
	}
	if p.st.hourStart.IsZero() {
		p.st.hourStart = now
	}
	if now.Hour() != p.st.hourStart.Hour() || now.Sub(p.st.hourStart) >= time.Hour {
		p.st.sentThisHour = 0
		p.st.hourStart = now
	}
	if p.st.dayStart.IsZero() {
		p.st.dayStart = now
	}
	y1, m1, d1 := p.st.dayStart.UTC().Date()
	y2, m2, d2 := now.UTC().Date()
	if y1 != y2 || m1 != m2 || d1 != d2 {
		p.st.sentToday = 0
		p.st.dayStart = now
	}
}

// Admit is consulted on every intended send. It is pure in (state, now):
// the same pacer state and now always yield the same decision.
func (p *Pacer) Admit(now time.Time) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyResets(now)

	stage := p.stage(now)
	lim := identity.Limits(stage)

	if p.st.sentToday >= p.dailyCap(lim) {
		return Decision{Allowed: false, Reason: DenyDaily}
	}
	if p.st.sentThisHour >= p.hourlyCap(lim) {
		return Decision{Allowed: false, Reason: DenyHourly}
	}
	if p.st.sentThisMinute >= identity.MinuteCeiling {
		return Decision{Allowed: false, Reason: DenyMinute}
	}
	if !p.st.lastSendAt.IsZero() && now.Sub(p.st.lastSendAt) < identity.Cooldown {
		return Decision{Allowed: false, Reason: DenyCooldown}
	}

	delay := p.nextDelay(lim)
	return Decision{Allowed: true, DelayMs: delay.Milliseconds()}
}

// nextDelay computes the base inter-send delay plus any break due at the
// next send's ordinal position.
func (p *Pacer) nextDelay(lim identity.StageLimits) time.Duration {
	baseMin, baseMax := p.baseDelayRange(lim)
	base := uniformDuration(p.rng, baseMin, baseMax)
	jitter := 1 + (p.rng.Float64()*0.2 - 0.1) // uniform(-0.1, 0.1)
	delay := time.Duration(float64(base) * jitter)

	shortEveryN, shortMin, shortMax, longEveryN, longMin, longMax := p.breakSchedule()
	next := p.st.totalSent + 1
	switch {
	case longEveryN > 0 && next%longEveryN == 0:
		delay += uniformDuration(p.rng, longMin, longMax)
	case shortEveryN > 0 && next%shortEveryN == 0:
		delay += uniformDuration(p.rng, shortMin, shortMax)
	}
	return delay
}

func uniformDuration(r *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(r.Int63n(int64(span)))
}

// Record registers a successful send at now, advancing all counters.
// Callers must call Admit first; Record does not re-check limits.
func (p *Pacer) Record(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyResets(now)
	p.st.sentThisMinute++
	p.st.sentThisHour++
	p.st.sentToday++
	p.st.totalSent++
	p.st.lastSendAt = now
}

// Snapshot is a read-only view of the Pacer's counters, for status RPCs.
type Snapshot struct {
	SentThisMinute int
	SentThisHour   int
	SentToday      int
	TotalSent      int
	LastSendAt     time.Time
	Stage          identity.Stage
}

// Snapshot returns the Pacer's current counters as of now, applying any
// pending window resets first.
func (p *Pacer) Snapshot(now time.Time) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyResets(now)
	return Snapshot{
		SentThisMinute: p.st.sentThisMinute,
		SentThisHour:   p.st.sentThisHour,
		SentToday:      p.st.sentToday,
		TotalSent:      p.st.totalSent,
		LastSendAt:     p.st.lastSendAt,
		Stage:          p.stage(now),
	}
}
