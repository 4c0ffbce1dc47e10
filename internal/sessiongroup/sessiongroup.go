// Package sessiongroup implements the set of up to four Sessions for one
// Identity, plus the active-slot selector and failover/revival logic
// (spec.md §4.2).
package sessiongroup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/session"
)

// AggregateStatus is the Identity-level view derived from its Sessions.
type AggregateStatus string

const (
	Connected    AggregateStatus = "CONNECTED"
	Disconnected AggregateStatus = "DISCONNECTED"
)

const maxSlots = 4

// RevivalWindow is the period during which an all-Disconnected SessionGroup
// is retried on the cadence in reconnectInterval, before falling back to an
// hourly cadence forever.
const RevivalWindow = 48 * time.Hour

// reconnectInterval returns the retry cadence for elapsed time since the
// group's last Connected timestamp.
func reconnectInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 2*time.Hour:
		return 5 * time.Minute
	case elapsed < 12*time.Hour:
		return 15 * time.Minute
	case elapsed < RevivalWindow:
		return 30 * time.Minute
	default:
		return time.Hour
	}
}

// ProxyPool hands out sticky proxy endpoints. Fleet-wide rotation is
// external to the core (spec.md §9); SessionGroup only asks for "a proxy"
// once per slot and reuses that address across reconnects. It does not
// check whether the pool still lists the address.
type ProxyPool interface {
	Assign(identityHandle string, slot int) (addr string, ok bool)
	Release(addr string)
}

// DialerFactory builds a Dialer for one (identity, slot) pair. Production
// wires session.NewWhatsmeowDialer; tests wire an in-memory fake.
type DialerFactory func(identityHandle string, slot int) session.Dialer

// Group aggregates up to four Sessions for one Identity.
type Group struct {
	Identity string

	mu         sync.RWMutex
	sessions   [maxSlots + 1]*session.Session // 1-indexed; [0] unused
	activeSlot int
	proxyAddr  [maxSlots + 1]string

	lastConnectedAt  time.Time
	needsManualAttn  bool
	reconnectLastTry time.Time

	dialerFor DialerFactory
	proxies   ProxyPool
	log       zerolog.Logger

	done chan struct{}
}

// New creates an empty SessionGroup for identityHandle.
func New(identityHandle string, dialerFor DialerFactory, proxies ProxyPool, log zerolog.Logger) *Group {
	return &Group{
		Identity:  identityHandle,
		dialerFor: dialerFor,
		proxies:   proxies,
		log:       log.With().Str("identity", identityHandle).Logger(),
		done:      make(chan struct{}),
	}
}

// EnsureSlot lazily creates the Session object for a slot (not yet
// connected) and starts consuming its mailbox.
func (g *Group) EnsureSlot(slot int) *session.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessions[slot] == nil {
		dialer := g.dialerFor(g.Identity, slot)
		sess := session.New(g.Identity, slot, dialer, g.log)
		g.sessions[slot] = sess
		go g.watch(sess)
	}
	return g.sessions[slot]
}

// watch drains one Session's mailbox and applies the failover/bookkeeping
// rules. It runs for the lifetime of the Group.
func (g *Group) watch(sess *session.Session) {
	for {
		select {
		case <-g.done:
			return
		case ev, ok := <-sess.Mailbox():
			if !ok {
				return
			}
			g.handleEvent(sess.Slot, ev)
		}
	}
}

// handleEvent updates internal bookkeeping in response to one Session
// event, per spec.md §4.2's handleEvent contract.
func (g *Group) handleEvent(slot int, ev session.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch ev.Kind {
	case session.EventConnected:
		g.lastConnectedAt = time.Now()
		g.needsManualAttn = false
		g.recomputeActiveLocked()
	case session.EventDisconnected, session.EventLoggedOut:
		if g.activeSlot == slot {
			g.recomputeActiveLocked()
		}
	}
}

// recomputeActiveLocked implements the failover algorithm: the active slot
// is the lowest-numbered Connected slot that is not Unstable, or else the
// lowest-numbered Connected slot. Failover never switches away from a
// Connected slot just because another slot is also Connected.
func (g *Group) recomputeActiveLocked() {
	if g.activeSlot != 0 {
		if s := g.sessions[g.activeSlot]; s != nil && s.Status() == session.StatusConnected {
			return
		}
	}
	slots := make([]int, 0, maxSlots)
	for slot := 1; slot <= maxSlots; slot++ {
		if g.sessions[slot] != nil {
			slots = append(slots, slot)
		}
	}
	sort.Ints(slots)
	fallback := 0
	for _, slot := range slots {
		s := g.sessions[slot]
		if s.Status() != session.StatusConnected {
			continue
		}
		if !s.Unstable() {
			g.activeSlot = slot
			return
		}
		if fallback == 0 {
			fallback = slot
		}
	}
	g.activeSlot = fallback
}

// ActiveSlot returns the currently selected active slot (0 if none).
func (g *Group) ActiveSlot() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.activeSlot
}

// Status returns the Identity-level aggregate status.
func (g *Group) Status() AggregateStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for slot := 1; slot <= maxSlots; slot++ {
		if g.sessions[slot] != nil && g.sessions[slot].Status() == session.StatusConnected {
			return Connected
		}
	}
	return Disconnected
}

// NeedsManualAttention reports whether the group has been fully
// disconnected past the 48h revival window without reconnecting.
func (g *Group) NeedsManualAttention() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.needsManualAttn
}

// SendActive delegates to the Session at the active slot; on temporary
// failure it marks that Session Disconnected and retries once on the next
// Connected slot.
func (g *Group) SendActive(ctx context.Context, recipient, body string, hasHistory bool) session.SendResult {
	g.mu.RLock()
	active := g.activeSlot
	g.mu.RUnlock()

	if active == 0 {
		return session.SendResult{Outcome: session.SendTempBlocked, Kind: session.KindNotConnected}
	}

	sess := g.sessionAt(active)
	if sess == nil {
		return session.SendResult{Outcome: session.SendTempBlocked, Kind: session.KindNotConnected}
	}

	result := sess.Send(ctx, recipient, body, hasHistory)
	if result.Outcome == session.SendOK {
		return result
	}
	if result.Kind == session.KindTransportError || result.Kind == session.KindNotConnected {
		sess.Disconnect()
		g.mu.Lock()
		g.recomputeActiveLocked()
		retrySlot := g.activeSlot
		g.mu.Unlock()
		if retrySlot != 0 && retrySlot != active {
			if retry := g.sessionAt(retrySlot); retry != nil {
				return retry.Send(ctx, recipient, body, hasHistory)
			}
		}
	}
	return result
}

func (g *Group) sessionAt(slot int) *session.Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if slot < 1 || slot > maxSlots {
		return nil
	}
	return g.sessions[slot]
}

// Sessions returns a snapshot slice of the live *session.Session pointers
// (nil entries skipped), for status reporting.
func (g *Group) Sessions() []*session.Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*session.Session, 0, maxSlots)
	for slot := 1; slot <= maxSlots; slot++ {
		if g.sessions[slot] != nil {
			out = append(out, g.sessions[slot])
		}
	}
	return out
}

// MaintainRevival runs for the Group's lifetime, reconnecting Disconnected
// slots on the cadence described in spec.md §4.2. It should be started
// once per Group by WorkerRuntime.
func (g *Group) MaintainRevival(ctx context.Context, credentialFor func(slot int) []byte) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case <-ticker.C:
			g.maybeReconnect(ctx, credentialFor)
		}
	}
}

func (g *Group) maybeReconnect(ctx context.Context, credentialFor func(slot int) []byte) {
	if g.Status() == Connected {
		return
	}

	g.mu.Lock()
	lastConnected := g.lastConnectedAt
	if lastConnected.IsZero() {
		lastConnected = time.Now()
		g.lastConnectedAt = lastConnected
	}
	elapsed := time.Since(lastConnected)
	interval := reconnectInterval(elapsed)
	if elapsed > RevivalWindow {
		g.needsManualAttn = true
	}
	due := time.Since(g.reconnectLastTry) >= interval
	if due {
		g.reconnectLastTry = time.Now()
	}
	g.mu.Unlock()

	if !due {
		return
	}

	for slot := 1; slot <= maxSlots; slot++ {
		sess := g.EnsureSlot(slot)
		if sess.Status() == session.StatusLoggedOut {
			continue
		}
		if sess.Status() == session.StatusConnected {
			continue
		}
		proxy := g.proxyFor(slot)
		_ = sess.Connect(ctx, credentialFor(slot), proxy)
	}
}

// proxyFor returns the sticky proxy for a slot: a previously assigned
// address is reused as is, and the pool is asked only when the slot has
// none yet.
func (g *Group) proxyFor(slot int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.proxyAddr[slot] != "" {
		return g.proxyAddr[slot]
	}
	addr, ok := g.proxies.Assign(g.Identity, slot)
	if ok {
		g.proxyAddr[slot] = addr
	}
	return addr
}

// Shutdown disconnects every Session in parallel and stops background
// watchers, per the graceful-shutdown sequence in spec.md §5.
func (g *Group) Shutdown() {
	close(g.done)
	var wg sync.WaitGroup
	for _, sess := range g.Sessions() {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Disconnect()
		}(sess)
	}
	wg.Wait()
}
