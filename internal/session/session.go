// Package session implements one attempt to keep a persistent connection to
// the chat service on behalf of an Identity (spec.md §4.1). A Session never
// self-heals past LoggedOut, and it never reaches upward to whatever
// consumes its events — it only ever publishes to its own mailbox.
package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/local/sendbrain/internal/metrics"
)

// Status is the Session's state-machine position.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusTempBlocked  Status = "temp_blocked"
	StatusLoggedOut    Status = "logged_out"
)

// DefaultTempBlockDuration is how long a TempBlocked Session stays blocked
// when the block event carries no expiry; a successful Presence probe after
// that time returns it to Connected.
const DefaultTempBlockDuration = 5 * time.Hour

// maxConsecutiveKeepAliveFailures: more consecutive keep-alive timeouts than
// this move the Session to Disconnected. The Session does not reset the
// transport or redial on its own; reconnecting is left to SessionGroup.
const maxConsecutiveKeepAliveFailures = 3

// unstableThreshold is the number of Disconnected events within one UTC day
// that marks a Session "unstable" — it keeps operating but SessionGroup
// prefers other slots.
const unstableThreshold = 10

// Session is one (Identity, slot) connection attempt.
type Session struct {
	Identity string
	Slot     int

	dialer Dialer
	log    zerolog.Logger

	mu                  sync.RWMutex
	status              Status
	credential          []byte
	proxyAddr           string
	conn                Connection
	lastActivity        time.Time
	consecutiveFailures int
	tempBlockedUntil    time.Time

	disconnectDay   time.Time
	disconnectCount int

	mailbox chan Event
	breaker *gobreaker.CircuitBreaker[SendResult]

	blockPredicate BlockPredicate
	cancel         context.CancelFunc
}

// New creates a Session bound to an Identity/slot pair. The breaker trips
// open after three consecutive non-OK send outcomes and half-opens after
// DefaultTempBlockDuration; while it is open, Send returns a transport
// error without calling the Connection. The breaker state is not exposed
// outside the Session.
func New(identityHandle string, slot int, dialer Dialer, log zerolog.Logger) *Session {
	s := &Session{
		Identity:       identityHandle,
		Slot:           slot,
		dialer:         dialer,
		log:            log.With().Str("identity", identityHandle).Int("slot", slot).Logger(),
		status:         StatusDisconnected,
		mailbox:        make(chan Event, 32),
		blockPredicate: DefaultBlockPredicate,
	}
	s.breaker = gobreaker.NewCircuitBreaker[SendResult](gobreaker.Settings{
		Name:        identityHandle + "/slot" + strconv.Itoa(slot),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     DefaultTempBlockDuration,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerTrip(identityHandle, to.String())
		},
	})
	return s
}

// Mailbox returns the Session's event stream. SessionGroup consumes it in a
// plain loop; there is no callback.
func (s *Session) Mailbox() <-chan Event {
	return s.mailbox
}

// Status returns the current state-machine position.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastActivity returns the last time the Session observed traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Unstable reports whether this Session has disconnected more than ten
// times within the current UTC day.
func (s *Session) Unstable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnectCount > unstableThreshold
}

// Connect dials the underlying chat-service connection. credential may be
// nil to request fresh pairing material. proxyAddr replaces any address
// given to an earlier Connect; SessionGroup keeps it the same per slot.
func (s *Session) Connect(ctx context.Context, credential []byte, proxyAddr string) ConnectResult {
	s.mu.Lock()
	s.status = StatusConnecting
	s.proxyAddr = proxyAddr
	s.mu.Unlock()

	conn, result := s.dialer.Dial(ctx, s.Slot, credential, proxyAddr)
	if result.Outcome != ConnectConnected {
		return result
	}

	s.mu.Lock()
	s.conn = conn
	s.credential = credential
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.pump(runCtx, conn.Subscribe())

	return result
}

// pump reads the underlying Connection's events and drives the state
// machine; it is the only goroutine that mutates Session state in response
// to library traffic.
func (s *Session) pump(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.apply(ev)
		}
	}
}

// apply performs the state-machine transition for one event, then
// republishes it on the Session's own mailbox for SessionGroup.
func (s *Session) apply(ev Event) {
	s.mu.Lock()
	now := time.Now()
	switch ev.Kind {
	case EventConnected:
		s.status = StatusConnected
		s.consecutiveFailures = 0
		s.lastActivity = now
	case EventKeepAliveRestored:
		s.consecutiveFailures = 0
		s.lastActivity = now
	case EventKeepAliveTimeout:
		s.consecutiveFailures++
		if s.consecutiveFailures > maxConsecutiveKeepAliveFailures {
			s.transitionToDisconnectedLocked(now)
		}
	case EventDisconnected:
		s.transitionToDisconnectedLocked(now)
	case EventTempBlocked:
		s.status = StatusTempBlocked
		until := ev.Expires
		if until.IsZero() {
			until = now.Add(DefaultTempBlockDuration)
		}
		s.tempBlockedUntil = until
	case EventLoggedOut:
		s.status = StatusLoggedOut
		if s.cancel != nil {
			s.cancel()
		}
	case EventReceipt:
		s.lastActivity = now
	}
	s.mu.Unlock()

	select {
	case s.mailbox <- ev:
	default:
		s.log.Warn().Str("event", string(ev.Kind)).Msg("session mailbox full, dropping event")
	}
}

// transitionToDisconnectedLocked must be called with s.mu held.
func (s *Session) transitionToDisconnectedLocked(now time.Time) {
	s.status = StatusDisconnected
	s.consecutiveFailures = 0
	if s.disconnectDay.IsZero() || s.disconnectDay.UTC().YearDay() != now.UTC().YearDay() || s.disconnectDay.UTC().Year() != now.UTC().Year() {
		s.disconnectDay = now
		s.disconnectCount = 0
	}
	s.disconnectCount++
}

// Send delegates to the underlying Connection through the circuit breaker.
// While TempBlocked, the Session may only send to a recipient with an
// existing chat-history edge; hasHistory must reflect that.
func (s *Session) Send(ctx context.Context, recipient, body string, hasHistory bool) SendResult {
	s.mu.RLock()
	status := s.status
	conn := s.conn
	s.mu.RUnlock()

	if status == StatusLoggedOut {
		return SendResult{Outcome: SendPermFailed, Kind: KindNotPaired}
	}
	if status == StatusTempBlocked && !hasHistory {
		return SendResult{Outcome: SendTempBlocked, Kind: KindTempBlocked}
	}
	if status != StatusConnected && status != StatusTempBlocked {
		return SendResult{Outcome: SendTempBlocked, Kind: KindNotConnected}
	}
	if conn == nil {
		return SendResult{Outcome: SendTempBlocked, Kind: KindNotConnected}
	}

	result, err := s.breaker.Execute(func() (SendResult, error) {
		r := conn.Send(ctx, recipient, body)
		if r.Outcome != SendOK {
			return r, errBreakerTrip
		}
		return r, nil
	})
	if err != nil && err != errBreakerTrip {
		return SendResult{Outcome: SendTempBlocked, Kind: KindTransportError, Err: err}
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return result
}

var errBreakerTrip = breakerTripError{}

type breakerTripError struct{}

func (breakerTripError) Error() string { return "send did not succeed" }

// Presence sends a lightweight probe, bypassing the breaker. Its only
// caller is Humanizer idle activity (via the worker's TogglePresence); no
// periodic scheduler calls it. It always goes through even while
// TempBlocked, since presence traffic keeps the connection warm without
// triggering the chat-history restriction, and a successful probe after
// tempBlockedUntil returns the Session to Connected.
func (s *Session) Presence(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}
	res := conn.Send(ctx, "", "")
	if res.Err != nil {
		return res.Err
	}
	s.mu.Lock()
	if s.status == StatusTempBlocked && time.Now().After(s.tempBlockedUntil) {
		s.status = StatusConnected
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

var errNotConnected = notConnectedError{}

type notConnectedError struct{}

func (notConnectedError) Error() string { return "session has no active connection" }

// Disconnect tears down the transport and marks the Session Disconnected.
// The Session does not retry on its own, and Disconnect publishes no event
// on the mailbox; callers recompute their own state afterwards.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.mu.Lock()
	s.transitionToDisconnectedLocked(time.Now())
	s.mu.Unlock()
}

// TempBlockedUntil reports the time after which a successful Presence probe
// returns a TempBlocked Session to Connected.
func (s *Session) TempBlockedUntil() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tempBlockedUntil
}
