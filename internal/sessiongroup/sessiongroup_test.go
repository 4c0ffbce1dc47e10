package sessiongroup

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/session"
)

type fakeConn struct {
	events chan session.Event
	sendFn func(recipient, body string) session.SendResult
	closed bool
}

func (c *fakeConn) Send(ctx context.Context, recipient, body string) session.SendResult {
	if c.sendFn != nil {
		return c.sendFn(recipient, body)
	}
	return session.SendResult{Outcome: session.SendOK}
}

func (c *fakeConn) Subscribe() <-chan session.Event { return c.events }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeDialer struct{ conn *fakeConn }

func (d *fakeDialer) Dial(ctx context.Context, slot int, credential []byte, proxyAddr string) (session.Connection, session.ConnectResult) {
	return d.conn, session.ConnectResult{Outcome: session.ConnectConnected}
}

type fakeProxies struct{}

func (fakeProxies) Assign(identityHandle string, slot int) (string, bool) { return "proxy-1", true }
func (fakeProxies) Release(string)                                       {}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestFailoverPrefersLowestConnectedSlotAndStaysSticky(t *testing.T) {
	conns := make(map[int]*fakeConn)
	dialerFor := func(identityHandle string, slot int) session.Dialer {
		conn := &fakeConn{events: make(chan session.Event, 4)}
		conns[slot] = conn
		return &fakeDialer{conn: conn}
	}
	g := New("+14155550100", dialerFor, fakeProxies{}, zerolog.Nop())

	s1 := g.EnsureSlot(1)
	s2 := g.EnsureSlot(2)
	s1.Connect(t.Context(), nil, "")
	s2.Connect(t.Context(), nil, "")

	conns[1].events <- session.Event{Kind: session.EventConnected}
	waitFor(t, func() bool { return g.ActiveSlot() == 1 })

	conns[2].events <- session.Event{Kind: session.EventConnected}
	time.Sleep(20 * time.Millisecond)
	if g.ActiveSlot() != 1 {
		t.Fatalf("active slot should stay on 1 once connected even after slot 2 connects, got %d", g.ActiveSlot())
	}

	conns[1].events <- session.Event{Kind: session.EventDisconnected}
	waitFor(t, func() bool { return g.ActiveSlot() == 2 })
	if g.Status() != Connected {
		t.Fatalf("group status = %v, want connected via slot 2", g.Status())
	}
}

func TestSendActiveFailsClosedWithNoActiveSlot(t *testing.T) {
	g := New("+14155550100", func(string, int) session.Dialer { return nil }, fakeProxies{}, zerolog.Nop())
	res := g.SendActive(t.Context(), "+14155550200", "hi", false)
	if res.Outcome != session.SendTempBlocked || res.Kind != session.KindNotConnected {
		t.Fatalf("SendActive with no active slot = %+v, want temp-blocked/not_connected", res)
	}
}

func TestSendActiveFailsOverToNextConnectedSlotOnTransportError(t *testing.T) {
	conns := make(map[int]*fakeConn)
	dialerFor := func(identityHandle string, slot int) session.Dialer {
		conn := &fakeConn{events: make(chan session.Event, 4)}
		if slot == 1 {
			conn.sendFn = func(string, string) session.SendResult {
				return session.SendResult{Outcome: session.SendTempBlocked, Kind: session.KindTransportError}
			}
		}
		conns[slot] = conn
		return &fakeDialer{conn: conn}
	}
	g := New("+14155550100", dialerFor, fakeProxies{}, zerolog.Nop())

	s1 := g.EnsureSlot(1)
	s2 := g.EnsureSlot(2)
	s1.Connect(t.Context(), nil, "")
	s2.Connect(t.Context(), nil, "")
	conns[1].events <- session.Event{Kind: session.EventConnected}
	waitFor(t, func() bool { return g.ActiveSlot() == 1 })
	conns[2].events <- session.Event{Kind: session.EventConnected}
	waitFor(t, func() bool { return s2.Status() == session.StatusConnected })

	res := g.SendActive(t.Context(), "+14155550200", "hi", false)
	if res.Outcome != session.SendOK {
		t.Fatalf("SendActive should retry on slot 2 and succeed, got %+v", res)
	}
	waitFor(t, func() bool { return g.ActiveSlot() == 2 })
}

func TestReconnectIntervalEscalatesWithElapsedTime(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    time.Duration
	}{
		{time.Minute, 5 * time.Minute},
		{3 * time.Hour, 15 * time.Minute},
		{20 * time.Hour, 30 * time.Minute},
		{72 * time.Hour, time.Hour},
	}
	for _, c := range cases {
		if got := reconnectInterval(c.elapsed); got != c.want {
			t.Errorf("reconnectInterval(%v) = %v, want %v", c.elapsed, got, c.want)
		}
	}
}
