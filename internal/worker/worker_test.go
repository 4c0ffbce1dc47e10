package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/config"
	"github.com/local/sendbrain/internal/session"
	"github.com/local/sendbrain/internal/sessiongroup"
	"github.com/local/sendbrain/internal/store"
)

type fakeConn struct {
	events chan session.Event
}

func (c *fakeConn) Send(ctx context.Context, recipient, body string) session.SendResult {
	return session.SendResult{Outcome: session.SendOK, MessageID: "msg-1"}
}
func (c *fakeConn) Subscribe() <-chan session.Event { return c.events }
func (c *fakeConn) Close() error                    { return nil }

type fakeDialer struct{ conn *fakeConn }

func (d *fakeDialer) Dial(ctx context.Context, slot int, credential []byte, proxyAddr string) (session.Connection, session.ConnectResult) {
	return d.conn, session.ConnectResult{Outcome: session.ConnectConnected}
}

type fakeProxies struct{}

func (fakeProxies) Assign(string, int) (string, bool) { return "proxy-1", true }
func (fakeProxies) Release(string)                    {}

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

func newConnectedRuntime(t *testing.T, workerID, phone string) *Runtime {
	t.Helper()
	conn := &fakeConn{events: make(chan session.Event, 4)}
	dialerFor := func(string, int) session.Dialer { return &fakeDialer{conn: conn} }
	rt := New(workerID, store.NewMemoryStore(), dialerFor, fakeProxies{}, config.PacingConfig{}, nil, nil, zerolog.Nop())
	rt.BindLocal()

	acc := rt.RegisterIdentity(phone, "US", time.Now().Add(-100*24*time.Hour))
	sess := acc.Group.EnsureSlot(1)
	sess.Connect(t.Context(), nil, "")
	conn.events <- session.Event{Kind: session.EventConnected}
	waitFor(t, func() bool { return acc.Group.Status() == sessiongroup.Connected })
	return rt
}

func TestSendOnUnknownIdentityIsNotPaired(t *testing.T) {
	rt := New("worker-1", store.NewMemoryStore(), nil, fakeProxies{}, config.PacingConfig{}, nil, nil, zerolog.Nop())
	rt.BindLocal()
	res := rt.Send(t.Context(), "+14155550100", "+14155550200", "hi", false)
	if res.Outcome != SendNotPaired {
		t.Fatalf("Send outcome = %v, want not_paired", res.Outcome)
	}
}

func TestSendSucceedsThroughConnectedIdentity(t *testing.T) {
	rt := newConnectedRuntime(t, "worker-1", "+14155550100")
	res := rt.Send(t.Context(), "+14155550100", "+14155550200", "hi", false)
	if res.Outcome != SendOK || res.MessageID != "msg-1" {
		t.Fatalf("Send = %+v, want ok/msg-1", res)
	}
}

func TestAccountsReportsRegisteredIdentity(t *testing.T) {
	rt := newConnectedRuntime(t, "worker-1", "+14155550100")
	statuses := rt.Accounts()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 account, got %d", len(statuses))
	}
	if statuses[0].Phone != "+14155550100" || statuses[0].Status != sessiongroup.Connected {
		t.Fatalf("unexpected account status: %+v", statuses[0])
	}
}

func TestDisconnectUnknownIdentityReturnsError(t *testing.T) {
	rt := New("worker-1", store.NewMemoryStore(), nil, fakeProxies{}, config.PacingConfig{}, nil, nil, zerolog.Nop())
	rt.BindLocal()
	if err := rt.Disconnect("+14155550999", 0); err == nil {
		t.Fatal("expected an error disconnecting an unknown identity")
	}
}

func TestRegisterIdentityThreadsPacingOverrideIntoPacer(t *testing.T) {
	pacing := config.PacingConfig{MaxMessagesPerDay: 1}
	rt := New("worker-1", store.NewMemoryStore(), nil, fakeProxies{}, pacing, nil, nil, zerolog.Nop())
	rt.BindLocal()

	acc := rt.RegisterIdentity("+14155550100", "US", time.Now().Add(-100*24*time.Hour))
	now := time.Now()
	d := acc.Pacer.Admit(now)
	if !d.Allowed {
		t.Fatalf("first send should be allowed under the override cap, got %+v", d)
	}
	acc.Pacer.Record(now)

	d = acc.Pacer.Admit(now.Add(5 * time.Second))
	if d.Allowed {
		t.Fatalf("second send should be denied once MAX_MESSAGES_PER_DAY=1 is exhausted, got %+v", d)
	}
}

func TestCleanupPurgesIdleUnpairedIdentities(t *testing.T) {
	rt := New("worker-1", store.NewMemoryStore(), nil, fakeProxies{}, config.PacingConfig{}, nil, nil, zerolog.Nop())
	rt.BindLocal()
	rt.RegisterIdentity("+14155550100", "US", time.Now())

	purged := rt.Cleanup()
	if purged != 1 {
		t.Fatalf("Cleanup purged %d identities, want 1", purged)
	}
	if len(rt.Accounts()) != 0 {
		t.Fatal("expected the idle identity to be gone after Cleanup")
	}
}
