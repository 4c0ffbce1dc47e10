package queue

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/registry"
	"github.com/local/sendbrain/internal/rpc"
	"github.com/local/sendbrain/internal/store"
)

// fakeWorker serves /accounts from a fixed table and /send by consulting
// outcomeFor, letting each test script a sender's behavior per recipient.
func fakeWorker(t *testing.T, accounts []rpc.AccountSummary, outcomeFor func(rpc.SendRequest) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts":
			_ = json.NewEncoder(w).Encode(rpc.AccountsResponse{Accounts: accounts})
		case "/send":
			var req rpc.SendRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(rpc.SendResponse{Outcome: outcomeFor(req)})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func pendingRow(campaign, recipient string) store.MessageRow {
	return store.MessageRow{
		ID:              uuid.NewString(),
		CampaignID:      campaign,
		RecipientPhone:  recipient,
		MessageTemplate: "hi",
		Priority:        store.PriorityNormal,
		Status:          store.MessagePending,
		CreatedAt:       time.Now(),
	}
}

func TestTickDispatchesAndMarksSent(t *testing.T) {
	srv := fakeWorker(t,
		[]rpc.AccountSummary{{Phone: "+14155550100", Status: "CONNECTED", AgeDays: 100, TotalSent: 50, Successful: 50}},
		func(rpc.SendRequest) string { return "ok" },
	)
	reg := registry.NewRegistry(map[string]string{"worker-1": srv.URL}, zerolog.Nop())
	st := store.NewMemoryStore()
	p := New(st, reg, nil, zerolog.Nop())

	if err := st.EnqueueMessage(t.Context(), pendingRow("camp-1", "+14155550200")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.EnqueueMessage(t.Context(), pendingRow("camp-1", "+14155550300")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.CreateCampaign(t.Context(), store.CampaignRow{ID: "camp-1", Total: 2, Status: store.CampaignInProgress, StartedAt: time.Now()}); err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	if err := p.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	rows, err := st.ListByCampaign(t.Context(), "camp-1")
	if err != nil {
		t.Fatalf("ListByCampaign: %v", err)
	}
	for _, r := range rows {
		if r.Status != store.MessageSent {
			t.Errorf("record %s status = %s, want sent", r.ID, r.Status)
		}
	}

	camp, ok, err := st.GetCampaign(t.Context(), "camp-1")
	if err != nil || !ok {
		t.Fatalf("GetCampaign: %v, ok=%v", err, ok)
	}
	if camp.Status != store.CampaignCompleted {
		t.Fatalf("campaign status = %s, want completed", camp.Status)
	}
}

func TestTickSkipsWhenNoAvailableSenders(t *testing.T) {
	srv := fakeWorker(t,
		[]rpc.AccountSummary{{Phone: "+14155550100", Status: "DISCONNECTED"}},
		func(rpc.SendRequest) string { return "ok" },
	)
	reg := registry.NewRegistry(map[string]string{"worker-1": srv.URL}, zerolog.Nop())
	st := store.NewMemoryStore()
	p := New(st, reg, nil, zerolog.Nop())

	st.EnqueueMessage(t.Context(), pendingRow("camp-1", "+14155550200"))
	st.EnqueueMessage(t.Context(), pendingRow("camp-1", "+14155550300"))

	if err := p.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	rows, _ := st.ListByCampaign(t.Context(), "camp-1")
	for _, r := range rows {
		if r.Status != store.MessagePending {
			t.Errorf("record %s status = %s, want still pending with no available senders", r.ID, r.Status)
		}
	}
}

func TestTickRequeuesOnTempBlockedUntilRetryExhausted(t *testing.T) {
	srv := fakeWorker(t,
		[]rpc.AccountSummary{{Phone: "+14155550100", Status: "CONNECTED", AgeDays: 100}},
		func(rpc.SendRequest) string { return "temp_blocked" },
	)
	reg := registry.NewRegistry(map[string]string{"worker-1": srv.URL}, zerolog.Nop())
	st := store.NewMemoryStore()
	p := New(st, reg, nil, zerolog.Nop())

	row := pendingRow("camp-1", "+14155550200")
	st.EnqueueMessage(t.Context(), row)
	// Tick no-ops below 2 pending records, so keep a second, permanently
	// stuck record around as filler — it shares the only sender, so it
	// never itself gets dispatched.
	st.EnqueueMessage(t.Context(), pendingRow("camp-1", "+14155550201"))
	st.CreateCampaign(t.Context(), store.CampaignRow{ID: "camp-1", Total: 2, Status: store.CampaignInProgress, StartedAt: time.Now()})

	for i := 0; i < maxRetries; i++ {
		if err := p.Tick(t.Context()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	got, ok, err := st.GetMessage(t.Context(), row.ID)
	if err != nil || !ok {
		t.Fatalf("GetMessage: %v, ok=%v", err, ok)
	}
	if got.Status != store.MessageFailed {
		t.Fatalf("after %d retries status = %s, want failed", maxRetries, got.Status)
	}
}

func TestTickBelowMinimumPendingIsANoop(t *testing.T) {
	srv := fakeWorker(t, nil, func(rpc.SendRequest) string { return "ok" })
	reg := registry.NewRegistry(map[string]string{"worker-1": srv.URL}, zerolog.Nop())
	st := store.NewMemoryStore()
	p := New(st, reg, nil, zerolog.Nop())

	st.EnqueueMessage(t.Context(), pendingRow("camp-1", "+14155550200"))

	if err := p.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	rows, _ := st.ListByCampaign(t.Context(), "camp-1")
	if rows[0].Status != store.MessagePending {
		t.Fatalf("a single pending record (< 2) should not be touched, got status %s", rows[0].Status)
	}
}
