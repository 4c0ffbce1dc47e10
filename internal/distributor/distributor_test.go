package distributor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/registry"
	"github.com/local/sendbrain/internal/rpc"
	"github.com/local/sendbrain/internal/store"
)

func fakeWorker(t *testing.T, accounts []rpc.AccountSummary) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpc.AccountsResponse{Accounts: accounts})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDistributeSplitsAcrossCountries(t *testing.T) {
	srv := fakeWorker(t, []rpc.AccountSummary{
		{Phone: "+14155550100", Country: "US", Status: "CONNECTED", AgeDays: 100, Stage: "veteran"},
		{Phone: "+447911123456", Country: "GB", Status: "CONNECTED", AgeDays: 100, Stage: "veteran"},
	})
	reg := registry.NewRegistry(map[string]string{"worker-1": srv.URL}, zerolog.Nop())
	st := store.NewMemoryStore()
	d := New(st, reg, nil, zerolog.Nop())

	plan, err := d.Distribute(t.Context(), "camp-1", "hello {name}", []Recipient{
		{Phone: "+14155550200", Name: "Alice"},
		{Phone: "+447911999999", Name: "Bob"},
	})
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if plan.Queued != 2 || plan.Overflow != 0 {
		t.Fatalf("plan = %+v, want 2 queued, 0 overflow", plan)
	}

	rows, err := st.ListByCampaign(t.Context(), "camp-1")
	if err != nil {
		t.Fatalf("ListByCampaign: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 queued rows, got %d", len(rows))
	}
}

func TestDistributeFlagsOverflowWhenNoCapacity(t *testing.T) {
	srv := fakeWorker(t, []rpc.AccountSummary{
		{Phone: "+14155550100", Country: "US", Status: "CONNECTED", AgeDays: 1, Stage: "newborn", SentToday: 5},
	})
	reg := registry.NewRegistry(map[string]string{"worker-1": srv.URL}, zerolog.Nop())
	st := store.NewMemoryStore()
	d := New(st, reg, nil, zerolog.Nop())

	plan, err := d.Distribute(t.Context(), "camp-2", "hi", []Recipient{{Phone: "+14155550200", Name: "Carl"}})
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if plan.Queued != 1 || plan.Overflow != 1 {
		t.Fatalf("plan = %+v, want 1 queued with 1 flagged overflow", plan)
	}

	rows, _ := st.ListByCampaign(t.Context(), "camp-2")
	if len(rows) != 1 || !rows[0].Overflow {
		t.Fatalf("expected the single row to be flagged overflow, got %+v", rows)
	}
}

func TestDistributeSkipsAlreadyQueuedRecipients(t *testing.T) {
	srv := fakeWorker(t, []rpc.AccountSummary{
		{Phone: "+14155550100", Country: "US", Status: "CONNECTED", AgeDays: 100, Stage: "veteran"},
	})
	reg := registry.NewRegistry(map[string]string{"worker-1": srv.URL}, zerolog.Nop())
	st := store.NewMemoryStore()
	d := New(st, reg, nil, zerolog.Nop())

	recipients := []Recipient{{Phone: "+14155550200", Name: "Dana"}}
	if _, err := d.Distribute(t.Context(), "camp-3", "hi", recipients); err != nil {
		t.Fatalf("first Distribute: %v", err)
	}
	plan, err := d.Distribute(t.Context(), "camp-3", "hi", recipients)
	if err != nil {
		t.Fatalf("second Distribute: %v", err)
	}
	if plan.Queued != 0 {
		t.Fatalf("re-running the same batch should queue nothing new, got %+v", plan)
	}
}

func TestAllocateCountryCapsPerIdentityShare(t *testing.T) {
	views := []registry.IdentityView{
		{Phone: "+14155550100", Stage: "veteran", SentToday: 0},
	}
	allocs := allocateCountry(views, time.Now())
	if len(allocs) != 1 {
		t.Fatalf("expected 1 allocation, got %d", len(allocs))
	}
	if allocs[0].remaining != perIdentityBatchCap {
		t.Fatalf("remaining = %d, want capped at %d", allocs[0].remaining, perIdentityBatchCap)
	}
}

func TestAllocateCountryExcludesExhaustedIdentities(t *testing.T) {
	views := []registry.IdentityView{
		{Phone: "+14155550100", Stage: "newborn", SentToday: 5},
	}
	allocs := allocateCountry(views, time.Now())
	if len(allocs) != 0 {
		t.Fatalf("expected identity at its daily cap to be excluded, got %+v", allocs)
	}
}
