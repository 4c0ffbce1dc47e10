package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientAccountsRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/accounts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(AccountsResponse{
			WorkerID: "worker-1",
			Accounts: []AccountSummary{{Phone: "+14155550100", Status: "CONNECTED"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Accounts(t.Context())
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if resp.WorkerID != "worker-1" || len(resp.Accounts) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClientSendRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RecipientPhone != "+14155550200" {
			t.Errorf("unexpected send request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(SendResponse{Outcome: "ok", MessageID: "msg-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Send(t.Context(), SendRequest{Phone: "+14155550100", RecipientPhone: "+14155550200"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Outcome != "ok" || resp.MessageID != "msg-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClientPropagatesErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "worker exploded"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Accounts(t.Context())
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
}

func TestClientDisconnectSendsRequestBody(t *testing.T) {
	var got DisconnectRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.Disconnect(t.Context(), DisconnectRequest{Phone: "+14155550100", Slot: 2}); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got.Phone != "+14155550100" || got.Slot != 2 {
		t.Fatalf("disconnect request not propagated, got %+v", got)
	}
}
