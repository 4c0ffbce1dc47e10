package worker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/metrics"
	"github.com/local/sendbrain/internal/pacer"
	"github.com/local/sendbrain/internal/rpc"
	"github.com/local/sendbrain/internal/session"
)

// Server exposes a Runtime over the Master-facing RPC surface from
// spec.md §6.
type Server struct {
	runtime *Runtime
	log     zerolog.Logger
	router  chi.Router
}

// NewServer wires a Runtime's operations onto chi routes.
func NewServer(runtime *Runtime, log zerolog.Logger) *Server {
	s := &Server{runtime: runtime, log: log}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/accounts", s.handleAccounts)
	r.Post("/send", s.handleSend)
	r.Post("/accounts/connect", s.handleConnect)
	r.Post("/accounts/disconnect", s.handleDisconnect)
	r.Handle("/metrics", metrics.Handler())
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, rpc.ErrorResponse{Error: msg})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	statuses := s.runtime.Accounts()
	resp := rpc.AccountsResponse{
		WorkerID: s.runtime.WorkerID,
		Accounts: make([]rpc.AccountSummary, 0, len(statuses)),
	}
	for _, st := range statuses {
		summary := rpc.AccountSummary{
			Phone:          st.Phone,
			Country:        st.Country,
			AgeDays:        st.AgeDays,
			Status:         string(st.Status),
			ActiveSlot:     st.ActiveSlot,
			Stage:          st.Stage.String(),
			SentThisMinute: st.SentThisMinute,
			SentToday:      st.SentToday,
			TotalSent:      st.TotalSent,
			Successful:     st.Successful,
			BlockedUntil:   st.BlockedUntil,
			NeedsAttn:      st.NeedsAttn,
		}
		if !st.LastSendAt.IsZero() {
			lastSend := st.LastSendAt
			summary.LastSendAt = &lastSend
		}
		resp.Accounts = append(resp.Accounts, summary)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req rpc.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Phone == "" || req.RecipientPhone == "" {
		writeError(w, http.StatusBadRequest, "phone and recipientPhone are required")
		return
	}

	result := s.runtime.Send(r.Context(), req.Phone, req.RecipientPhone, req.MessageTemplate, false)
	resp := rpc.SendResponse{Outcome: string(result.Outcome), MessageID: result.MessageID}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	switch result.Outcome {
	case SendOK:
		writeJSON(w, http.StatusOK, resp)
	case SendDenied:
		if result.DenyReason != pacer.DenyNone {
			resp.Error = string(result.DenyReason)
		}
		writeJSON(w, http.StatusTooManyRequests, resp)
	case SendNotPaired:
		writeJSON(w, http.StatusNotFound, resp)
	case SendNotConnected:
		writeJSON(w, http.StatusConflict, resp)
	case SendTempBlocked:
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req rpc.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Phone == "" || req.Slot == 0 {
		writeError(w, http.StatusBadRequest, "phone and slot are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), rpc.DefaultTimeout)
	defer cancel()

	result := s.runtime.Connect(ctx, req.Phone, req.Slot, req.Credential)
	resp := rpc.ConnectResponse{}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	switch result.Outcome {
	case session.ConnectConnected:
		resp.Outcome = "connected"
		writeJSON(w, http.StatusOK, resp)
	case session.ConnectPairingPending:
		resp.Outcome = "pairing_pending"
		resp.QRCode = result.QRCode
		writeJSON(w, http.StatusAccepted, resp)
	case session.ConnectTimeout:
		resp.Outcome = "timeout"
		writeJSON(w, http.StatusGatewayTimeout, resp)
	default:
		resp.Outcome = "error"
		writeJSON(w, http.StatusBadGateway, resp)
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req rpc.DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}
	if err := s.runtime.Disconnect(req.Phone, req.Slot); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
