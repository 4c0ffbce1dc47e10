// Package ingress implements the public HTTP API from spec.md §6:
// POST /api/send, GET /api/campaigns/{id}/status, and GET /health.
package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/distributor"
	"github.com/local/sendbrain/internal/store"
)

// Contact is one entry of a POST /api/send body.
type Contact struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

type sendRequest struct {
	Contacts []Contact `json:"contacts"`
	Message  string    `json:"message"`
}

type sendResponse struct {
	CampaignID string `json:"campaign_id"`
	Queued     int    `json:"queued"`
}

type statusResponse struct {
	ID      string `json:"id"`
	Total   int    `json:"total"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Pending int    `json:"pending"`
	Status  string `json:"status"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server exposes the public ingress API over a Distributor and a Store.
type Server struct {
	distributor *distributor.Distributor
	store       store.Store
	apiKey      string
	log         zerolog.Logger
	router      chi.Router
}

// New wires the ingress routes. apiKey is compared against either the
// X-API-Key header or an "Authorization: Bearer <key>" header, per
// spec.md §6.
func New(dist *distributor.Distributor, st store.Store, apiKey string, log zerolog.Logger) *Server {
	s := &Server{distributor: dist, store: st, apiKey: apiKey, log: log}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/api/send", s.handleSend)
		r.Get("/api/campaigns/{id}/status", s.handleStatus)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// authenticate implements the 401/403 distinction from spec.md §6: no key
// supplied is 401, a key that does not match is 403.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing api key"})
			return
		}
		if key != s.apiKey {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contacts) == 0 || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "contacts and message are required"})
		return
	}
	for _, c := range req.Contacts {
		if c.Phone == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "every contact needs a phone"})
			return
		}
	}

	campaignID := uuid.NewString()
	now := time.Now()
	if err := s.store.CreateCampaign(r.Context(), store.CampaignRow{
		ID:        campaignID,
		Total:     len(req.Contacts),
		Status:    store.CampaignPending,
		StartedAt: now,
	}); err != nil {
		s.log.Error().Err(err).Msg("create campaign failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to create campaign"})
		return
	}

	recipients := make([]distributor.Recipient, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		recipients = append(recipients, distributor.Recipient{Phone: c.Phone, Name: c.Name})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	plan, err := s.distributor.Distribute(ctx, campaignID, req.Message, recipients)
	if err != nil {
		s.log.Error().Err(err).Str("campaign", campaignID).Msg("distribute failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to enqueue batch"})
		return
	}
	if plan.Queued == 0 {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "no sending capacity available"})
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{CampaignID: campaignID, Queued: plan.Queued})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	campaign, ok, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to load campaign"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "campaign not found"})
		return
	}

	records, err := s.store.ListByCampaign(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to load campaign records"})
		return
	}
	pending := 0
	for _, rec := range records {
		if rec.Status == store.MessagePending || rec.Status == store.MessageProcessing {
			pending++
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ID:      campaign.ID,
		Total:   campaign.Total,
		Sent:    campaign.Sent,
		Failed:  campaign.Failed,
		Pending: pending,
		Status:  string(campaign.Status),
	})
}
