// Package registry aggregates every Worker's account table into a single
// Master-side view of identities, consulted by both the Distributor and
// the QueueProcessor (spec.md §4.7, §4.8).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/local/sendbrain/internal/rpc"
)

// IdentityView is the Master's flattened view of one Identity, fetched
// from its owning Worker's GET /accounts.
type IdentityView struct {
	Phone          string
	WorkerID       string
	Country        string
	AgeDays        int
	Status         string // CONNECTED | DISCONNECTED
	Stage          string
	SentThisMinute int
	SentToday      int
	TotalSent      int
	Successful     int
	LastSendAt     time.Time
	BlockedUntil   *time.Time
}

// Available implements the QueueProcessor's availability test from
// spec.md §4.8 step 2: connected, not blocked past 48h, under the per-
// minute ceiling, and past the inter-send cooldown.
func (v IdentityView) Available(now time.Time) bool {
	if v.Status != "CONNECTED" {
		return false
	}
	if v.BlockedUntil != nil && now.Sub(*v.BlockedUntil) <= 48*time.Hour {
		return false
	}
	if v.SentThisMinute >= 15 {
		return false
	}
	if !v.LastSendAt.IsZero() && now.Sub(v.LastSendAt) < 4*time.Second {
		return false
	}
	return true
}

// SuccessRate approximates the scoring formula's success-rate term.
func (v IdentityView) SuccessRate() float64 {
	if v.TotalSent == 0 {
		return 1
	}
	return float64(v.Successful) / float64(v.TotalSent)
}

// Registry fans out to every Worker's RPC surface and aggregates their
// account tables into a single identity view, per spec.md §4.7's "Master's
// view of identities".
type Registry struct {
	clients map[string]*rpc.Client
	log     zerolog.Logger
}

// NewRegistry builds a Registry from a workerID→baseURL table.
func NewRegistry(workerURLs map[string]string, log zerolog.Logger) *Registry {
	clients := make(map[string]*rpc.Client, len(workerURLs))
	for id, url := range workerURLs {
		clients[id] = rpc.NewClient(url)
	}
	return &Registry{clients: clients, log: log}
}

// ClientFor returns the RPC client for a Worker, for dispatching sends and
// connect/disconnect commands.
func (r *Registry) ClientFor(workerID string) (*rpc.Client, bool) {
	c, ok := r.clients[workerID]
	return c, ok
}

// WorkerIDs lists every known Worker, in no particular order.
func (r *Registry) WorkerIDs() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// ListIdentities fetches every Worker's account table concurrently and
// flattens it into one slice. A single Worker's failure is logged and
// excluded rather than failing the whole call — a stalled Worker should
// not starve the rest of the fleet of candidate senders.
func (r *Registry) ListIdentities(ctx context.Context) ([]IdentityView, error) {
	var mu sync.Mutex
	var views []IdentityView

	g, gctx := errgroup.WithContext(ctx)
	for id, client := range r.clients {
		id, client := id, client
		g.Go(func() error {
			resp, err := client.Accounts(gctx)
			if err != nil {
				r.log.Warn().Err(err).Str("worker", id).Msg("accounts fetch failed")
				return nil
			}
			batch := make([]IdentityView, 0, len(resp.Accounts))
			for _, a := range resp.Accounts {
				view := IdentityView{
					Phone:          a.Phone,
					WorkerID:       id,
					Country:        a.Country,
					AgeDays:        a.AgeDays,
					Status:         a.Status,
					Stage:          a.Stage,
					SentThisMinute: a.SentThisMinute,
					SentToday:      a.SentToday,
					TotalSent:      a.TotalSent,
					Successful:     a.Successful,
					BlockedUntil:   a.BlockedUntil,
				}
				if a.LastSendAt != nil {
					view.LastSendAt = *a.LastSendAt
				}
				batch = append(batch, view)
			}
			mu.Lock()
			views = append(views, batch...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}
