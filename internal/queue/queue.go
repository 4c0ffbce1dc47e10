// Package queue implements the Master's QueueProcessor: a single-threaded
// 500ms polling loop that assigns pending messages to available senders
// and dispatches them over the Master↔Worker RPC, per spec.md §4.8.
package queue

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/metrics"
	"github.com/local/sendbrain/internal/notify"
	"github.com/local/sendbrain/internal/registry"
	"github.com/local/sendbrain/internal/rpc"
	"github.com/local/sendbrain/internal/store"
)

// TickInterval is the QueueProcessor's polling cadence.
const TickInterval = 500 * time.Millisecond

// maxRetries is the terminal retry count from spec.md §3's Queued Message
// invariant ("retry count (≤ 3)").
const maxRetries = 3

// readWindowCap bounds a single tick's candidate read, per spec.md §4.8
// step 4 ("min(2·|senders|, 50)").
const readWindowCap = 50

// candidateFetchWindow is how many pending records the store read fetches
// before the processor re-sorts and truncates to the tick's read window;
// it must exceed readWindowCap so chat-history re-ranking has material to
// work with.
const candidateFetchWindow = 200

// maxImmediateRetries is spec.md §4.8 step 7's "up to two immediate
// retries within the same tick per record".
const maxImmediateRetries = 2

// Processor is the QueueProcessor. It is not safe for concurrent Tick
// calls — run it from a single goroutine, as spec.md §5 requires.
type Processor struct {
	store    store.Store
	registry *registry.Registry
	bus      *notify.Bus
	log      zerolog.Logger
}

// New builds a Processor over st (queue/chat-history/campaigns) and reg
// (the live identity view and per-Worker RPC clients). bus, if non-nil,
// lets a freshly distributed campaign trigger an immediate tick instead of
// waiting out TickInterval.
func New(st store.Store, reg *registry.Registry, bus *notify.Bus, log zerolog.Logger) *Processor {
	return &Processor{store: st, registry: reg, bus: bus, log: log}
}

// Run drives Tick on TickInterval until ctx is cancelled, plus one
// immediate extra tick whenever the Distributor publishes a freshly
// queued campaign. It stops accepting new ticks immediately on
// cancellation; in-flight Tick work that is mid-dispatch still completes
// its current RPC round trips before returning, per the graceful-shutdown
// sequence in spec.md §5.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	var notifications <-chan string
	if p.bus != nil {
		ch, err := p.bus.SubscribeCampaignDistributed(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("subscribe campaign notifications failed")
		} else {
			notifications = ch
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.log.Warn().Err(err).Msg("queue tick failed")
			}
		case campaignID, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if err := p.Tick(ctx); err != nil {
				p.log.Warn().Err(err).Str("campaign", campaignID).Msg("queue tick failed")
			}
		}
	}
}

// Tick runs one iteration of the 8-step per-tick algorithm in spec.md
// §4.8.
func (p *Processor) Tick(ctx context.Context) error {
	pending, err := p.store.CountPending(ctx)
	if err != nil {
		return err
	}
	metrics.SetQueueDepth(pending)
	if pending < 2 {
		return nil
	}

	views, err := p.registry.ListIdentities(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	available := make(map[string]registry.IdentityView)
	for _, v := range views {
		if v.Available(now) {
			available[v.Phone] = v
		}
	}
	if len(available) == 0 {
		return nil
	}

	readLimit := 2 * len(available)
	if readLimit > readWindowCap {
		readLimit = readWindowCap
	}

	candidates, err := p.store.ListPending(ctx, candidateFetchWindow)
	if err != nil {
		return err
	}
	candidates, err = p.rankCandidates(ctx, candidates, available)
	if err != nil {
		return err
	}
	if len(candidates) > readLimit {
		candidates = candidates[:readLimit]
	}

	for _, record := range candidates {
		if err := p.dispatchWithRetry(ctx, record, available); err != nil {
			p.log.Warn().Err(err).Str("message", record.ID).Msg("dispatch failed")
		}
	}

	return p.completeFinishedCampaigns(ctx)
}

// rankCandidates re-sorts the fetched pending window by: prior chat-
// history-with-any-available-sender first, then priority desc, then
// createdAt asc, per spec.md §4.8 step 4.
func (p *Processor) rankCandidates(ctx context.Context, records []store.MessageRow, available map[string]registry.IdentityView) ([]store.MessageRow, error) {
	hasHistory := make(map[string]bool, len(records))
	for _, r := range records {
		edges, err := p.store.ListEdgesForRecipient(ctx, r.RecipientPhone)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if _, ok := available[e.SenderPhone]; ok {
				hasHistory[r.ID] = true
				break
			}
		}
	}

	priorityRank := map[store.Priority]int{store.PriorityHigh: 2, store.PriorityNormal: 1, store.PriorityLow: 0}
	sort.SliceStable(records, func(i, j int) bool {
		hi, hj := hasHistory[records[i].ID], hasHistory[records[j].ID]
		if hi != hj {
			return hi
		}
		pi, pj := priorityRank[records[i].Priority], priorityRank[records[j].Priority]
		if pi != pj {
			return pi > pj
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// pickSender implements spec.md §4.8 step 5: prefer a chat-history edge to
// an available sender, most recent first; otherwise score every available
// sender and take the maximum.
func (p *Processor) pickSender(ctx context.Context, recipient string, available map[string]registry.IdentityView) (registry.IdentityView, bool, error) {
	edges, err := p.store.ListEdgesForRecipient(ctx, recipient)
	if err != nil {
		return registry.IdentityView{}, false, err
	}
	var best *store.ChatHistoryRow
	for i := range edges {
		if _, ok := available[edges[i].SenderPhone]; !ok {
			continue
		}
		if best == nil || edges[i].LastMessageAt.After(best.LastMessageAt) {
			best = &edges[i]
		}
	}
	if best != nil {
		return available[best.SenderPhone], true, nil
	}

	var bestView registry.IdentityView
	bestScore := -1.0
	found := false
	for _, v := range available {
		score := float64(min(30, v.AgeDays)) +
			float64(min(20, v.TotalSent/100)) +
			recencyBonus(v.LastSendAt) -
			2*float64(v.SentThisMinute) +
			20*v.SuccessRate()
		if !found || score > bestScore {
			bestScore = score
			bestView = v
			found = true
		}
	}
	return bestView, found, nil
}

// recencyBonus rewards a sender that has sent recently enough to be
// "warmed up" for the day but outside the hard cooldown window already
// enforced by Available.
func recencyBonus(lastSendAt time.Time) float64 {
	if lastSendAt.IsZero() {
		return 0
	}
	since := time.Since(lastSendAt)
	if since < time.Hour {
		return 10
	}
	return 0
}

// dispatchWithRetry sends one record, retrying up to maxImmediateRetries
// times within the same tick (spec.md §4.8 step 7) before deferring the
// rest to the next tick.
func (p *Processor) dispatchWithRetry(ctx context.Context, record store.MessageRow, available map[string]registry.IdentityView) error {
	attempts := 0
	for {
		sender, ok, err := p.pickSender(ctx, record.RecipientPhone, available)
		if err != nil {
			return err
		}
		if !ok {
			return nil // no eligible sender left this tick; stays pending
		}

		record.Status = store.MessageProcessing
		record.AssignedSender = sender.Phone
		if err := p.store.UpdateMessage(ctx, record); err != nil {
			return err
		}

		client, ok := p.registry.ClientFor(sender.WorkerID)
		if !ok {
			return nil
		}
		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		resp, err := client.Send(sendCtx, rpc.SendRequest{
			Phone:           sender.Phone,
			RecipientPhone:  record.RecipientPhone,
			RecipientName:   record.RecipientName,
			MessageTemplate: record.MessageTemplate,
		})
		cancel()

		terminal, retry, handleErr := p.handleResult(ctx, record, sender, resp, err)
		if handleErr != nil {
			return handleErr
		}
		if terminal || !retry {
			return nil
		}
		delete(available, sender.Phone)
		attempts++
		if attempts >= maxImmediateRetries || len(available) == 0 {
			return nil
		}
	}
}

// handleResult applies spec.md §4.8 step 6's outcome table, returning
// whether the record reached a terminal state and whether the caller
// should retry with a different sender within this tick.
func (p *Processor) handleResult(ctx context.Context, record store.MessageRow, sender registry.IdentityView, resp rpc.SendResponse, rpcErr error) (terminal bool, retry bool, err error) {
	now := time.Now()

	if rpcErr != nil {
		return p.requeueOrFail(ctx, record, now)
	}

	switch resp.Outcome {
	case "ok":
		record.Status = store.MessageSent
		record.ProcessedAt = &now
		if err := p.store.UpdateMessage(ctx, record); err != nil {
			return false, false, err
		}
		if err := p.store.UpsertChatHistory(ctx, store.ChatHistoryRow{
			SenderPhone:    sender.Phone,
			RecipientPhone: record.RecipientPhone,
			LastMessageAt:  now,
		}); err != nil {
			return false, false, err
		}
		return true, false, nil

	case "not_paired":
		record.Status = store.MessageFailed
		record.ProcessedAt = &now
		return true, false, p.store.UpdateMessage(ctx, record)

	case "temp_blocked", "denied", "not_connected":
		return p.requeueOrFail(ctx, record, now)

	default:
		record.Status = store.MessageFailed
		record.ProcessedAt = &now
		return true, false, p.store.UpdateMessage(ctx, record)
	}
}

// requeueOrFail reverts a record to pending and bumps its retry count,
// marking it terminally failed at the 3rd retry, per spec.md §4.8 step 6.
func (p *Processor) requeueOrFail(ctx context.Context, record store.MessageRow, now time.Time) (terminal bool, retry bool, err error) {
	record.RetryCount++
	if record.RetryCount >= maxRetries {
		record.Status = store.MessageFailed
		record.ProcessedAt = &now
		return true, false, p.store.UpdateMessage(ctx, record)
	}
	record.Status = store.MessagePending
	record.AssignedSender = ""
	if err := p.store.UpdateMessage(ctx, record); err != nil {
		return false, false, err
	}
	return false, true, nil
}

// completeFinishedCampaigns implements spec.md §4.8 step 8.
func (p *Processor) completeFinishedCampaigns(ctx context.Context) error {
	campaigns, err := p.store.ListActiveCampaigns(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, c := range campaigns {
		records, err := p.store.ListByCampaign(ctx, c.ID)
		if err != nil {
			return err
		}
		nonTerminal := 0
		sent, failed := 0, 0
		for _, r := range records {
			switch r.Status {
			case store.MessagePending, store.MessageProcessing:
				nonTerminal++
			case store.MessageSent:
				sent++
			case store.MessageFailed:
				failed++
			}
		}
		if nonTerminal > 0 {
			continue
		}
		c.Sent = sent
		c.Failed = failed
		c.Status = store.CampaignCompleted
		c.CompletedAt = &now
		if err := p.store.UpdateCampaign(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
