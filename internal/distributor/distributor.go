// Package distributor implements the pre-plan batch-to-queue fan-out from
// spec.md §4.7: group recipients by country, weight eligible Identities by
// effective power, and enqueue one queued-message record per recipient,
// flagging the overflow the pre-plan could not place.
package distributor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/identity"
	"github.com/local/sendbrain/internal/notify"
	"github.com/local/sendbrain/internal/registry"
	"github.com/local/sendbrain/internal/store"
)

// viewCacheTTL matches spec.md §4.7's "refreshed from Workers with a 60-s
// cache".
const viewCacheTTL = 60 * time.Second

// perIdentityBatchCap is the per-batch share ceiling of 20 messages per
// Identity from spec.md §4.7.
const perIdentityBatchCap = 20

// Recipient is one (phone, name) pair from an ingress batch.
type Recipient struct {
	Phone string
	Name  string
}

// Plan is the outcome of one Distribute call.
type Plan struct {
	CampaignID string
	Queued     int
	Overflow   int
}

// Distributor consults the Master's cached identity view to pre-plan
// distribution and writes one message_queue record per recipient. It makes
// no per-message routing commitment — sender assignment happens later, at
// dispatch time, in the QueueProcessor.
type Distributor struct {
	store    store.Store
	registry *registry.Registry
	cache    *expirable.LRU[string, []registry.IdentityView]
	bus      *notify.Bus
	log      zerolog.Logger
}

// New builds a Distributor backed by reg for the identity view and st for
// persisting queued-message records. bus is notified after every batch so
// the QueueProcessor can pick it up without waiting for its next poll.
func New(st store.Store, reg *registry.Registry, bus *notify.Bus, log zerolog.Logger) *Distributor {
	return &Distributor{
		store:    st,
		registry: reg,
		cache:    expirable.NewLRU[string, []registry.IdentityView](1, nil, viewCacheTTL),
		bus:      bus,
		log:      log,
	}
}

func (d *Distributor) views(ctx context.Context) ([]registry.IdentityView, error) {
	if v, ok := d.cache.Get("all"); ok {
		return v, nil
	}
	v, err := d.registry.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}
	d.cache.Add("all", v)
	return v, nil
}

// allocation is one Identity's share of one country's recipient list.
type allocation struct {
	view      registry.IdentityView
	remaining int
}

// Distribute enqueues one message_queue record per recipient for
// campaignID, grouping by destination country and weighting eligible
// Identities by effective power, per spec.md §4.7.
func (d *Distributor) Distribute(ctx context.Context, campaignID, template string, recipients []Recipient) (Plan, error) {
	views, err := d.views(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("list identities: %w", err)
	}

	byCountry := make(map[string][]Recipient)
	for _, r := range recipients {
		country := identity.CountryFromHandle(r.Phone)
		byCountry[country] = append(byCountry[country], r)
	}

	identitiesByCountry := make(map[string][]registry.IdentityView)
	for _, v := range views {
		identitiesByCountry[v.Country] = append(identitiesByCountry[v.Country], v)
	}

	var plan Plan
	plan.CampaignID = campaignID
	now := time.Now()

	for country, group := range byCountry {
		allocs := allocateCountry(identitiesByCountry[country], now)
		for _, rcpt := range group {
			overflow := assignAllocation(allocs) == nil
			row := store.MessageRow{
				ID:              uuid.NewString(),
				CampaignID:      campaignID,
				RecipientPhone:  rcpt.Phone,
				RecipientName:   rcpt.Name,
				MessageTemplate: template,
				Priority:        store.PriorityNormal,
				Status:          store.MessagePending,
				Overflow:        overflow,
				CreatedAt:       now,
			}
			exists, err := d.store.ExistsForCampaign(ctx, campaignID, rcpt.Phone, template)
			if err != nil {
				return plan, fmt.Errorf("check existing record: %w", err)
			}
			if exists {
				continue
			}
			if err := d.store.EnqueueMessage(ctx, row); err != nil {
				return plan, fmt.Errorf("enqueue message: %w", err)
			}
			plan.Queued++
			if overflow {
				plan.Overflow++
			}
		}
	}

	d.log.Info().Str("campaign", campaignID).Int("queued", plan.Queued).Int("overflow", plan.Overflow).Msg("distributed batch")
	if plan.Queued > 0 && d.bus != nil {
		if err := d.bus.PublishCampaignDistributed(ctx, campaignID); err != nil {
			d.log.Warn().Err(err).Str("campaign", campaignID).Msg("publish campaign notification failed")
		}
	}
	return plan, nil
}

// allocateCountry builds the per-Identity remaining-share table for one
// country's eligible Identities, weighted by effective power and capped at
// perIdentityBatchCap.
func allocateCountry(views []registry.IdentityView, now time.Time) []*allocation {
	out := make([]*allocation, 0, len(views))
	for _, v := range views {
		stage := stageFromString(v.Stage)
		dailyCap := identity.Limits(stage).DailyCap
		remainingDaily := dailyCap - v.SentToday
		if remainingDaily <= 0 {
			continue
		}
		power := remainingDaily
		if dailyCap < power {
			power = dailyCap
		}
		if power > perIdentityBatchCap {
			power = perIdentityBatchCap
		}
		out = append(out, &allocation{view: v, remaining: power})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].remaining > out[j].remaining })
	return out
}

// assignAllocation consumes one unit of share from the first allocation (in
// allocateCountry's descending-power order) that still has share left, so
// each allocation is used up before the next; it returns nil when none
// remain (overflow).
func assignAllocation(allocs []*allocation) *allocation {
	for _, a := range allocs {
		if a.remaining > 0 {
			a.remaining--
			return a
		}
	}
	return nil
}

func stageFromString(s string) identity.Stage {
	switch s {
	case "newborn":
		return identity.Newborn
	case "baby":
		return identity.Baby
	case "toddler":
		return identity.Toddler
	case "teen":
		return identity.Teen
	case "adult":
		return identity.Adult
	case "veteran":
		return identity.Veteran
	default:
		return identity.Newborn
	}
}
