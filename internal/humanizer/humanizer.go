// Package humanizer drives per-Identity idle activity (presence, typing,
// read receipts) and the internal warmup loop that exercises newly
// provisioned identities against other identities on the same Worker
// (spec.md §4.5).
package humanizer

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/identity"
)

// Action is one of the six idle activities a Humanizer may perform.
type Action string

const (
	ActionMarkRead       Action = "mark_read"
	ActionTogglePresence Action = "toggle_presence"
	ActionTypeAndCancel  Action = "type_and_cancel"
	ActionViewStatus     Action = "view_status"
	ActionSendVoiceNote  Action = "send_voice_note"
	ActionIdle           Action = "idle"
)

// weightedAction pairs an Action with its selection weight out of 100.
type weightedAction struct {
	action Action
	weight int
}

var actionDistribution = []weightedAction{
	{ActionMarkRead, 20},
	{ActionTogglePresence, 20},
	{ActionTypeAndCancel, 20},
	{ActionViewStatus, 10},
	{ActionSendVoiceNote, 15},
	{ActionIdle, 15},
}

// Target describes what a Humanizer action operates on.
type Target struct {
	ContactHandle string // a known contact, for read/presence/typing/status actions
	PeerIdentity  string // another locally-managed identity, for voice-note actions
}

// Executor performs the side-effecting half of an action; Humanizer only
// decides what to do and when. Production wires this to the Session via
// SessionGroup; tests use a recording fake.
type Executor interface {
	MarkChatRead(ctx context.Context, identityHandle, contact string) error
	TogglePresence(ctx context.Context, identityHandle string) error
	TypeAndCancel(ctx context.Context, identityHandle, contact string) error
	ViewStatus(ctx context.Context, identityHandle, contact string) error
	SendSilentVoiceNote(ctx context.Context, fromIdentity, toIdentity string) error
}

// ContactSource supplies the pool of known contacts/peers a Humanizer picks
// targets from.
type ContactSource interface {
	KnownContacts(identityHandle string) []string
	CoLocatedPeers(identityHandle string) []string
}

// Humanizer wakes on a uniform random interval of 15-45 minutes and
// performs one idle action.
type Humanizer struct {
	Identity string

	exec     Executor
	contacts ContactSource
	log      zerolog.Logger
	rng      *rand.Rand
}

// New creates a Humanizer for one Identity.
func New(identityHandle string, exec Executor, contacts ContactSource, log zerolog.Logger) *Humanizer {
	return &Humanizer{
		Identity: identityHandle,
		exec:     exec,
		contacts: contacts,
		log:      log.With().Str("identity", identityHandle).Str("component", "humanizer").Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(identityHandle)))),
	}
}

// Run loops until ctx is cancelled, sleeping a uniform 15-45 minute
// interval between each tick.
func (h *Humanizer) Run(ctx context.Context) {
	for {
		wait := uniformDuration(h.rng, 15*time.Minute, 45*time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			h.tick(ctx)
		}
	}
}

func (h *Humanizer) tick(ctx context.Context) {
	action := pickAction(h.rng)
	if err := h.perform(ctx, action); err != nil {
		h.log.Debug().Err(err).Str("action", string(action)).Msg("humanizer action failed")
	}
}

func pickAction(rng *rand.Rand) Action {
	roll := rng.Intn(100)
	cum := 0
	for _, wa := range actionDistribution {
		cum += wa.weight
		if roll < cum {
			return wa.action
		}
	}
	return ActionIdle
}

func (h *Humanizer) perform(ctx context.Context, action Action) error {
	// "Human" pause before acting, per spec.md §5's suspension points.
	pause := uniformDuration(h.rng, 3*time.Second, 8*time.Second)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pause):
	}

	switch action {
	case ActionMarkRead:
		contact := h.randomContact()
		if contact == "" {
			return nil
		}
		return h.exec.MarkChatRead(ctx, h.Identity, contact)
	case ActionTogglePresence:
		return h.exec.TogglePresence(ctx, h.Identity)
	case ActionTypeAndCancel:
		contact := h.randomContact()
		if contact == "" {
			return nil
		}
		return h.exec.TypeAndCancel(ctx, h.Identity, contact)
	case ActionViewStatus:
		contact := h.randomContact()
		if contact == "" {
			return nil
		}
		return h.exec.ViewStatus(ctx, h.Identity, contact)
	case ActionSendVoiceNote:
		peer := h.randomPeer()
		if peer == "" {
			return nil
		}
		return h.exec.SendSilentVoiceNote(ctx, h.Identity, peer)
	default:
		return nil
	}
}

func (h *Humanizer) randomContact() string {
	contacts := h.contacts.KnownContacts(h.Identity)
	if len(contacts) == 0 {
		return ""
	}
	return contacts[h.rng.Intn(len(contacts))]
}

func (h *Humanizer) randomPeer() string {
	peers := h.contacts.CoLocatedPeers(h.Identity)
	if len(peers) == 0 {
		return ""
	}
	return peers[h.rng.Intn(len(peers))]
}

func uniformDuration(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}

// WarmupBudget is the per-stage daily allowance of warmup messages and
// activities (spec.md §4.5).
type WarmupBudget struct {
	Messages   int
	Activities int
}

var warmupBudgets = map[identity.Stage]WarmupBudget{
	identity.Newborn: {Messages: 3, Activities: 5},
	identity.Baby:    {Messages: 8, Activities: 10},
	identity.Toddler: {Messages: 15, Activities: 15},
	identity.Teen:    {Messages: 25, Activities: 20},
	identity.Adult:   {Messages: 40, Activities: 25},
	identity.Veteran: {Messages: 60, Activities: 30},
}

// BudgetFor returns the warmup budget for a stage.
func BudgetFor(stage identity.Stage) WarmupBudget {
	return warmupBudgets[stage]
}

// coLocatedOnly reports whether a stage may only warm up against
// co-located identities (true for Newborn and Baby); later stages may also
// draw from a small configured external-target list.
func coLocatedOnly(stage identity.Stage) bool {
	return stage == identity.Newborn || stage == identity.Baby
}

// WarmupUsage tracks one Identity's warmup consumption for the current UTC
// day.
type WarmupUsage struct {
	Day        time.Time
	Messages   int
	Activities int
}

// WarmupGreeter sends the actual warmup traffic; production wires this to
// SessionGroup.SendActive, tests use a recording fake.
type WarmupGreeter interface {
	SendGreeting(ctx context.Context, fromIdentity, toIdentity, body string) error
}

// WarmupLoop runs the internal-warmup loop on a 30-minute cadence across
// every Identity owned by a Worker.
type WarmupLoop struct {
	greeter       WarmupGreeter
	contacts      ContactSource
	externalPeers func(identityHandle string) []string
	usage         map[string]*WarmupUsage
	rng           *rand.Rand
	log           zerolog.Logger
}

// NewWarmupLoop creates a WarmupLoop.
func NewWarmupLoop(greeter WarmupGreeter, contacts ContactSource, externalPeers func(string) []string, log zerolog.Logger) *WarmupLoop {
	return &WarmupLoop{
		greeter:       greeter,
		contacts:      contacts,
		externalPeers: externalPeers,
		usage:         make(map[string]*WarmupUsage),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		log:           log.With().Str("component", "warmup").Logger(),
	}
}

// Run loops forever on a 30-minute cadence, calling tick with the current
// set of owned identities and their stage/age.
func (w *WarmupLoop) Run(ctx context.Context, identities func() map[string]identity.Stage) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx, identities())
		}
	}
}

func (w *WarmupLoop) tick(ctx context.Context, identities map[string]identity.Stage) {
	now := time.Now()
	for handle, stage := range identities {
		budget := BudgetFor(stage)
		use := w.usageFor(handle, now)
		if use.Activities < budget.Activities {
			use.Activities++
		}
		if use.Messages >= budget.Messages {
			continue
		}
		target := w.pickWarmupTarget(handle, stage)
		if target == "" {
			continue
		}
		greeting := warmupGreetings[w.rng.Intn(len(warmupGreetings))]
		if err := w.greeter.SendGreeting(ctx, handle, target, greeting); err != nil {
			w.log.Debug().Err(err).Str("identity", handle).Msg("warmup send failed")
			continue
		}
		use.Messages++
	}
}

func (w *WarmupLoop) usageFor(handle string, now time.Time) *WarmupUsage {
	use, ok := w.usage[handle]
	if !ok || use.Day.UTC().YearDay() != now.UTC().YearDay() || use.Day.UTC().Year() != now.UTC().Year() {
		use = &WarmupUsage{Day: now}
		w.usage[handle] = use
	}
	return use
}

func (w *WarmupLoop) pickWarmupTarget(handle string, stage identity.Stage) string {
	peers := w.contacts.CoLocatedPeers(handle)
	if !coLocatedOnly(stage) && w.externalPeers != nil {
		peers = append(peers, w.externalPeers(handle)...)
	}
	if len(peers) == 0 {
		// later stages may greet their own handle when no peer is free.
		if !coLocatedOnly(stage) {
			return handle
		}
		return ""
	}
	return peers[w.rng.Intn(len(peers))]
}

var warmupGreetings = []string{
	"Hey, just testing the connection 👋",
	"Morning! Hope you're well.",
	"Quick hello from the other side.",
	"Checking in — all good here.",
}
