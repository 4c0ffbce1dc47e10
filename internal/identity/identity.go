// Package identity holds the durable sending-handle model shared by every
// other package: stages, caps, counters and chat-history edges.
package identity

import (
	"strings"
	"sync"
	"time"
)

// Stage is a discrete warmup bucket driving daily/hourly caps and the base
// delay distribution between sends.
type Stage int

const (
	Newborn Stage = iota
	Baby
	Toddler
	Teen
	Adult
	Veteran
)

func (s Stage) String() string {
	switch s {
	case Newborn:
		return "newborn"
	case Baby:
		return "baby"
	case Toddler:
		return "toddler"
	case Teen:
		return "teen"
	case Adult:
		return "adult"
	case Veteran:
		return "veteran"
	default:
		return "unknown"
	}
}

// StageLimits describes the daily/hourly caps and base delay range for a
// stage. Values are taken verbatim from the stage table.
type StageLimits struct {
	MinAgeDays int
	DailyCap   int
	HourlyCap  int
	BaseMin    time.Duration
	BaseMax    time.Duration
}

// stageTable is a closed enumeration of constants, never mutated at runtime.
var stageTable = map[Stage]StageLimits{
	Newborn: {MinAgeDays: 0, DailyCap: 5, HourlyCap: 2, BaseMin: 30 * time.Second, BaseMax: 60 * time.Second},
	Baby:    {MinAgeDays: 4, DailyCap: 15, HourlyCap: 5, BaseMin: 20 * time.Second, BaseMax: 40 * time.Second},
	Toddler: {MinAgeDays: 8, DailyCap: 30, HourlyCap: 10, BaseMin: 10 * time.Second, BaseMax: 20 * time.Second},
	Teen:    {MinAgeDays: 15, DailyCap: 50, HourlyCap: 15, BaseMin: 5 * time.Second, BaseMax: 10 * time.Second},
	Adult:   {MinAgeDays: 31, DailyCap: 100, HourlyCap: 25, BaseMin: 3 * time.Second, BaseMax: 7 * time.Second},
	Veteran: {MinAgeDays: 61, DailyCap: 200, HourlyCap: 50, BaseMin: 1 * time.Second, BaseMax: 5 * time.Second},
}

// MinuteCeiling is the orthogonal per-minute ceiling applied to every sender
// regardless of stage. It is the binding constraint at full throughput.
const MinuteCeiling = 15

// Cooldown is the minimum spacing enforced between any two sends by the
// same Identity.
const Cooldown = 4 * time.Second

// stageOrder lists stages from youngest to oldest so StageForAge can walk
// it and keep the last one whose MinAgeDays threshold is met.
var stageOrder = []Stage{Newborn, Baby, Toddler, Teen, Adult, Veteran}

// Limits returns the StageLimits for s.
func Limits(s Stage) StageLimits {
	return stageTable[s]
}

// StageForAge returns the stage an Identity created ageDays ago is in.
func StageForAge(ageDays int) Stage {
	stage := Newborn
	for _, s := range stageOrder {
		if ageDays >= stageTable[s].MinAgeDays {
			stage = s
		}
	}
	return stage
}

// Power is a distributor-side scalar, numerically equal to the stage's daily
// cap, used to weight batch pre-allocation across Identities.
func Power(s Stage) int {
	return stageTable[s].DailyCap
}

// Counters holds the mutable send counters tracked per Identity.
type Counters struct {
	SentToday      int
	SentThisMinute int
	SentThisHour   int
	TotalSent      int
	Successful     int
}

// Identity is an externally-meaningful sending handle, treated as opaque
// beyond its country prefix.
type Identity struct {
	Handle       string
	Country      string
	CreatedAt    time.Time
	BlockedUntil *time.Time
	WorkerID     string

	mu       sync.RWMutex
	counters Counters
}

// New creates an Identity first paired at createdAt.
func New(handle string, createdAt time.Time) *Identity {
	return &Identity{
		Handle:    handle,
		Country:   CountryFromHandle(handle),
		CreatedAt: createdAt,
	}
}

// CountryFromHandle derives a coarse routing/locale tag from an E.164-style
// handle prefix. It is intentionally a heuristic — the chat service and its
// numbering plan are external.
func CountryFromHandle(handle string) string {
	h := strings.TrimPrefix(strings.TrimSpace(handle), "+")
	switch {
	case strings.HasPrefix(h, "1"):
		return "US"
	case strings.HasPrefix(h, "44"):
		return "GB"
	case strings.HasPrefix(h, "49"):
		return "DE"
	case strings.HasPrefix(h, "33"):
		return "FR"
	case strings.HasPrefix(h, "55"):
		return "BR"
	case strings.HasPrefix(h, "91"):
		return "IN"
	case strings.HasPrefix(h, "234"):
		return "NG"
	case strings.HasPrefix(h, "52"):
		return "MX"
	default:
		return "XX"
	}
}

// AgeDays returns the number of whole days since creation, as of now.
func (i *Identity) AgeDays(now time.Time) int {
	return int(now.Sub(i.CreatedAt) / (24 * time.Hour))
}

// Stage returns the warmup stage derived from the Identity's age.
func (i *Identity) Stage(now time.Time) Stage {
	return StageForAge(i.AgeDays(now))
}

// IsBlocked reports whether the Identity is currently permanently blocked.
func (i *Identity) IsBlocked(now time.Time) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.BlockedUntil != nil && now.Before(*i.BlockedUntil)
}

// BlockedUntilAt returns a snapshot of the block deadline, or nil if the
// Identity is not blocked.
func (i *Identity) BlockedUntilAt() *time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.BlockedUntil == nil {
		return nil
	}
	t := *i.BlockedUntil
	return &t
}

// Block marks the Identity blocked until the given time. A nil/zero until
// from PermanentlyBlocked callers should pass a far-future time; the 48h
// cooldown check used by QueueProcessor treats "> 48h ago" as available
// again regardless of the original duration.
func (i *Identity) Block(until time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.BlockedUntil = &until
}

// Counters returns a snapshot copy of the current counters.
func (i *Identity) Counters() Counters {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.counters
}

// IncrementSend records a successful send against the counters. Callers are
// expected to have already applied any pending resets via Pacer.
func (i *Identity) IncrementSend() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.counters.SentToday++
	i.counters.SentThisMinute++
	i.counters.SentThisHour++
	i.counters.TotalSent++
	i.counters.Successful++
}

// ResetMinute zeroes the per-minute counter (called lazily on window roll).
func (i *Identity) ResetMinute() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.counters.SentThisMinute = 0
}

// ResetHour zeroes the per-hour counter.
func (i *Identity) ResetHour() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.counters.SentThisHour = 0
}

// ResetDay zeroes the per-day counter.
func (i *Identity) ResetDay() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.counters.SentToday = 0
}

// ChatHistoryEdge records a prior successful send between a sender Identity
// and a recipient handle; used to route subsequent sends preferentially.
// It is undirected in the sense that only the sender→recipient pair that
// actually sent creates an edge — the spec models it keyed by
// (sender, recipient), never deleted by the core.
type ChatHistoryEdge struct {
	Sender        string
	Recipient     string
	LastMessageAt time.Time
}
