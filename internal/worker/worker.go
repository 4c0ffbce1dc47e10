// Package worker hosts the per-Identity runtime (SessionGroup, Pacer,
// Humanizer) assigned to one Worker process and exposes the Master-facing
// RPC surface over it (spec.md §4.6).
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/sendbrain/internal/config"
	"github.com/local/sendbrain/internal/humanizer"
	"github.com/local/sendbrain/internal/identity"
	"github.com/local/sendbrain/internal/metrics"
	"github.com/local/sendbrain/internal/pacer"
	"github.com/local/sendbrain/internal/session"
	"github.com/local/sendbrain/internal/sessiongroup"
	"github.com/local/sendbrain/internal/store"
	"github.com/local/sendbrain/internal/variator"
)

// Account bundles everything WorkerRuntime owns for one Identity.
type Account struct {
	Identity  *identity.Identity
	Group     *sessiongroup.Group
	Pacer     *pacer.Pacer
	Humanizer *humanizer.Humanizer
	cancel    context.CancelFunc
}

// Runtime owns the Identity→{SessionGroup,Pacer,Humanizer} maps for one
// Worker process.
type Runtime struct {
	WorkerID string

	mu       sync.RWMutex
	accounts map[string]*Account

	store     store.Store
	proxies   sessiongroup.ProxyPool
	dialerFor sessiongroup.DialerFactory
	pacing    config.PacingConfig
	log       zerolog.Logger

	contacts  humanizer.ContactSource
	exec      humanizer.Executor
	warmup    *humanizer.WarmupLoop
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New builds an empty Runtime. dialerFor and proxies plug in the
// chat-service transport and proxy pool; both are external collaborators
// per spec.md §1. pacing is the operator-tunable override layer from
// spec.md §6 (MIN_DELAY_MS, MAX_DELAY_MS, SHORT_BREAK_*, LONG_BREAK_*,
// MAX_MESSAGES_PER_DAY, MAX_MESSAGES_PER_HOUR), threaded into every
// Account's Pacer; the zero value falls back to the per-stage table in
// internal/identity.
func New(workerID string, st store.Store, dialerFor sessiongroup.DialerFactory, proxies sessiongroup.ProxyPool, pacing config.PacingConfig, contacts humanizer.ContactSource, exec humanizer.Executor, log zerolog.Logger) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		WorkerID:  workerID,
		accounts:  make(map[string]*Account),
		store:     st,
		proxies:   proxies,
		dialerFor: dialerFor,
		pacing:    pacing,
		log:       log.With().Str("worker", workerID).Logger(),
		contacts:  contacts,
		exec:      exec,
		runCtx:    ctx,
		runCancel: cancel,
	}
	r.warmup = humanizer.NewWarmupLoop(r, contacts, nil, r.log)
	return r
}

// BindLocal wires this Runtime's own account table as both the
// humanizer.ContactSource and humanizer.Executor, for single-process
// deployments where every Identity's known contacts are other
// co-located Identities. Call once, right after New, before Bootstrap.
func (r *Runtime) BindLocal() {
	contacts := NewLocalContacts(r)
	r.mu.Lock()
	r.contacts = contacts
	r.exec = NewLocalExecutor(r)
	r.mu.Unlock()
	r.warmup = humanizer.NewWarmupLoop(r, contacts, nil, r.log)
}

// Bootstrap scans the persisted session store for Identities previously
// assigned to this Worker, rebuilding SessionGroups and reconnecting only
// those that were previously logged in (spec.md §4.6). Identities never
// previously logged in are loaded but left idle.
func (r *Runtime) Bootstrap(ctx context.Context, credentialFor func(phone string, slot int) []byte) error {
	rows, err := r.store.ListSessionsForWorker(ctx, r.WorkerID)
	if err != nil {
		return fmt.Errorf("list sessions for worker: %w", err)
	}
	for _, row := range rows {
		acct, ok, err := r.store.GetAccount(ctx, row.Phone)
		if err != nil {
			return fmt.Errorf("load account %s: %w", row.Phone, err)
		}
		if !ok {
			continue
		}
		account := r.ensureAccountLocked(row.Phone, acct.Country, acct.CreatedAt)
		if row.Status != "CONNECTED" {
			continue
		}
		cred := credentialFor(row.Phone, row.SessionNumber)
		if cred == nil {
			continue
		}
		sess := account.Group.EnsureSlot(row.SessionNumber)
		if result := sess.Connect(ctx, cred, ""); result.Outcome != session.ConnectConnected {
			r.log.Warn().Err(result.Err).Str("phone", row.Phone).Msg("bootstrap reconnect failed")
		}
	}
	return nil
}

func (r *Runtime) ensureAccountLocked(phone, country string, createdAt time.Time) *Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acc, ok := r.accounts[phone]; ok {
		return acc
	}
	id := identity.New(phone, createdAt)
	id.Country = country
	group := sessiongroup.New(phone, r.dialerFor, r.proxies, r.log)
	pc := pacer.New(id.Stage, r.pacing)
	hz := humanizer.New(phone, r.exec, r.contacts, r.log)

	groupCtx, cancel := context.WithCancel(r.runCtx)
	acc := &Account{Identity: id, Group: group, Pacer: pc, Humanizer: hz, cancel: cancel}
	r.accounts[phone] = acc

	go group.MaintainRevival(groupCtx, func(slot int) []byte { return nil })
	go hz.Run(groupCtx)
	return acc
}

// RegisterIdentity creates (or returns the existing) Account for a phone
// number, without requiring the store round trip Bootstrap does.
func (r *Runtime) RegisterIdentity(phone, country string, createdAt time.Time) *Account {
	return r.ensureAccountLocked(phone, country, createdAt)
}

func (r *Runtime) account(phone string) (*Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[phone]
	return acc, ok
}

// SendOutcome is the WorkerRuntime-level result of a send request.
type SendOutcome string

const (
	SendOK           SendOutcome = "ok"
	SendDenied       SendOutcome = "denied"
	SendTempBlocked  SendOutcome = "temp_blocked"
	SendPermFailed   SendOutcome = "perm_failed"
	SendNotPaired    SendOutcome = "not_paired"
	SendNotConnected SendOutcome = "not_connected"
)

// SendResult is WorkerRuntime.Send's return value.
type SendResult struct {
	Outcome    SendOutcome
	MessageID  string
	Kind       session.ErrorKind
	DenyReason pacer.DenyReason
	Err        error
}

// Send runs one message through an Identity's Pacer, Variator, and active
// Session, in that order, per spec.md §2's control-flow summary.
func (r *Runtime) Send(ctx context.Context, phone, recipient, body string, hasHistory bool) SendResult {
	result := r.send(ctx, phone, recipient, body, hasHistory)
	metrics.RecordSend(string(result.Outcome))
	if result.Outcome == SendDenied {
		metrics.RecordDenial(string(result.DenyReason))
	}
	return result
}

func (r *Runtime) send(ctx context.Context, phone, recipient, body string, hasHistory bool) SendResult {
	acc, ok := r.account(phone)
	if !ok {
		return SendResult{Outcome: SendNotPaired}
	}

	decision := acc.Pacer.Admit(time.Now())
	if !decision.Allowed {
		return SendResult{Outcome: SendDenied, DenyReason: decision.Reason}
	}
	if decision.DelayMs > 0 {
		select {
		case <-ctx.Done():
			return SendResult{Outcome: SendDenied, Err: ctx.Err()}
		case <-time.After(time.Duration(decision.DelayMs) * time.Millisecond):
		}
	}

	varied := variator.Vary(body, nil)
	result := acc.Group.SendActive(ctx, recipient, varied, hasHistory)
	switch result.Outcome {
	case session.SendOK:
		acc.Pacer.Record(time.Now())
		acc.Identity.IncrementSend()
		return SendResult{Outcome: SendOK, MessageID: result.MessageID}
	case session.SendTempBlocked:
		if result.Kind == session.KindNotConnected {
			return SendResult{Outcome: SendNotConnected, Kind: result.Kind, Err: result.Err}
		}
		return SendResult{Outcome: SendTempBlocked, Kind: result.Kind, Err: result.Err}
	default:
		if result.Kind == session.KindPermanentlyBlocked {
			acc.Identity.Block(time.Now().Add(100 * 365 * 24 * time.Hour))
		}
		return SendResult{Outcome: SendPermFailed, Kind: result.Kind, Err: result.Err}
	}
}

// AccountStatus is one entry of Accounts' result.
type AccountStatus struct {
	Phone          string
	Country        string
	AgeDays        int
	Status         sessiongroup.AggregateStatus
	ActiveSlot     int
	Stage          identity.Stage
	SentThisMinute int
	SentToday      int
	TotalSent      int
	Successful     int
	LastSendAt     time.Time
	BlockedUntil   *time.Time
	NeedsAttn      bool
}

// Accounts lists the status of every Identity this Runtime owns.
func (r *Runtime) Accounts() []AccountStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	out := make([]AccountStatus, 0, len(r.accounts))
	for phone, acc := range r.accounts {
		snap := acc.Pacer.Snapshot(now)
		counters := acc.Identity.Counters()
		out = append(out, AccountStatus{
			Phone:          phone,
			Country:        acc.Identity.Country,
			AgeDays:        acc.Identity.AgeDays(now),
			Status:         acc.Group.Status(),
			ActiveSlot:     acc.Group.ActiveSlot(),
			Stage:          acc.Identity.Stage(now),
			SentThisMinute: snap.SentThisMinute,
			SentToday:      snap.SentToday,
			TotalSent:      counters.TotalSent,
			Successful:     counters.Successful,
			LastSendAt:     snap.LastSendAt,
			BlockedUntil:   acc.Identity.BlockedUntilAt(),
			NeedsAttn:      acc.Group.NeedsManualAttention(),
		})
	}
	return out
}

// Connect dials (or pairs) one slot of an Identity, registering it first
// if unknown.
func (r *Runtime) Connect(ctx context.Context, phone string, slot int, credential []byte) session.ConnectResult {
	acc, ok := r.account(phone)
	if !ok {
		acc = r.ensureAccountLocked(phone, identity.CountryFromHandle(phone), time.Now())
	}
	sess := acc.Group.EnsureSlot(slot)
	if sess.Status() == session.StatusConnected {
		return session.ConnectResult{Outcome: session.ConnectConnected}
	}
	return sess.Connect(ctx, credential, "")
}

// Disconnect tears down one slot (or every slot when slot == 0) of an
// Identity.
func (r *Runtime) Disconnect(phone string, slot int) error {
	acc, ok := r.account(phone)
	if !ok {
		return fmt.Errorf("unknown identity %s", phone)
	}
	if slot == 0 {
		acc.Group.Shutdown()
		return nil
	}
	for _, sess := range acc.Group.Sessions() {
		if sess.Slot == slot {
			sess.Disconnect()
			return nil
		}
	}
	return nil
}

// Cleanup purges idle-unpaired Identities (never connected, no live
// Session) from memory on request, per spec.md §4.6.
func (r *Runtime) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for phone, acc := range r.accounts {
		if acc.Group.Status() == sessiongroup.Disconnected && acc.Group.ActiveSlot() == 0 && len(acc.Group.Sessions()) == 0 {
			acc.cancel()
			delete(r.accounts, phone)
			purged++
		}
	}
	return purged
}

// identitiesByStage implements the signature WarmupLoop.Run expects.
func (r *Runtime) identitiesByStage() map[string]identity.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]identity.Stage, len(r.accounts))
	now := time.Now()
	for phone, acc := range r.accounts {
		out[phone] = acc.Identity.Stage(now)
	}
	return out
}

// RunWarmup starts the internal-warmup loop; call once per Runtime.
func (r *Runtime) RunWarmup(ctx context.Context) {
	r.warmup.Run(ctx, r.identitiesByStage)
}

// SendGreeting implements humanizer.WarmupGreeter by delegating to Send
// with no chat-history requirement (warmup traffic has none yet).
func (r *Runtime) SendGreeting(ctx context.Context, fromIdentity, toIdentity, body string) error {
	result := r.Send(ctx, fromIdentity, toIdentity, body, false)
	if result.Outcome != SendOK {
		return fmt.Errorf("warmup send %s->%s: %s", fromIdentity, toIdentity, result.Outcome)
	}
	return nil
}

// Shutdown disconnects every owned SessionGroup in parallel, per the
// graceful-shutdown sequence in spec.md §5.
func (r *Runtime) Shutdown() {
	r.runCancel()
	r.mu.RLock()
	accounts := make([]*Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		accounts = append(accounts, acc)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, acc := range accounts {
		wg.Add(1)
		go func(a *Account) {
			defer wg.Done()
			a.Group.Shutdown()
		}(acc)
	}
	wg.Wait()
}

// localContacts is a minimal ContactSource backed by the Runtime's own
// account table, suitable for single-process deployments where every
// Identity's known contacts are other co-located Identities.
type localContacts struct {
	r *Runtime
}

// NewLocalContacts builds a ContactSource that treats every other
// Identity on this Runtime as both a known contact and a co-located peer.
func NewLocalContacts(r *Runtime) humanizer.ContactSource { return localContacts{r: r} }

func (c localContacts) KnownContacts(identityHandle string) []string {
	return c.CoLocatedPeers(identityHandle)
}

func (c localContacts) CoLocatedPeers(identityHandle string) []string {
	c.r.mu.RLock()
	defer c.r.mu.RUnlock()
	out := make([]string, 0, len(c.r.accounts))
	for phone := range c.r.accounts {
		if phone != identityHandle {
			out = append(out, phone)
		}
	}
	return out
}
