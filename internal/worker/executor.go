package worker

import (
	"context"
	"fmt"
)

// localExecutor implements humanizer.Executor over this Runtime's own
// SessionGroups. The chat-service library only exposes Send/Subscribe/Close
// (spec.md §9), so every idle activity reduces to a lightweight probe:
// Session.Presence on the Identity's lowest-numbered Session for presence,
// and a zero-body Send to a contact through the active Session for the
// read/typing/status actions. Voice notes reuse the same cross-identity
// Send path as warmup greetings.
type localExecutor struct {
	r *Runtime
}

// NewLocalExecutor builds a humanizer.Executor that drives idle activity
// through this Runtime's own SessionGroups.
func NewLocalExecutor(r *Runtime) *localExecutor { return &localExecutor{r: r} }

func (e *localExecutor) MarkChatRead(ctx context.Context, identityHandle, contact string) error {
	return e.probe(ctx, identityHandle, contact)
}

func (e *localExecutor) TogglePresence(ctx context.Context, identityHandle string) error {
	acc, ok := e.r.account(identityHandle)
	if !ok {
		return fmt.Errorf("toggle presence: unknown identity %s", identityHandle)
	}
	for _, sess := range acc.Group.Sessions() {
		if sess == nil {
			continue
		}
		if err := sess.Presence(ctx); err != nil {
			return err
		}
		return nil
	}
	return nil
}

func (e *localExecutor) TypeAndCancel(ctx context.Context, identityHandle, contact string) error {
	return e.probe(ctx, identityHandle, contact)
}

func (e *localExecutor) ViewStatus(ctx context.Context, identityHandle, contact string) error {
	return e.probe(ctx, identityHandle, contact)
}

func (e *localExecutor) SendSilentVoiceNote(ctx context.Context, fromIdentity, toIdentity string) error {
	return e.probe(ctx, fromIdentity, toIdentity)
}

// probe sends a zero-body, history-exempt message through the Identity's
// active Session; the underlying Connection treats it as traffic that keeps
// the connection warm without composing a visible message.
func (e *localExecutor) probe(ctx context.Context, identityHandle, recipient string) error {
	acc, ok := e.r.account(identityHandle)
	if !ok {
		return fmt.Errorf("probe: unknown identity %s", identityHandle)
	}
	result := acc.Group.SendActive(ctx, recipient, "", true)
	if result.Err != nil {
		return result.Err
	}
	return nil
}
