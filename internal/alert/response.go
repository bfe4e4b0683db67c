package alert

import (
	"context"
	"fmt"
	"strings"

	"medbot/internal/store"
	"medbot/internal/transport"
	"medbot/pkg/logx"
)

// Finalizer consumes acknowledgment callbacks and finalizes entries.
//
// The sent-status guard lives in the update predicate, not in application
// logic: a duplicate or delayed acknowledgment, or one for a still-pending
// entry, matches zero rows and is absorbed as a no-op.
type Finalizer struct {
	store   store.Store
	adapter transport.Adapter
	log     logx.Logger
}

func NewFinalizer(st store.Store, ad transport.Adapter, log logx.Logger) *Finalizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Finalizer{store: st, adapter: ad, log: log}
}

// Finalize moves the entry with the given idempotency key to a terminal
// status if and only if it is currently sent. Returns whether a row changed.
func (f *Finalizer) Finalize(ctx context.Context, uniqueID string, status store.Status) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalize: %q is not a terminal status", status)
	}
	n, err := f.store.UpdateEntries(ctx,
		store.Filters{store.Eq("unique_id", uniqueID), store.Eq("status", store.StatusSent)},
		store.Patch{"status": status})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HandleCallback processes one inline-keyboard press ("taken:<key>" or
// "missed:<key>"): finalizes the entry, answers the callback, and edits the
// alert into a confirmation. Unknown payloads are ignored.
func (f *Finalizer) HandleCallback(ctx context.Context, cb *transport.Callback) {
	if cb == nil {
		return
	}
	action, key, ok := strings.Cut(cb.Data, ":")
	if !ok || key == "" {
		return
	}

	var status store.Status
	switch action {
	case ActionTaken:
		status = store.StatusTaken
	case ActionMissed:
		status = store.StatusMissed
	default:
		return
	}

	changed, err := f.Finalize(ctx, key, status)
	if err != nil {
		f.log.Error("failed finalizing entry", logx.String("key", key), logx.Err(err))
		_ = f.adapter.AnswerCallback(ctx, cb.ID, "❌ Erro ao registrar status.")
		return
	}

	_ = f.adapter.AnswerCallback(ctx, cb.ID, "")
	if !changed {
		// Already finalized (or never sent): leave the message alone.
		f.log.Debug("acknowledgment ignored, entry not in sent state", logx.String("key", key))
		return
	}

	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	if err := f.adapter.EditText(ctx, ref, renderAck(status), &transport.SendOptions{}); err != nil {
		f.log.Warn("failed editing alert confirmation", logx.String("key", key), logx.Err(err))
	}
	f.log.Info("entry finalized", logx.String("key", key), logx.String("status", string(status)))
}
