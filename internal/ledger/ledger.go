// Package ledger records which (source, external id) pairs have been admitted
// so a redelivered event never creates a second task.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/store"
)

// Result reports the outcome of Admit. When Admitted is false TaskID is the
// task created by the first admission of the same pair.
type Result struct {
	Admitted bool
	TaskID   string
	Entry    model.LedgerEntry
}

type Ledger struct {
	store store.Store
}

func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Key derives the record id for a (source, external id) pair.
func Key(source, externalID string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + externalID))
	return hex.EncodeToString(sum[:])[:32]
}

// Admit records ev under taskID unless its pair was admitted before. The
// store's create-if-absent makes concurrent admissions of one pair race to a
// single winner.
func (l *Ledger) Admit(ctx context.Context, ev model.Event, taskID string, now time.Time) (Result, error) {
	if ev.Source == "" || ev.ExternalID == "" {
		return Result{}, fmt.Errorf("%w: source and external id are required", model.ErrTransientIngest)
	}
	entry := model.LedgerEntry{
		SchemaVersion: 1,
		FileType:      model.FileTypeLedger,
		Source:        ev.Source,
		ExternalID:    ev.ExternalID,
		TaskID:        taskID,
		AdmittedAt:    now.UTC(),
		Event:         ev,
	}
	key := Key(ev.Source, ev.ExternalID)
	err := store.CreateYAML(ctx, l.store, model.CollLedger, key, entry)
	if err == nil {
		return Result{Admitted: true, TaskID: taskID, Entry: entry}, nil
	}
	if !errors.Is(err, store.ErrAlreadyExists) {
		return Result{}, fmt.Errorf("%w: ledger write: %w", model.ErrPersistence, err)
	}

	existing, err := l.Lookup(ctx, ev.Source, ev.ExternalID)
	if err != nil {
		return Result{}, err
	}
	return Result{Admitted: false, TaskID: existing.TaskID, Entry: existing}, nil
}

func (l *Ledger) Lookup(ctx context.Context, source, externalID string) (model.LedgerEntry, error) {
	return store.ReadYAML[model.LedgerEntry](ctx, l.store, model.CollLedger, Key(source, externalID), model.FileTypeLedger)
}

// Entries yields every ledger entry; used by the reconciliation scan.
func (l *Ledger) Entries(ctx context.Context) iter.Seq2[model.LedgerEntry, error] {
	return func(yield func(model.LedgerEntry, error) bool) {
		for key, err := range l.store.List(ctx, model.CollLedger) {
			if err != nil {
				yield(model.LedgerEntry{}, err)
				return
			}
			entry, err := store.ReadYAML[model.LedgerEntry](ctx, l.store, model.CollLedger, key, model.FileTypeLedger)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if !yield(entry, err) {
				return
			}
		}
	}
}
