// Package recovery restores conversation execution after a process restart.
//
// Persisted conversation states are the source of truth: on startup every
// non-completed state gets its timers re-armed from the stored deadlines, and
// states that were cut down mid-run (non-empty stack, no wait) are resumed
// immediately. Expired deadlines fire right away, so a question whose answer
// window lapsed during downtime takes its timeout path on the first wake.
package recovery

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/interp"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/worker"
)

// Recoverer scans persisted states and hands them back to the interpreter.
type Recoverer struct {
	store  store.Store
	interp *interp.Interpreter
	pool   *worker.Pool
}

// NewRecoverer wires the recovery scan.
func NewRecoverer(st store.Store, in *interp.Interpreter, pool *worker.Pool) *Recoverer {
	return &Recoverer{store: st, interp: in, pool: pool}
}

// Recover re-arms every non-completed conversation. Undecodable records are
// skipped by the store listing and reset lazily when their participant next
// interacts.
func (r *Recoverer) Recover(ctx context.Context) error {
	states, err := r.store.ListConversationStates()
	if err != nil {
		slog.Error("Recoverer state listing failed", "error", err)
		return err
	}

	rearmed, resumed := 0, 0
	for _, state := range states {
		if state.Completed {
			continue
		}
		if state.Waiting == models.WaitNone && state.Top() != nil {
			// A run was interrupted between persist and completion.
			r.wake(ctx, state.ParticipantID)
			resumed++
			continue
		}
		r.interp.Rearm(state)
		rearmed++
	}
	slog.Info("Recoverer startup scan completed", "states", len(states), "rearmed", rearmed, "resumed", resumed)
	return nil
}

func (r *Recoverer) wake(ctx context.Context, participantID string) {
	if r.pool != nil {
		r.pool.Submit(participantID, func(ctx context.Context) {
			if err := r.interp.Wake(ctx, participantID); err != nil {
				slog.Error("Recoverer wake failed", "error", err, "participantID", participantID)
			}
		})
		return
	}
	if err := r.interp.Wake(ctx, participantID); err != nil {
		slog.Error("Recoverer wake failed", "error", err, "participantID", participantID)
	}
}
