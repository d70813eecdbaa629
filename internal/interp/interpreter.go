// Package interp implements the resumable conversation interpreter.
//
// Each participant has at most one conversation, modeled as a stack of script
// frames plus a FIFO queue of deferred re-entries. The interpreter executes
// actions until it reaches a suspension point (ask or wait) or the script
// ends, persisting the full state after every transition so a process restart
// loses at most the in-flight step. All entry points for one participant must
// run serialized; the worker pool provides that guarantee in production.
package interp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/dialog"
	"github.com/BTreeMap/CoachPipe/internal/helpers"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/rules"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/worker"
)

// maxStepsPerRun bounds one run-to-suspend burst so a cyclic script cannot
// spin the worker forever.
const maxStepsPerRun = 10000

// Sender delivers an outbound message body to a recipient address. The
// concrete channel adapter lives in the messaging package.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Opts holds interpreter configuration.
type Opts struct {
	// Channel stamped on outbound dialog messages.
	Channel models.Channel
}

// Option configures the interpreter.
type Option func(*Opts)

// WithChannel sets the outbound channel for dialog messages.
func WithChannel(c models.Channel) Option {
	return func(o *Opts) { o.Channel = c }
}

// Interpreter executes dialogue scripts for participants.
type Interpreter struct {
	store    store.Store
	clock    clock.Clock
	engine   *rules.Engine
	dialog   *dialog.Manager
	registry *helpers.Registry
	sender   Sender
	timer    Timer
	pool     *worker.Pool
	opts     Opts
}

// NewInterpreter wires the interpreter to its collaborators. pool may be nil
// in tests that call entry points directly.
func NewInterpreter(st store.Store, clk clock.Clock, engine *rules.Engine, dm *dialog.Manager,
	registry *helpers.Registry, sender Sender, timer Timer, pool *worker.Pool, options ...Option) *Interpreter {
	opts := Opts{Channel: models.ChannelSMS}
	for _, opt := range options {
		opt(&opts)
	}
	return &Interpreter{
		store:    st,
		clock:    clk,
		engine:   engine,
		dialog:   dm,
		registry: registry,
		sender:   sender,
		timer:    timer,
		pool:     pool,
		opts:     opts,
	}
}

// Start begins the given script for a participant, replacing any previous
// conversation, and runs until the first suspension point.
func (in *Interpreter) Start(ctx context.Context, participantID, scriptID string) error {
	if participantID == "" {
		return models.ErrEmptyParticipantID
	}
	script, err := in.store.GetScript(scriptID)
	if err != nil {
		return err
	}
	if script == nil {
		return fmt.Errorf("script %s not found", scriptID)
	}

	prev, err := in.loadState(participantID)
	if err != nil && !errors.Is(err, models.ErrCorruptState) {
		return err
	}
	if prev != nil {
		slog.Info("Interpreter Start replacing existing conversation", "participantID", participantID,
			"previousScriptID", prev.ScriptID)
	}

	now := in.clock.Now()
	state := models.ConversationState{
		ParticipantID: participantID,
		ScriptID:      scriptID,
		Stack:         []models.Frame{{ScriptID: scriptID, PC: 0}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := in.persist(&state); err != nil {
		return err
	}
	slog.Info("Interpreter Start", "participantID", participantID, "scriptID", scriptID)
	return in.run(ctx, &state)
}

// Resume feeds a participant reply into the suspended conversation. The reply
// is correlated to the awaiting dialog message; if nothing is awaiting one, or
// the answer deadline already passed, the error tells the caller to record the
// inbound text as unexpected instead.
func (in *Interpreter) Resume(ctx context.Context, participantID, rawInput string) error {
	state, err := in.loadState(participantID)
	if err != nil {
		if errors.Is(err, models.ErrCorruptState) {
			return in.resetCorrupt(ctx, participantID, state, err)
		}
		return err
	}
	if state == nil {
		return models.ErrNoAwaitingMessage
	}
	if state.Completed {
		return models.ErrConversationCompleted
	}
	if state.Waiting != models.WaitReply || state.WaitMessageID == "" {
		return models.ErrNoAwaitingMessage
	}

	msg, err := in.dialog.HandleReply(state.WaitMessageID, rawInput)
	if err != nil {
		// Terminal or late: the wait is already resolved; the caller records
		// the text as unexpected.
		return err
	}

	// The snapshot keeps the raw text; the parsed form lives on the dialog
	// message and in the answer variable.
	state.LastUserInput = msg.RawAnswer
	in.clearWait(state)
	if err := in.persist(state); err != nil {
		return err
	}
	slog.Info("Interpreter Resume", "participantID", participantID, "messageID", msg.ID)
	return in.run(ctx, state)
}

// Wake is the timer entry point: it resolves an expired wait (reply deadline
// or timer delay) or drains one due deferred re-entry, then runs to the next
// suspension. A wake with nothing due is a no-op, so duplicate or early fires
// are harmless.
func (in *Interpreter) Wake(ctx context.Context, participantID string) error {
	state, err := in.loadState(participantID)
	if err != nil {
		if errors.Is(err, models.ErrCorruptState) {
			return in.resetCorrupt(ctx, participantID, state, err)
		}
		return err
	}
	if state == nil || state.Completed {
		return nil
	}
	now := in.clock.Now()

	switch state.Waiting {
	case models.WaitReply:
		if now.Before(state.WaitDeadline) {
			return nil
		}
		// Deadline elapsed without an answer. A reply that won the race left
		// the record terminal; either way the wait resolves.
		if _, err := in.dialog.HandleTimeout(state.WaitMessageID); err != nil && !errors.Is(err, models.ErrTerminalState) {
			slog.Error("Interpreter Wake timeout resolution failed", "error", err,
				"participantID", participantID, "messageID", state.WaitMessageID)
		}
		state.LastUserInput = ""
		in.clearWait(state)

	case models.WaitTimer:
		if now.Before(state.WaitDeadline) {
			return nil
		}
		in.clearWait(state)

	default:
		// Not suspended on a wait. A non-empty stack means a run was cut
		// short (crash between persist and completion); resume it. Otherwise
		// a deferred re-entry may be due.
		if state.Top() == nil && !in.popDueDeferred(state, now) {
			return nil
		}
	}

	if err := in.persist(state); err != nil {
		return err
	}
	slog.Debug("Interpreter Wake", "participantID", participantID)
	return in.run(ctx, state)
}

// Cancel removes a participant's conversation state entirely.
func (in *Interpreter) Cancel(participantID string) error {
	if err := in.store.DeleteConversationState(participantID); err != nil {
		return err
	}
	slog.Info("Interpreter Cancel", "participantID", participantID)
	return nil
}

// Snapshot returns the persisted conversation state, or nil if none exists.
func (in *Interpreter) Snapshot(participantID string) (*models.ConversationState, error) {
	return in.store.GetConversationState(participantID)
}

// Rearm reinstates timers for a state loaded after a restart: expired waits
// and due deferred ops wake immediately, future ones are rescheduled at their
// stored times.
func (in *Interpreter) Rearm(state models.ConversationState) {
	if state.Completed {
		return
	}
	pid := state.ParticipantID
	if state.Waiting != models.WaitNone {
		in.scheduleWake(pid, state.WaitDeadline)
	}
	for _, op := range state.Deferred {
		in.scheduleWake(pid, op.RunAt)
	}
}

// loadState wraps store retrieval; a corrupt record surfaces ErrCorruptState.
func (in *Interpreter) loadState(participantID string) (*models.ConversationState, error) {
	return in.store.GetConversationState(participantID)
}

// resetCorrupt discards an undecodable state and, when the root script is
// still known and loadable, restarts the participant's dialogue from its
// beginning. Only the affected participant is reset.
func (in *Interpreter) resetCorrupt(ctx context.Context, participantID string, partial *models.ConversationState, cause error) error {
	slog.Error("Interpreter resetting corrupt conversation state", "participantID", participantID, "error", cause)
	if err := in.store.DeleteConversationState(participantID); err != nil {
		return err
	}
	if partial != nil && partial.ScriptID != "" {
		if err := in.Start(ctx, participantID, partial.ScriptID); err != nil {
			slog.Error("Interpreter restart after corrupt state failed", "error", err,
				"participantID", participantID, "scriptID", partial.ScriptID)
		}
	}
	return cause
}

func (in *Interpreter) clearWait(state *models.ConversationState) {
	state.Waiting = models.WaitNone
	state.WaitDeadline = time.Time{}
	state.WaitMessageID = ""
}

// popDueDeferred pops the oldest due deferred op onto the stack. One op per
// wake keeps re-entries ordered and persisted individually.
func (in *Interpreter) popDueDeferred(state *models.ConversationState, now time.Time) bool {
	if len(state.Deferred) == 0 {
		return false
	}
	op := state.Deferred[0]
	if now.Before(op.RunAt) {
		return false
	}
	state.Deferred = append([]models.DeferredOp(nil), state.Deferred[1:]...)
	state.Stack = append(state.Stack, models.Frame{ScriptID: op.ScriptID, PC: op.Action})
	slog.Debug("Interpreter deferred re-entry", "participantID", state.ParticipantID,
		"scriptID", op.ScriptID, "action", op.Action)
	return true
}

func (in *Interpreter) persist(state *models.ConversationState) error {
	state.UpdatedAt = in.clock.Now()
	if err := in.store.SaveConversationState(*state); err != nil {
		slog.Error("Interpreter persist failed", "error", err, "participantID", state.ParticipantID)
		return err
	}
	return nil
}

// scheduleWake arms a timer that funnels the wake through the worker pool so
// it serializes with every other entry point for the participant.
func (in *Interpreter) scheduleWake(participantID string, at time.Time) {
	if in.timer == nil {
		return
	}
	in.timer.ScheduleAt(at, func() {
		if in.pool != nil {
			in.pool.Submit(participantID, func(ctx context.Context) {
				if err := in.Wake(ctx, participantID); err != nil {
					slog.Error("Interpreter scheduled wake failed", "error", err, "participantID", participantID)
				}
			})
			return
		}
		if err := in.Wake(context.Background(), participantID); err != nil {
			slog.Error("Interpreter scheduled wake failed", "error", err, "participantID", participantID)
		}
	})
}

// recipient resolves the delivery address for a participant. Enrollment
// records carry the phone number; tests without one fall back to the ID.
func (in *Interpreter) recipient(participantID string) string {
	p, err := in.store.GetParticipant(participantID)
	if err != nil || p == nil {
		return participantID
	}
	return p.PhoneNumber
}

// run executes actions until the conversation suspends, ends, or the step
// budget trips. State is persisted after every transition.
func (in *Interpreter) run(ctx context.Context, state *models.ConversationState) error {
	for steps := 0; steps < maxStepsPerRun; steps++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame := state.Top()
		if frame == nil {
			return in.finish(state)
		}

		script, err := in.store.GetScript(frame.ScriptID)
		if err != nil {
			return err
		}
		if script == nil {
			slog.Error("Interpreter script missing, dropping frame", "participantID", state.ParticipantID,
				"scriptID", frame.ScriptID)
			state.Stack = state.Stack[:len(state.Stack)-1]
			if err := in.persist(state); err != nil {
				return err
			}
			continue
		}
		if frame.PC < 0 || frame.PC >= len(script.Actions) {
			// Fell off the end of a (sub-)script: return to the caller frame.
			state.Stack = state.Stack[:len(state.Stack)-1]
			if err := in.persist(state); err != nil {
				return err
			}
			continue
		}

		action := script.Actions[frame.PC]
		suspended, err := in.step(ctx, state, frame, action)
		if err != nil {
			return err
		}
		if suspended {
			return nil
		}
		if state.Completed || in.stateGone(state) {
			return nil
		}
	}
	return fmt.Errorf("conversation for %s exceeded %d steps without suspending", state.ParticipantID, maxStepsPerRun)
}

// stateGone reports whether finish cleared the state (ClearOnEnd scripts).
func (in *Interpreter) stateGone(state *models.ConversationState) bool {
	return len(state.Stack) == 0 && state.Waiting == models.WaitNone && state.Completed
}

// step executes one action. It returns suspended=true when the conversation
// parked on an ask or wait and the run loop must stop.
func (in *Interpreter) step(ctx context.Context, state *models.ConversationState,
	frame *models.Frame, action models.Action) (bool, error) {
	pid := state.ParticipantID
	now := in.clock.Now()

	switch action.Type {
	case models.ActionSend:
		body := in.engine.ResolvePlaceholders(pid, action.Body)
		msg, err := in.dialog.Create(pid, in.opts.Channel, body, false, "", time.Time{})
		if err != nil {
			return false, err
		}
		if err := in.dialog.Dispatch(msg.ID, func() error {
			return in.sender.SendMessage(ctx, in.recipient(pid), body)
		}); err != nil {
			slog.Error("Interpreter send failed", "error", err, "participantID", pid, "messageID", msg.ID)
			// The message stays in PREPARED_FOR_SENDING; the conversation
			// still advances rather than blocking on the channel.
		}
		frame.PC++
		return false, in.persist(state)

	case models.ActionAsk:
		body := in.engine.ResolvePlaceholders(pid, action.Body)
		deadline := now.Add(action.AnswerTimeout)
		msg, err := in.dialog.Create(pid, in.opts.Channel, body, true, action.AnswerVariable, deadline)
		if err != nil {
			return false, err
		}
		if err := in.dialog.Dispatch(msg.ID, func() error {
			return in.sender.SendMessage(ctx, in.recipient(pid), body)
		}); err != nil {
			slog.Error("Interpreter ask send failed", "error", err, "participantID", pid, "messageID", msg.ID)
		}
		frame.PC++ // resume continues after the ask
		state.Waiting = models.WaitReply
		state.WaitDeadline = deadline
		state.WaitMessageID = msg.ID
		if err := in.persist(state); err != nil {
			return false, err
		}
		in.scheduleWake(pid, deadline)
		return true, nil

	case models.ActionBranch:
		res := in.engine.Evaluate(ctx, *action.Rule, pid)
		if !res.Success {
			slog.Warn("Interpreter branch rule failed, taking false branch", "participantID", pid,
				"scriptID", frame.ScriptID, "pc", frame.PC, "error", res.ErrorMessage)
		}
		if res.MatchesOperator {
			frame.PC = action.TrueNext
		} else {
			frame.PC = action.FalseNext
		}
		return false, in.persist(state)

	case models.ActionHelper:
		if err := in.registry.Invoke(ctx, action.Helper, pid); err != nil {
			// Helper failures never kill the conversation.
			slog.Error("Interpreter helper failed", "error", err, "participantID", pid, "helper", action.Helper)
		}
		frame.PC++
		return false, in.persist(state)

	case models.ActionSub:
		frame.PC++ // return address
		state.Stack = append(state.Stack, models.Frame{ScriptID: action.SubScriptID, PC: 0})
		return false, in.persist(state)

	case models.ActionWait:
		deadline := now.Add(action.WaitDuration)
		frame.PC++
		state.Waiting = models.WaitTimer
		state.WaitDeadline = deadline
		if err := in.persist(state); err != nil {
			return false, err
		}
		in.scheduleWake(pid, deadline)
		return true, nil

	case models.ActionDefer:
		runAt := now.Add(action.DeferAfter)
		state.Deferred = append(state.Deferred, models.DeferredOp{
			ScriptID:   frame.ScriptID,
			Action:     action.DeferTarget,
			RunAt:      runAt,
			EnqueuedAt: now,
		})
		frame.PC++
		if err := in.persist(state); err != nil {
			return false, err
		}
		in.scheduleWake(pid, runAt)
		return false, nil

	case models.ActionEnd:
		return true, in.finish(state)

	default:
		slog.Error("Interpreter unknown action type, skipping", "participantID", pid, "type", action.Type)
		frame.PC++
		return false, in.persist(state)
	}
}

// finish ends the main flow. Queued deferred re-entries outlive the main
// flow: the state parks until they drain, then the root script decides
// whether the state is cleared (fresh start on the next trigger) or kept as
// a completed record.
func (in *Interpreter) finish(state *models.ConversationState) error {
	in.clearWait(state)
	state.Stack = nil
	if len(state.Deferred) > 0 {
		slog.Debug("Interpreter main flow ended, deferred ops pending", "participantID", state.ParticipantID,
			"pending", len(state.Deferred))
		return in.persist(state)
	}
	state.Completed = true

	root, err := in.store.GetScript(state.ScriptID)
	if err == nil && root != nil && root.ClearOnEnd {
		if err := in.store.DeleteConversationState(state.ParticipantID); err != nil {
			return err
		}
		slog.Info("Interpreter conversation ended, state cleared", "participantID", state.ParticipantID,
			"scriptID", state.ScriptID)
		return nil
	}
	if err := in.persist(state); err != nil {
		return err
	}
	slog.Info("Interpreter conversation completed", "participantID", state.ParticipantID, "scriptID", state.ScriptID)
	return nil
}
