// Package models defines the core data structures for CoachPipe.
//
// This file defines dialogue scripts (the authored, immutable action graphs
// the interpreter executes) and the conversation state snapshot persisted
// between suspensions.
package models

import (
	"fmt"
	"time"
)

// ActionType identifies one kind of dialogue script action.
type ActionType string

const (
	// ActionSend sends a message and advances immediately.
	ActionSend ActionType = "send"
	// ActionAsk sends a message and suspends until a reply or the answer deadline.
	ActionAsk ActionType = "ask"
	// ActionBranch evaluates a rule and jumps to one of two successor actions.
	ActionBranch ActionType = "branch"
	// ActionHelper invokes a named callback from the helpers registry.
	ActionHelper ActionType = "helper"
	// ActionSub pushes a sub-dialogue frame and jumps into it.
	ActionSub ActionType = "sub"
	// ActionWait suspends until a relative delay has elapsed.
	ActionWait ActionType = "wait"
	// ActionDefer enqueues a deferred re-entry without blocking the current run.
	ActionDefer ActionType = "defer"
	// ActionEnd terminates the dialogue for the participant.
	ActionEnd ActionType = "end"
)

// Action is one node of a dialogue script. Successor addressing is by index
// into Script.Actions: every action falls through to the next index except
// branch (TrueNext/FalseNext) and end.
type Action struct {
	Type ActionType `json:"type"`

	// Body is the message template for send and ask actions.
	Body string `json:"body,omitempty"`

	// Ask fields.
	AnswerVariable string        `json:"answer_variable,omitempty"`
	AnswerTimeout  time.Duration `json:"answer_timeout,omitempty"`

	// Branch fields.
	Rule      *Rule `json:"rule,omitempty"`
	TrueNext  int   `json:"true_next,omitempty"`
	FalseNext int   `json:"false_next,omitempty"`

	// Helper name for helper actions.
	Helper string `json:"helper,omitempty"`

	// SubScriptID names the script pushed by sub actions.
	SubScriptID string `json:"sub_script_id,omitempty"`

	// WaitDuration is the relative delay for wait actions.
	WaitDuration time.Duration `json:"wait_duration,omitempty"`

	// Defer fields: re-enter DeferTarget after DeferAfter.
	DeferAfter  time.Duration `json:"defer_after,omitempty"`
	DeferTarget int           `json:"defer_target,omitempty"`
}

// Script is an authored, immutable directed graph of actions defining a
// conversation flow. The interpreter never mutates a loaded script.
type Script struct {
	ID      string   `json:"id"`
	Version int      `json:"version"`
	Name    string   `json:"name,omitempty"`
	Actions []Action `json:"actions"`

	// ClearOnEnd decides whether the end action clears the participant's
	// conversation state (fresh start on next trigger) or marks it complete.
	ClearOnEnd bool `json:"clear_on_end"`
}

// Validate checks that every action is well formed and every jump target is
// inside the script.
func (s *Script) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("script ID cannot be empty")
	}
	if len(s.Actions) == 0 {
		return fmt.Errorf("script %s has no actions", s.ID)
	}
	inRange := func(i int) bool { return i >= 0 && i < len(s.Actions) }
	for i, a := range s.Actions {
		switch a.Type {
		case ActionSend:
			if a.Body == "" {
				return fmt.Errorf("script %s action %d: send requires a body", s.ID, i)
			}
		case ActionAsk:
			if a.Body == "" {
				return fmt.Errorf("script %s action %d: ask requires a body", s.ID, i)
			}
			if a.AnswerTimeout <= 0 {
				return fmt.Errorf("script %s action %d: ask requires a positive answer timeout", s.ID, i)
			}
		case ActionBranch:
			if a.Rule == nil {
				return fmt.Errorf("script %s action %d: branch requires a rule", s.ID, i)
			}
			if err := a.Rule.Validate(); err != nil {
				return fmt.Errorf("script %s action %d: %w", s.ID, i, err)
			}
			if !inRange(a.TrueNext) || !inRange(a.FalseNext) {
				return fmt.Errorf("script %s action %d: branch target out of range", s.ID, i)
			}
		case ActionHelper:
			if a.Helper == "" {
				return fmt.Errorf("script %s action %d: helper requires a name", s.ID, i)
			}
		case ActionSub:
			if a.SubScriptID == "" {
				return fmt.Errorf("script %s action %d: sub requires a script ID", s.ID, i)
			}
		case ActionWait:
			if a.WaitDuration <= 0 {
				return fmt.Errorf("script %s action %d: wait requires a positive duration", s.ID, i)
			}
		case ActionDefer:
			if a.DeferAfter <= 0 {
				return fmt.Errorf("script %s action %d: defer requires a positive delay", s.ID, i)
			}
			if !inRange(a.DeferTarget) {
				return fmt.Errorf("script %s action %d: defer target out of range", s.ID, i)
			}
		case ActionEnd:
			// no fields
		default:
			return fmt.Errorf("script %s action %d: unknown action type %q", s.ID, i, a.Type)
		}
	}
	return nil
}

// WaitKind identifies what a suspended conversation is waiting on.
type WaitKind string

const (
	// WaitNone means the conversation is not suspended on anything.
	WaitNone WaitKind = ""
	// WaitReply means the conversation awaits a participant reply (ask action).
	WaitReply WaitKind = "reply"
	// WaitTimer means the conversation awaits a timer deadline (wait action).
	WaitTimer WaitKind = "timer"
)

// Frame is one entry of the interpreter's execution stack: a script plus the
// index of the next action to execute within it.
type Frame struct {
	ScriptID string `json:"script_id"`
	PC       int    `json:"pc"`
}

// DeferredOp is a queued re-entry into a dialogue branch, executed at or
// after RunAt on a subsequent wake event. The queue is FIFO.
type DeferredOp struct {
	ScriptID   string    `json:"script_id"`
	Action     int       `json:"action"`
	RunAt      time.Time `json:"run_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ConversationState is the full suspend/resume snapshot of one participant's
// dialogue execution. It is owned exclusively by the interpreter and persisted
// after every transition, so a crash loses at most the in-flight transition.
type ConversationState struct {
	ParticipantID string       `json:"participant_id"`
	ScriptID      string       `json:"script_id"` // root script
	Stack         []Frame      `json:"stack"`
	Deferred      []DeferredOp `json:"deferred,omitempty"`
	Waiting       WaitKind     `json:"waiting,omitempty"`
	WaitDeadline  time.Time    `json:"wait_deadline,omitzero"`
	WaitMessageID string       `json:"wait_message_id,omitempty"`
	LastUserInput string       `json:"last_user_input,omitempty"`
	Completed     bool         `json:"completed"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Top returns a pointer to the top stack frame, or nil if the stack is empty.
func (cs *ConversationState) Top() *Frame {
	if len(cs.Stack) == 0 {
		return nil
	}
	return &cs.Stack[len(cs.Stack)-1]
}
