// Package models defines the core data structures for CoachPipe.
//
// It includes participant variables, rules and their evaluation results,
// dialog messages with their delivery/answer lifecycle, and the conversation
// state snapshot used by the interpreter. These types are shared across modules.
package models

import (
	"errors"
	"time"
)

// CompareOp defines how a rule's resolved expression is compared against its
// comparison term.
type CompareOp string

const (
	// CompareCalculatedTrue evaluates the rule expression but always matches.
	CompareCalculatedTrue CompareOp = "calculated_true"
	// CompareCalculatedFalse evaluates the rule expression but never matches.
	CompareCalculatedFalse CompareOp = "calculated_false"
	// CompareLess matches when ruleValue < compareValue (numeric).
	CompareLess CompareOp = "less"
	// CompareLessOrEqual matches when ruleValue <= compareValue (numeric).
	CompareLessOrEqual CompareOp = "less_or_equal"
	// CompareEqual matches when ruleValue == compareValue (numeric).
	CompareEqual CompareOp = "equal"
	// CompareGreaterOrEqual matches when ruleValue >= compareValue (numeric).
	CompareGreaterOrEqual CompareOp = "greater_or_equal"
	// CompareGreater matches when ruleValue > compareValue (numeric).
	CompareGreater CompareOp = "greater"
	// CompareTextEqual matches when the resolved texts are identical (case-sensitive).
	CompareTextEqual CompareOp = "text_equal"
	// CompareTextNotEqual matches when the resolved texts differ (case-sensitive).
	CompareTextNotEqual CompareOp = "text_not_equal"
)

// IsValidCompareOp checks if the given comparison operator is supported.
func IsValidCompareOp(op CompareOp) bool {
	switch op {
	case CompareCalculatedTrue, CompareCalculatedFalse,
		CompareLess, CompareLessOrEqual, CompareEqual, CompareGreaterOrEqual, CompareGreater,
		CompareTextEqual, CompareTextNotEqual:
		return true
	default:
		return false
	}
}

// IsCalculatedOp reports whether the operator has a fixed boolean outcome.
func IsCalculatedOp(op CompareOp) bool {
	return op == CompareCalculatedTrue || op == CompareCalculatedFalse
}

// IsTextOp reports whether the operator compares resolved strings literally.
func IsTextOp(op CompareOp) bool {
	return op == CompareTextEqual || op == CompareTextNotEqual
}

// IsNumericOp reports whether the operator requires numeric evaluation of both sides.
func IsNumericOp(op CompareOp) bool {
	switch op {
	case CompareLess, CompareLessOrEqual, CompareEqual, CompareGreaterOrEqual, CompareGreater:
		return true
	default:
		return false
	}
}

// Error variables for better error handling and testability
var (
	ErrEmptyParticipantID    = errors.New("participant ID cannot be empty")
	ErrInvalidCompareOp      = errors.New("invalid comparison operator")
	ErrMissingMessageGroup   = errors.New("rule with send_message_if_true must reference a message group")
	ErrTerminalState         = errors.New("dialog message is in a terminal state")
	ErrInvalidTransition     = errors.New("invalid dialog message state transition")
	ErrNoAwaitingMessage     = errors.New("no dialog message awaiting an answer")
	ErrDeadlinePassed        = errors.New("answer deadline has passed")
	ErrCorruptState          = errors.New("persisted conversation state is corrupt")
	ErrUnknownHelper         = errors.New("no helper registered under that name")
	ErrConversationCompleted = errors.New("conversation already completed")
)

// Variable holds one value of a participant variable at a point in time.
// The current value of a (participant, name) pair is the entry with the
// latest timestamp; older entries are retained as history.
type Variable struct {
	ParticipantID string    `json:"participant_id"`
	Name          string    `json:"name"`
	Value         string    `json:"value"`
	Timestamp     time.Time `json:"timestamp"`
}

// Rule is a condition comparing a resolved expression against a resolved
// comparison term. Rules form a forest via ParentID; siblings are evaluated
// in ascending Order.
type Rule struct {
	ID                   string    `json:"id"`
	ParentID             string    `json:"parent_id,omitempty"`
	Order                int       `json:"order"`
	RuleText             string    `json:"rule_text"` // expression with placeholders
	CompareOp            CompareOp `json:"compare_op"`
	CompareText          string    `json:"compare_text"` // comparison term with placeholders
	StoreValueToVariable string    `json:"store_value_to_variable,omitempty"`
	SendMessageIfTrue    bool      `json:"send_message_if_true"`
	MessageGroupID       string    `json:"message_group_id,omitempty"`
}

// Validate checks structural invariants of a rule.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule ID cannot be empty")
	}
	if !IsValidCompareOp(r.CompareOp) {
		return ErrInvalidCompareOp
	}
	if r.SendMessageIfTrue && r.MessageGroupID == "" {
		return ErrMissingMessageGroup
	}
	return nil
}

// RuleEvaluationResult is the outcome of evaluating one rule for one
// participant. It is produced fresh per evaluation and never mutated.
type RuleEvaluationResult struct {
	Success          bool    `json:"success"`
	RuleValue        float64 `json:"rule_value"`
	CompareValue     float64 `json:"compare_value"`
	TextRuleValue    string  `json:"text_rule_value"`
	TextCompareValue string  `json:"text_compare_value"`
	MatchesOperator  bool    `json:"matches_operator"`
	ErrorMessage     string  `json:"error_message,omitempty"`
}

// Channel identifies the delivery channel of a dialog message.
type Channel string

const (
	// ChannelSMS delivers via an SMS gateway.
	ChannelSMS Channel = "sms"
	// ChannelChat delivers via a team-chat integration.
	ChannelChat Channel = "chat"
	// ChannelPush delivers via push notification.
	ChannelPush Channel = "push"
)

// MessageStatus represents the lifecycle state of a dialog message.
type MessageStatus string

const (
	// MessageStatusPrepared indicates the message is created but not yet handed to an adapter.
	MessageStatusPrepared MessageStatus = "PREPARED_FOR_SENDING"
	// MessageStatusSending indicates the message was handed to a channel adapter.
	MessageStatusSending MessageStatus = "SENDING"
	// MessageStatusSent indicates the adapter confirmed the send.
	MessageStatusSent MessageStatus = "SENT"
	// MessageStatusAnswered indicates a correlated reply arrived before the deadline. Terminal.
	MessageStatusAnswered MessageStatus = "SENT_AND_ANSWERED"
	// MessageStatusUnanswered indicates the answer deadline elapsed with no reply. Terminal.
	MessageStatusUnanswered MessageStatus = "SENT_BUT_NOT_ANSWERED"
	// MessageStatusUnexpected records an inbound message with no matching outbound wait. Terminal.
	MessageStatusUnexpected MessageStatus = "RECEIVED_UNEXPECTEDLY"
)

// IsTerminalMessageStatus reports whether a message in this status is immutable.
func IsTerminalMessageStatus(s MessageStatus) bool {
	switch s {
	case MessageStatusAnswered, MessageStatusUnanswered, MessageStatusUnexpected:
		return true
	default:
		return false
	}
}

// DialogMessage is one outbound or inbound communication instance tracked
// through the delivery/answer lifecycle. Records are append-only: they are
// mutated only through lifecycle transitions and never deleted.
type DialogMessage struct {
	ID                 string        `json:"id"`
	ParticipantID      string        `json:"participant_id"`
	Channel            Channel       `json:"channel"`
	Body               string        `json:"body"`
	Status             MessageStatus `json:"status"`
	ScheduledSendTime  time.Time     `json:"scheduled_send_time"`
	ActualSendTime     time.Time     `json:"actual_send_time,omitzero"`
	DeadlineTime       time.Time     `json:"deadline_time,omitzero"`
	RawAnswer          string        `json:"raw_answer,omitempty"`
	ParsedAnswer       string        `json:"parsed_answer,omitempty"`
	AnswerReceivedTime time.Time     `json:"answer_received_time,omitzero"`
	ManuallySent       bool          `json:"manually_sent"`
	ExpectsAnswer      bool          `json:"expects_answer"`
	AnswerVariable     string        `json:"answer_variable,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// MessageGroup is a named ordered set of candidate message templates a
// triggered rule may send from.
type MessageGroup struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Templates []string `json:"templates"`
}

// ParticipantStatus represents the enrollment status of a participant.
type ParticipantStatus string

const (
	// ParticipantStatusActive indicates the participant is actively enrolled.
	ParticipantStatusActive ParticipantStatus = "active"
	// ParticipantStatusPaused indicates the participant is temporarily paused.
	ParticipantStatusPaused ParticipantStatus = "paused"
	// ParticipantStatusCompleted indicates the participant finished the intervention.
	ParticipantStatusCompleted ParticipantStatus = "completed"
	// ParticipantStatusWithdrawn indicates the participant opted out.
	ParticipantStatusWithdrawn ParticipantStatus = "withdrawn"
)

// IsValidParticipantStatus checks if the given participant status is valid.
func IsValidParticipantStatus(status ParticipantStatus) bool {
	switch status {
	case ParticipantStatusActive, ParticipantStatusPaused, ParticipantStatusCompleted, ParticipantStatusWithdrawn:
		return true
	default:
		return false
	}
}

// Participant represents one enrolled participant of an intervention.
type Participant struct {
	ID          string            `json:"id"`
	PhoneNumber string            `json:"phone_number"`
	Name        string            `json:"name,omitempty"`
	Timezone    string            `json:"timezone,omitempty"` // e.g., "America/New_York"
	Status      ParticipantStatus `json:"status"`
	EnrolledAt  time.Time         `json:"enrolled_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks an enrollment record before it is stored.
func (p *Participant) Validate() error {
	if p.PhoneNumber == "" {
		return errors.New("phone_number is required")
	}
	if !IsValidParticipantStatus(p.Status) {
		return errors.New("invalid participant status")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return errors.New("invalid timezone")
		}
	}
	return nil
}

// Response represents an incoming message from a participant.
type Response struct {
	From    string  `json:"from"`
	Channel Channel `json:"channel"`
	Body    string  `json:"body"`
	Time    int64   `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Recorded creates a recorded API response with a message.
func Recorded(message string) APIResponse {
	return APIResponse{Status: string(APIStatusRecorded), Message: message}
}
