// Package dialog implements the dialog message lifecycle state machine.
//
// Every outbound message moves PREPARED_FOR_SENDING -> SENDING -> SENT and
// resolves to SENT_AND_ANSWERED or SENT_BUT_NOT_ANSWERED; inbound messages
// with no matching wait are recorded as RECEIVED_UNEXPECTEDLY. Terminal
// records are immutable. The manager records state only; retry policy lives
// with the caller.
package dialog

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/google/uuid"
)

// allowedTransitions maps each non-terminal status to the statuses reachable
// from it. Terminal statuses have no entry.
var allowedTransitions = map[models.MessageStatus][]models.MessageStatus{
	models.MessageStatusPrepared: {models.MessageStatusSending},
	models.MessageStatusSending: {
		models.MessageStatusSent,
		models.MessageStatusPrepared, // send failure, re-entry for later retry
		models.MessageStatusAnswered,
		models.MessageStatusUnanswered,
	},
	models.MessageStatusSent: {
		models.MessageStatusAnswered,
		models.MessageStatusUnanswered,
	},
}

func transitionAllowed(from, to models.MessageStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager drives dialog message lifecycle transitions against the store.
type Manager struct {
	store store.Store
	clock clock.Clock
}

// NewManager creates a dialog lifecycle manager.
func NewManager(st store.Store, clk clock.Clock) *Manager {
	return &Manager{store: st, clock: clk}
}

// Create records a new outbound message in PREPARED_FOR_SENDING. For messages
// expecting an answer, deadline is the absolute answer deadline (computed by
// the caller at suspend time) and answerVariable names the variable the
// parsed answer is written to.
func (m *Manager) Create(participantID string, channel models.Channel, body string,
	expectsAnswer bool, answerVariable string, deadline time.Time) (models.DialogMessage, error) {
	if participantID == "" {
		return models.DialogMessage{}, models.ErrEmptyParticipantID
	}
	now := m.clock.Now()
	msg := models.DialogMessage{
		ID:                uuid.NewString(),
		ParticipantID:     participantID,
		Channel:           channel,
		Body:              body,
		Status:            models.MessageStatusPrepared,
		ScheduledSendTime: now,
		ExpectsAnswer:     expectsAnswer,
		AnswerVariable:    answerVariable,
		DeadlineTime:      deadline,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.store.SaveDialogMessage(msg); err != nil {
		slog.Error("DialogManager Create save failed", "error", err, "participantID", participantID)
		return models.DialogMessage{}, err
	}
	slog.Debug("DialogManager Create succeeded", "messageID", msg.ID, "participantID", participantID,
		"channel", channel, "expectsAnswer", expectsAnswer)
	return msg, nil
}

// transition loads a message, verifies the transition, applies mutate, and
// saves. Terminal records are never modified.
func (m *Manager) transition(messageID string, to models.MessageStatus,
	mutate func(*models.DialogMessage)) (*models.DialogMessage, error) {
	msg, err := m.store.GetDialogMessage(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("dialog message %s not found", messageID)
	}
	if models.IsTerminalMessageStatus(msg.Status) {
		slog.Debug("DialogManager transition refused on terminal record", "messageID", messageID,
			"status", msg.Status, "requested", to)
		return msg, models.ErrTerminalState
	}
	if !transitionAllowed(msg.Status, to) {
		slog.Error("DialogManager invalid transition", "messageID", messageID, "from", msg.Status, "to", to)
		return msg, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, msg.Status, to)
	}

	msg.Status = to
	msg.UpdatedAt = m.clock.Now()
	if mutate != nil {
		mutate(msg)
	}
	if err := m.store.SaveDialogMessage(*msg); err != nil {
		slog.Error("DialogManager transition save failed", "error", err, "messageID", messageID, "to", to)
		return nil, err
	}
	slog.Debug("DialogManager transition succeeded", "messageID", messageID, "to", to)
	return msg, nil
}

// MarkSending records that the message was handed to a channel adapter.
func (m *Manager) MarkSending(messageID string) error {
	_, err := m.transition(messageID, models.MessageStatusSending, nil)
	return err
}

// MarkSent records adapter-confirmed delivery and stamps the actual send time.
func (m *Manager) MarkSent(messageID string) error {
	now := m.clock.Now()
	_, err := m.transition(messageID, models.MessageStatusSent, func(msg *models.DialogMessage) {
		msg.ActualSendTime = now
	})
	return err
}

// MarkSendFailed reverts a SENDING message to PREPARED_FOR_SENDING so the
// caller's retry policy can re-enter it later. Whether and when to retry is
// not this package's concern.
func (m *Manager) MarkSendFailed(messageID string) error {
	_, err := m.transition(messageID, models.MessageStatusPrepared, nil)
	return err
}

// ParseAnswer normalizes a raw reply for correlation and variable storage.
func ParseAnswer(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// HandleReply resolves a waiting message to SENT_AND_ANSWERED and writes the
// answer into the message's target variable. A reply arriving after the
// deadline is refused with models.ErrDeadlinePassed; a reply for a message
// already terminal is refused with models.ErrTerminalState. In both cases the
// caller records the inbound text as unexpected instead.
func (m *Manager) HandleReply(messageID, rawAnswer string) (*models.DialogMessage, error) {
	now := m.clock.Now()

	current, err := m.store.GetDialogMessage(messageID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("dialog message %s not found", messageID)
	}
	if models.IsTerminalMessageStatus(current.Status) {
		return current, models.ErrTerminalState
	}
	if !current.ExpectsAnswer {
		return current, models.ErrNoAwaitingMessage
	}
	if !current.DeadlineTime.IsZero() && now.After(current.DeadlineTime) {
		slog.Info("DialogManager reply after deadline", "messageID", messageID, "deadline", current.DeadlineTime)
		return current, models.ErrDeadlinePassed
	}

	msg, err := m.transition(messageID, models.MessageStatusAnswered, func(msg *models.DialogMessage) {
		msg.RawAnswer = rawAnswer
		msg.ParsedAnswer = ParseAnswer(rawAnswer)
		msg.AnswerReceivedTime = now
	})
	if err != nil {
		return msg, err
	}

	if msg.AnswerVariable != "" {
		if err := m.store.SetVariable(msg.ParticipantID, msg.AnswerVariable, msg.ParsedAnswer, now); err != nil {
			slog.Error("DialogManager answer variable write failed", "error", err,
				"messageID", messageID, "variable", msg.AnswerVariable)
		}
	}
	slog.Info("DialogManager reply recorded", "messageID", messageID, "participantID", msg.ParticipantID)
	return msg, nil
}

// HandleTimeout resolves a waiting message to SENT_BUT_NOT_ANSWERED. If a
// reply already won the race the record is terminal and ErrTerminalState is
// returned; the caller treats that as a no-op.
func (m *Manager) HandleTimeout(messageID string) (*models.DialogMessage, error) {
	msg, err := m.transition(messageID, models.MessageStatusUnanswered, nil)
	if err == nil {
		slog.Info("DialogManager timeout recorded", "messageID", messageID)
	}
	return msg, err
}

// RecordUnexpected stores an inbound message that could not be correlated to
// any waiting outbound message. The record is terminal from birth and is
// never discarded.
func (m *Manager) RecordUnexpected(participantID string, channel models.Channel, rawText string) (models.DialogMessage, error) {
	now := m.clock.Now()
	msg := models.DialogMessage{
		ID:                 uuid.NewString(),
		ParticipantID:      participantID,
		Channel:            channel,
		Status:             models.MessageStatusUnexpected,
		RawAnswer:          rawText,
		ParsedAnswer:       ParseAnswer(rawText),
		AnswerReceivedTime: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.SaveDialogMessage(msg); err != nil {
		slog.Error("DialogManager RecordUnexpected save failed", "error", err, "participantID", participantID)
		return models.DialogMessage{}, err
	}
	slog.Info("DialogManager recorded unexpected inbound message", "messageID", msg.ID, "participantID", participantID)
	return msg, nil
}

// Dispatch runs the send path for a prepared message: hand-off to the adapter
// (SENDING), then SENT on success or back to PREPARED_FOR_SENDING on failure.
// send performs the actual adapter call.
func (m *Manager) Dispatch(messageID string, send func() error) error {
	if err := m.MarkSending(messageID); err != nil {
		return err
	}
	if err := send(); err != nil {
		slog.Error("DialogManager dispatch send failed", "error", err, "messageID", messageID)
		if ferr := m.MarkSendFailed(messageID); ferr != nil {
			slog.Error("DialogManager dispatch failure rollback failed", "error", ferr, "messageID", messageID)
		}
		return err
	}
	return m.MarkSent(messageID)
}
