// Package store provides storage backends for CoachPipe.
//
// It defines the Store interface consumed by the rule engine, the dialog
// message lifecycle, and the conversation interpreter, plus an in-memory
// implementation used by tests and simulators. Persistent SQLite and
// PostgreSQL implementations live in sqlite.go and postgres.go.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Store is the persistence contract for all CoachPipe state.
//
// Variable writes are last-writer-wins by timestamp per (participant, name);
// history is retained and queryable. Conversation state saves are atomic
// replacements keyed by participant.
type Store interface {
	// Variables
	SetVariable(participantID, name, value string, ts time.Time) error
	GetVariable(participantID, name string) (*models.Variable, error)
	GetVariableHistory(participantID, name string, since time.Time) ([]models.Variable, error)

	// Dialog messages
	SaveDialogMessage(m models.DialogMessage) error
	GetDialogMessage(id string) (*models.DialogMessage, error)
	ListDialogMessages(participantID string) ([]models.DialogMessage, error)

	// Conversation states
	SaveConversationState(st models.ConversationState) error
	GetConversationState(participantID string) (*models.ConversationState, error)
	DeleteConversationState(participantID string) error
	ListConversationStates() ([]models.ConversationState, error)

	// Participants
	SaveParticipant(p models.Participant) error
	GetParticipant(id string) (*models.Participant, error)
	GetParticipantByPhone(phone string) (*models.Participant, error)
	ListActiveParticipants() ([]models.Participant, error)

	// Rules and message groups
	SaveRule(r models.Rule) error
	ListRules() ([]models.Rule, error)
	SaveMessageGroup(g models.MessageGroup) error
	GetMessageGroup(id string) (*models.MessageGroup, error)

	// Scripts
	SaveScript(s models.Script) error
	GetScript(id string) (*models.Script, error)

	Close() error
}

type variableKey struct {
	participantID string
	name          string
}

// InMemoryStore is a Store kept entirely in process memory. It backs tests
// and the dialogue simulator; production deployments use SQLite or Postgres.
type InMemoryStore struct {
	mu        sync.RWMutex
	variables map[variableKey][]models.Variable // ordered by timestamp ascending
	messages  map[string]models.DialogMessage
	states    map[string]models.ConversationState
	parts     map[string]models.Participant
	rules     map[string]models.Rule
	groups    map[string]models.MessageGroup
	scripts   map[string]models.Script
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		variables: make(map[variableKey][]models.Variable),
		messages:  make(map[string]models.DialogMessage),
		states:    make(map[string]models.ConversationState),
		parts:     make(map[string]models.Participant),
		rules:     make(map[string]models.Rule),
		groups:    make(map[string]models.MessageGroup),
		scripts:   make(map[string]models.Script),
	}
}

// SetVariable appends a value to the (participant, name) history. The entry
// with the latest timestamp is the current value; ties go to the later write.
func (s *InMemoryStore) SetVariable(participantID, name, value string, ts time.Time) error {
	if participantID == "" {
		return models.ErrEmptyParticipantID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := variableKey{participantID, name}
	history := append(s.variables[key], models.Variable{
		ParticipantID: participantID,
		Name:          name,
		Value:         value,
		Timestamp:     ts,
	})
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Timestamp.Before(history[j].Timestamp)
	})
	s.variables[key] = history
	return nil
}

// GetVariable returns the current value of a variable, or nil if never set.
func (s *InMemoryStore) GetVariable(participantID, name string) (*models.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.variables[variableKey{participantID, name}]
	if len(history) == 0 {
		return nil, nil
	}
	v := history[len(history)-1]
	return &v, nil
}

// GetVariableHistory returns all versions with timestamp >= since, ordered ascending.
func (s *InMemoryStore) GetVariableHistory(participantID, name string, since time.Time) ([]models.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Variable
	for _, v := range s.variables[variableKey{participantID, name}] {
		if !v.Timestamp.Before(since) {
			out = append(out, v)
		}
	}
	return out, nil
}

// SaveDialogMessage inserts or replaces a dialog message by ID.
func (s *InMemoryStore) SaveDialogMessage(m models.DialogMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

// GetDialogMessage retrieves a dialog message by ID, or nil if absent.
func (s *InMemoryStore) GetDialogMessage(id string) (*models.DialogMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// ListDialogMessages returns all messages for a participant ordered by creation time.
func (s *InMemoryStore) ListDialogMessages(participantID string) ([]models.DialogMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DialogMessage
	for _, m := range s.messages {
		if m.ParticipantID == participantID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveConversationState atomically replaces the state for its participant.
func (s *InMemoryStore) SaveConversationState(st models.ConversationState) error {
	if st.ParticipantID == "" {
		return models.ErrEmptyParticipantID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.ParticipantID] = st
	return nil
}

// GetConversationState retrieves the state for a participant, or nil if absent.
func (s *InMemoryStore) GetConversationState(participantID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[participantID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// DeleteConversationState removes the state for a participant. Idempotent.
func (s *InMemoryStore) DeleteConversationState(participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, participantID)
	return nil
}

// ListConversationStates returns all persisted states (used by recovery).
func (s *InMemoryStore) ListConversationStates() ([]models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversationState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

// SaveParticipant inserts or replaces a participant by ID.
func (s *InMemoryStore) SaveParticipant(p models.Participant) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[p.ID] = p
	return nil
}

// GetParticipant retrieves a participant by ID, or nil if absent.
func (s *InMemoryStore) GetParticipant(id string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// GetParticipantByPhone retrieves a participant by canonical phone number.
func (s *InMemoryStore) GetParticipantByPhone(phone string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.parts {
		if p.PhoneNumber == phone {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

// ListActiveParticipants returns all participants with active status.
func (s *InMemoryStore) ListActiveParticipants() ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Participant
	for _, p := range s.parts {
		if p.Status == models.ParticipantStatusActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRule inserts or replaces a rule by ID.
func (s *InMemoryStore) SaveRule(r models.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

// ListRules returns all rules as flat records; the rules package assembles
// them into a forest.
func (s *InMemoryStore) ListRules() ([]models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveMessageGroup inserts or replaces a message group by ID.
func (s *InMemoryStore) SaveMessageGroup(g models.MessageGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
	return nil
}

// GetMessageGroup retrieves a message group by ID, or nil if absent.
func (s *InMemoryStore) GetMessageGroup(id string) (*models.MessageGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

// SaveScript inserts or replaces a script by ID after validation.
func (s *InMemoryStore) SaveScript(sc models.Script) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[sc.ID] = sc
	return nil
}

// GetScript retrieves a script by ID, or nil if absent. Callers must treat
// the returned script as immutable.
func (s *InMemoryStore) GetScript(id string) (*models.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[id]
	if !ok {
		return nil, nil
	}
	return &sc, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
