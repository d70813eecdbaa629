// Package store provides storage backends for CoachPipe.
//
// This file implements the PostgreSQL-backed store for multi-node deployments.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CoachPipe/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on top of a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SetVariable appends a variable version. Last-writer-wins by timestamp.
func (s *PostgresStore) SetVariable(participantID, name, value string, ts time.Time) error {
	if participantID == "" {
		return models.ErrEmptyParticipantID
	}
	_, err := s.db.Exec(`INSERT INTO variables (participant_id, name, value, ts) VALUES ($1, $2, $3, $4)`,
		participantID, name, value, ts)
	if err != nil {
		slog.Error("PostgresStore SetVariable failed", "error", err, "participantID", participantID, "name", name)
		return fmt.Errorf("failed to insert variable %s for %s: %w", name, participantID, err)
	}
	return nil
}

// GetVariable returns the latest version of a variable, or nil if never set.
func (s *PostgresStore) GetVariable(participantID, name string) (*models.Variable, error) {
	var v models.Variable
	err := s.db.QueryRow(`SELECT participant_id, name, value, ts FROM variables
		WHERE participant_id = $1 AND name = $2 ORDER BY ts DESC LIMIT 1`,
		participantID, name).Scan(&v.ParticipantID, &v.Name, &v.Value, &v.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetVariable failed", "error", err, "participantID", participantID, "name", name)
		return nil, err
	}
	return &v, nil
}

// GetVariableHistory returns all versions with ts >= since, ordered ascending.
func (s *PostgresStore) GetVariableHistory(participantID, name string, since time.Time) ([]models.Variable, error) {
	rows, err := s.db.Query(`SELECT participant_id, name, value, ts FROM variables
		WHERE participant_id = $1 AND name = $2 AND ts >= $3 ORDER BY ts ASC`,
		participantID, name, since)
	if err != nil {
		slog.Error("PostgresStore GetVariableHistory query failed", "error", err, "participantID", participantID, "name", name)
		return nil, err
	}
	defer rows.Close()

	var out []models.Variable
	for rows.Next() {
		var v models.Variable
		if err := rows.Scan(&v.ParticipantID, &v.Name, &v.Value, &v.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SaveDialogMessage inserts or replaces a dialog message by ID.
func (s *PostgresStore) SaveDialogMessage(m models.DialogMessage) error {
	_, err := s.db.Exec(`INSERT INTO dialog_messages
		(id, participant_id, channel, body, status, scheduled_send_time, actual_send_time,
		 deadline_time, raw_answer, parsed_answer, answer_received_time, manually_sent,
		 expects_answer, answer_variable, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
		 status = EXCLUDED.status, actual_send_time = EXCLUDED.actual_send_time,
		 deadline_time = EXCLUDED.deadline_time, raw_answer = EXCLUDED.raw_answer,
		 parsed_answer = EXCLUDED.parsed_answer, answer_received_time = EXCLUDED.answer_received_time,
		 updated_at = EXCLUDED.updated_at`,
		m.ID, m.ParticipantID, m.Channel, m.Body, m.Status, m.ScheduledSendTime, m.ActualSendTime,
		m.DeadlineTime, m.RawAnswer, m.ParsedAnswer, m.AnswerReceivedTime, m.ManuallySent,
		m.ExpectsAnswer, m.AnswerVariable, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveDialogMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to save dialog message %s: %w", m.ID, err)
	}
	return nil
}

// GetDialogMessage retrieves a dialog message by ID, or nil if absent.
func (s *PostgresStore) GetDialogMessage(id string) (*models.DialogMessage, error) {
	m, err := scanDialogMessage(s.db.QueryRow(
		`SELECT `+dialogMessageColumns+` FROM dialog_messages WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetDialogMessage failed", "error", err, "id", id)
		return nil, err
	}
	return m, nil
}

// ListDialogMessages returns all messages for a participant ordered by creation time.
func (s *PostgresStore) ListDialogMessages(participantID string) ([]models.DialogMessage, error) {
	rows, err := s.db.Query(`SELECT `+dialogMessageColumns+` FROM dialog_messages
		WHERE participant_id = $1 ORDER BY created_at ASC`, participantID)
	if err != nil {
		slog.Error("PostgresStore ListDialogMessages query failed", "error", err, "participantID", participantID)
		return nil, err
	}
	defer rows.Close()

	var out []models.DialogMessage
	for rows.Next() {
		m, err := scanDialogMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SaveConversationState atomically replaces the state for its participant.
func (s *PostgresStore) SaveConversationState(st models.ConversationState) error {
	if st.ParticipantID == "" {
		return models.ErrEmptyParticipantID
	}
	stateJSON, err := json.Marshal(st)
	if err != nil {
		slog.Error("PostgresStore SaveConversationState marshal failed", "error", err, "participantID", st.ParticipantID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO conversation_states (participant_id, script_id, state_json, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (participant_id) DO UPDATE SET
		 script_id = EXCLUDED.script_id, state_json = EXCLUDED.state_json, updated_at = EXCLUDED.updated_at`,
		st.ParticipantID, st.ScriptID, string(stateJSON), st.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveConversationState failed", "error", err, "participantID", st.ParticipantID)
		return err
	}
	return nil
}

// GetConversationState retrieves the state for a participant. Corrupt
// snapshots yield a skeleton state plus models.ErrCorruptState.
func (s *PostgresStore) GetConversationState(participantID string) (*models.ConversationState, error) {
	var scriptID, stateJSON string
	err := s.db.QueryRow(`SELECT script_id, state_json FROM conversation_states WHERE participant_id = $1`,
		participantID).Scan(&scriptID, &stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversationState failed", "error", err, "participantID", participantID)
		return nil, err
	}

	var st models.ConversationState
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		slog.Error("PostgresStore GetConversationState unmarshal failed", "error", err, "participantID", participantID)
		return &models.ConversationState{ParticipantID: participantID, ScriptID: scriptID},
			fmt.Errorf("%w: %v", models.ErrCorruptState, err)
	}
	return &st, nil
}

// DeleteConversationState removes the state for a participant. Idempotent.
func (s *PostgresStore) DeleteConversationState(participantID string) error {
	_, err := s.db.Exec(`DELETE FROM conversation_states WHERE participant_id = $1`, participantID)
	if err != nil {
		slog.Error("PostgresStore DeleteConversationState failed", "error", err, "participantID", participantID)
		return err
	}
	return nil
}

// ListConversationStates returns all persisted states, skipping corrupt records.
func (s *PostgresStore) ListConversationStates() ([]models.ConversationState, error) {
	rows, err := s.db.Query(`SELECT participant_id, state_json FROM conversation_states ORDER BY participant_id`)
	if err != nil {
		slog.Error("PostgresStore ListConversationStates query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.ConversationState
	for rows.Next() {
		var participantID, stateJSON string
		if err := rows.Scan(&participantID, &stateJSON); err != nil {
			return nil, err
		}
		var st models.ConversationState
		if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
			slog.Error("PostgresStore ListConversationStates skipping corrupt state", "error", err, "participantID", participantID)
			continue
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveParticipant inserts or replaces a participant by ID.
func (s *PostgresStore) SaveParticipant(p models.Participant) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO participants
		(id, phone_number, name, timezone, status, enrolled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		 phone_number = EXCLUDED.phone_number, name = EXCLUDED.name, timezone = EXCLUDED.timezone,
		 status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		p.ID, p.PhoneNumber, p.Name, p.Timezone, p.Status, p.EnrolledAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveParticipant failed", "error", err, "id", p.ID)
		return err
	}
	return nil
}

func (s *PostgresStore) scanParticipant(query string, args ...interface{}) (*models.Participant, error) {
	var p models.Participant
	err := s.db.QueryRow(query, args...).Scan(&p.ID, &p.PhoneNumber, &p.Name, &p.Timezone,
		&p.Status, &p.EnrolledAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetParticipant retrieves a participant by ID, or nil if absent.
func (s *PostgresStore) GetParticipant(id string) (*models.Participant, error) {
	return s.scanParticipant(`SELECT id, phone_number, name, timezone, status, enrolled_at,
		created_at, updated_at FROM participants WHERE id = $1`, id)
}

// GetParticipantByPhone retrieves a participant by canonical phone number.
func (s *PostgresStore) GetParticipantByPhone(phone string) (*models.Participant, error) {
	return s.scanParticipant(`SELECT id, phone_number, name, timezone, status, enrolled_at,
		created_at, updated_at FROM participants WHERE phone_number = $1 LIMIT 1`, phone)
}

// ListActiveParticipants returns all participants with active status.
func (s *PostgresStore) ListActiveParticipants() ([]models.Participant, error) {
	rows, err := s.db.Query(`SELECT id, phone_number, name, timezone, status, enrolled_at,
		created_at, updated_at FROM participants WHERE status = $1 ORDER BY id`,
		models.ParticipantStatusActive)
	if err != nil {
		slog.Error("PostgresStore ListActiveParticipants query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.PhoneNumber, &p.Name, &p.Timezone, &p.Status,
			&p.EnrolledAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveRule inserts or replaces a rule by ID.
func (s *PostgresStore) SaveRule(r models.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO rules
		(id, parent_id, rule_order, rule_text, compare_op, compare_text,
		 store_value_to_variable, send_message_if_true, message_group_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		 parent_id = EXCLUDED.parent_id, rule_order = EXCLUDED.rule_order,
		 rule_text = EXCLUDED.rule_text, compare_op = EXCLUDED.compare_op,
		 compare_text = EXCLUDED.compare_text,
		 store_value_to_variable = EXCLUDED.store_value_to_variable,
		 send_message_if_true = EXCLUDED.send_message_if_true,
		 message_group_id = EXCLUDED.message_group_id`,
		r.ID, r.ParentID, r.Order, r.RuleText, r.CompareOp, r.CompareText,
		r.StoreValueToVariable, r.SendMessageIfTrue, r.MessageGroupID)
	if err != nil {
		slog.Error("PostgresStore SaveRule failed", "error", err, "id", r.ID)
		return err
	}
	return nil
}

// ListRules returns all rules as flat records.
func (s *PostgresStore) ListRules() ([]models.Rule, error) {
	rows, err := s.db.Query(`SELECT id, parent_id, rule_order, rule_text, compare_op,
		compare_text, store_value_to_variable, send_message_if_true, message_group_id
		FROM rules ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore ListRules query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.Rule
	for rows.Next() {
		var r models.Rule
		if err := rows.Scan(&r.ID, &r.ParentID, &r.Order, &r.RuleText, &r.CompareOp,
			&r.CompareText, &r.StoreValueToVariable, &r.SendMessageIfTrue, &r.MessageGroupID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveMessageGroup inserts or replaces a message group by ID.
func (s *PostgresStore) SaveMessageGroup(g models.MessageGroup) error {
	templatesJSON, err := json.Marshal(g.Templates)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO message_groups (id, name, templates_json) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, templates_json = EXCLUDED.templates_json`,
		g.ID, g.Name, string(templatesJSON))
	if err != nil {
		slog.Error("PostgresStore SaveMessageGroup failed", "error", err, "id", g.ID)
		return err
	}
	return nil
}

// GetMessageGroup retrieves a message group by ID, or nil if absent.
func (s *PostgresStore) GetMessageGroup(id string) (*models.MessageGroup, error) {
	var g models.MessageGroup
	var templatesJSON string
	err := s.db.QueryRow(`SELECT id, name, templates_json FROM message_groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &templatesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetMessageGroup failed", "error", err, "id", id)
		return nil, err
	}
	if err := json.Unmarshal([]byte(templatesJSON), &g.Templates); err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveScript inserts or replaces a script by ID after validation.
func (s *PostgresStore) SaveScript(sc models.Script) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	actionsJSON, err := json.Marshal(sc.Actions)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO scripts (id, version, name, actions_json, clear_on_end)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		 version = EXCLUDED.version, name = EXCLUDED.name,
		 actions_json = EXCLUDED.actions_json, clear_on_end = EXCLUDED.clear_on_end`,
		sc.ID, sc.Version, sc.Name, string(actionsJSON), sc.ClearOnEnd)
	if err != nil {
		slog.Error("PostgresStore SaveScript failed", "error", err, "id", sc.ID)
		return err
	}
	return nil
}

// GetScript retrieves a script by ID, or nil if absent.
func (s *PostgresStore) GetScript(id string) (*models.Script, error) {
	var sc models.Script
	var actionsJSON string
	err := s.db.QueryRow(`SELECT id, version, name, actions_json, clear_on_end FROM scripts WHERE id = $1`, id).
		Scan(&sc.ID, &sc.Version, &sc.Name, &actionsJSON, &sc.ClearOnEnd)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetScript failed", "error", err, "id", id)
		return nil, err
	}
	if err := json.Unmarshal([]byte(actionsJSON), &sc.Actions); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
