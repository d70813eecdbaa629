// Package store provides storage backends for CoachPipe.
//
// This file implements the SQLite-backed store, the default backend for
// single-node deployments.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/CoachPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on top of a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store. The DSN is a file path; the
// containing directory is created if missing and migrations are applied.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SetVariable appends a variable version. Last-writer-wins by timestamp.
func (s *SQLiteStore) SetVariable(participantID, name, value string, ts time.Time) error {
	if participantID == "" {
		return models.ErrEmptyParticipantID
	}
	_, err := s.db.Exec(`INSERT INTO variables (participant_id, name, value, ts) VALUES (?, ?, ?, ?)`,
		participantID, name, value, ts)
	if err != nil {
		slog.Error("SQLiteStore SetVariable failed", "error", err, "participantID", participantID, "name", name)
		return fmt.Errorf("failed to insert variable %s for %s: %w", name, participantID, err)
	}
	slog.Debug("SQLiteStore SetVariable succeeded", "participantID", participantID, "name", name)
	return nil
}

// GetVariable returns the latest version of a variable, or nil if never set.
func (s *SQLiteStore) GetVariable(participantID, name string) (*models.Variable, error) {
	var v models.Variable
	err := s.db.QueryRow(`SELECT participant_id, name, value, ts FROM variables
		WHERE participant_id = ? AND name = ? ORDER BY ts DESC, rowid DESC LIMIT 1`,
		participantID, name).Scan(&v.ParticipantID, &v.Name, &v.Value, &v.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetVariable failed", "error", err, "participantID", participantID, "name", name)
		return nil, err
	}
	return &v, nil
}

// GetVariableHistory returns all versions with ts >= since, ordered ascending.
func (s *SQLiteStore) GetVariableHistory(participantID, name string, since time.Time) ([]models.Variable, error) {
	rows, err := s.db.Query(`SELECT participant_id, name, value, ts FROM variables
		WHERE participant_id = ? AND name = ? AND ts >= ? ORDER BY ts ASC, rowid ASC`,
		participantID, name, since)
	if err != nil {
		slog.Error("SQLiteStore GetVariableHistory query failed", "error", err, "participantID", participantID, "name", name)
		return nil, err
	}
	defer rows.Close()

	var out []models.Variable
	for rows.Next() {
		var v models.Variable
		if err := rows.Scan(&v.ParticipantID, &v.Name, &v.Value, &v.Timestamp); err != nil {
			slog.Error("SQLiteStore GetVariableHistory scan failed", "error", err)
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SaveDialogMessage inserts or replaces a dialog message by ID.
func (s *SQLiteStore) SaveDialogMessage(m models.DialogMessage) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO dialog_messages
		(id, participant_id, channel, body, status, scheduled_send_time, actual_send_time,
		 deadline_time, raw_answer, parsed_answer, answer_received_time, manually_sent,
		 expects_answer, answer_variable, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ParticipantID, m.Channel, m.Body, m.Status, m.ScheduledSendTime, m.ActualSendTime,
		m.DeadlineTime, m.RawAnswer, m.ParsedAnswer, m.AnswerReceivedTime, m.ManuallySent,
		m.ExpectsAnswer, m.AnswerVariable, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveDialogMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to save dialog message %s: %w", m.ID, err)
	}
	slog.Debug("SQLiteStore SaveDialogMessage succeeded", "id", m.ID, "status", m.Status)
	return nil
}

func scanDialogMessage(row interface {
	Scan(dest ...interface{}) error
}) (*models.DialogMessage, error) {
	var m models.DialogMessage
	err := row.Scan(&m.ID, &m.ParticipantID, &m.Channel, &m.Body, &m.Status,
		&m.ScheduledSendTime, &m.ActualSendTime, &m.DeadlineTime, &m.RawAnswer,
		&m.ParsedAnswer, &m.AnswerReceivedTime, &m.ManuallySent, &m.ExpectsAnswer,
		&m.AnswerVariable, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

const dialogMessageColumns = `id, participant_id, channel, body, status, scheduled_send_time,
	actual_send_time, deadline_time, raw_answer, parsed_answer, answer_received_time,
	manually_sent, expects_answer, answer_variable, created_at, updated_at`

// GetDialogMessage retrieves a dialog message by ID, or nil if absent.
func (s *SQLiteStore) GetDialogMessage(id string) (*models.DialogMessage, error) {
	m, err := scanDialogMessage(s.db.QueryRow(
		`SELECT `+dialogMessageColumns+` FROM dialog_messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetDialogMessage failed", "error", err, "id", id)
		return nil, err
	}
	return m, nil
}

// ListDialogMessages returns all messages for a participant ordered by creation time.
func (s *SQLiteStore) ListDialogMessages(participantID string) ([]models.DialogMessage, error) {
	rows, err := s.db.Query(`SELECT `+dialogMessageColumns+` FROM dialog_messages
		WHERE participant_id = ? ORDER BY created_at ASC`, participantID)
	if err != nil {
		slog.Error("SQLiteStore ListDialogMessages query failed", "error", err, "participantID", participantID)
		return nil, err
	}
	defer rows.Close()

	var out []models.DialogMessage
	for rows.Next() {
		m, err := scanDialogMessage(rows)
		if err != nil {
			slog.Error("SQLiteStore ListDialogMessages scan failed", "error", err)
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SaveConversationState atomically replaces the state for its participant.
func (s *SQLiteStore) SaveConversationState(st models.ConversationState) error {
	if st.ParticipantID == "" {
		return models.ErrEmptyParticipantID
	}
	stateJSON, err := json.Marshal(st)
	if err != nil {
		slog.Error("SQLiteStore SaveConversationState marshal failed", "error", err, "participantID", st.ParticipantID)
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO conversation_states
		(participant_id, script_id, state_json, updated_at) VALUES (?, ?, ?, ?)`,
		st.ParticipantID, st.ScriptID, string(stateJSON), st.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveConversationState failed", "error", err, "participantID", st.ParticipantID)
		return err
	}
	slog.Debug("SQLiteStore SaveConversationState succeeded", "participantID", st.ParticipantID)
	return nil
}

// GetConversationState retrieves the state for a participant. A record whose
// snapshot no longer deserializes yields a skeleton state (participant and
// root script only) together with models.ErrCorruptState, so the caller can
// reset just that participant.
func (s *SQLiteStore) GetConversationState(participantID string) (*models.ConversationState, error) {
	var scriptID, stateJSON string
	err := s.db.QueryRow(`SELECT script_id, state_json FROM conversation_states WHERE participant_id = ?`,
		participantID).Scan(&scriptID, &stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversationState failed", "error", err, "participantID", participantID)
		return nil, err
	}

	var st models.ConversationState
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		slog.Error("SQLiteStore GetConversationState unmarshal failed", "error", err, "participantID", participantID)
		return &models.ConversationState{ParticipantID: participantID, ScriptID: scriptID},
			fmt.Errorf("%w: %v", models.ErrCorruptState, err)
	}
	return &st, nil
}

// DeleteConversationState removes the state for a participant. Idempotent.
func (s *SQLiteStore) DeleteConversationState(participantID string) error {
	_, err := s.db.Exec(`DELETE FROM conversation_states WHERE participant_id = ?`, participantID)
	if err != nil {
		slog.Error("SQLiteStore DeleteConversationState failed", "error", err, "participantID", participantID)
		return err
	}
	slog.Debug("SQLiteStore DeleteConversationState succeeded", "participantID", participantID)
	return nil
}

// ListConversationStates returns all persisted states. Corrupt records are
// skipped with a log entry rather than failing the whole scan.
func (s *SQLiteStore) ListConversationStates() ([]models.ConversationState, error) {
	rows, err := s.db.Query(`SELECT participant_id, state_json FROM conversation_states ORDER BY participant_id`)
	if err != nil {
		slog.Error("SQLiteStore ListConversationStates query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.ConversationState
	for rows.Next() {
		var participantID, stateJSON string
		if err := rows.Scan(&participantID, &stateJSON); err != nil {
			slog.Error("SQLiteStore ListConversationStates scan failed", "error", err)
			return nil, err
		}
		var st models.ConversationState
		if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
			slog.Error("SQLiteStore ListConversationStates skipping corrupt state", "error", err, "participantID", participantID)
			continue
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveParticipant inserts or replaces a participant by ID.
func (s *SQLiteStore) SaveParticipant(p models.Participant) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO participants
		(id, phone_number, name, timezone, status, enrolled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PhoneNumber, p.Name, p.Timezone, p.Status, p.EnrolledAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveParticipant failed", "error", err, "id", p.ID)
		return err
	}
	slog.Debug("SQLiteStore SaveParticipant succeeded", "id", p.ID)
	return nil
}

func (s *SQLiteStore) scanParticipant(query string, args ...interface{}) (*models.Participant, error) {
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
func (s *SQLiteStore) GetParticipant(id string) (*models.Participant, error) {
	return s.scanParticipant(`SELECT id, phone_number, name, timezone, status, enrolled_at,
		created_at, updated_at FROM participants WHERE id = ?`, id)
}

// GetParticipantByPhone retrieves a participant by canonical phone number.
func (s *SQLiteStore) GetParticipantByPhone(phone string) (*models.Participant, error) {
	return s.scanParticipant(`SELECT id, phone_number, name, timezone, status, enrolled_at,
		created_at, updated_at FROM participants WHERE phone_number = ? LIMIT 1`, phone)
}

// ListActiveParticipants returns all participants with active status.
func (s *SQLiteStore) ListActiveParticipants() ([]models.Participant, error) {
	rows, err := s.db.Query(`SELECT id, phone_number, name, timezone, status, enrolled_at,
		created_at, updated_at FROM participants WHERE status = ? ORDER BY id`,
		models.ParticipantStatusActive)
	if err != nil {
		slog.Error("SQLiteStore ListActiveParticipants query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.PhoneNumber, &p.Name, &p.Timezone, &p.Status,
			&p.EnrolledAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			slog.Error("SQLiteStore ListActiveParticipants scan failed", "error", err)
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveRule inserts or replaces a rule by ID.
func (s *SQLiteStore) SaveRule(r models.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO rules
		(id, parent_id, rule_order, rule_text, compare_op, compare_text,
		 store_value_to_variable, send_message_if_true, message_group_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ParentID, r.Order, r.RuleText, r.CompareOp, r.CompareText,
		r.StoreValueToVariable, r.SendMessageIfTrue, r.MessageGroupID)
	if err != nil {
		slog.Error("SQLiteStore SaveRule failed", "error", err, "id", r.ID)
		return err
	}
	slog.Debug("SQLiteStore SaveRule succeeded", "id", r.ID)
	return nil
}

// ListRules returns all rules as flat records.
func (s *SQLiteStore) ListRules() ([]models.Rule, error) {
	rows, err := s.db.Query(`SELECT id, parent_id, rule_order, rule_text, compare_op,
		compare_text, store_value_to_variable, send_message_if_true, message_group_id
		FROM rules ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore ListRules query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []models.Rule
	for rows.Next() {
		var r models.Rule
		if err := rows.Scan(&r.ID, &r.ParentID, &r.Order, &r.RuleText, &r.CompareOp,
			&r.CompareText, &r.StoreValueToVariable, &r.SendMessageIfTrue, &r.MessageGroupID); err != nil {
			slog.Error("SQLiteStore ListRules scan failed", "error", err)
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveMessageGroup inserts or replaces a message group by ID.
func (s *SQLiteStore) SaveMessageGroup(g models.MessageGroup) error {
	templatesJSON, err := json.Marshal(g.Templates)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO message_groups (id, name, templates_json) VALUES (?, ?, ?)`,
		g.ID, g.Name, string(templatesJSON))
	if err != nil {
		slog.Error("SQLiteStore SaveMessageGroup failed", "error", err, "id", g.ID)
		return err
	}
	return nil
}

// GetMessageGroup retrieves a message group by ID, or nil if absent.
func (s *SQLiteStore) GetMessageGroup(id string) (*models.MessageGroup, error) {
	var g models.MessageGroup
	var templatesJSON string
	err := s.db.QueryRow(`SELECT id, name, templates_json FROM message_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &templatesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetMessageGroup failed", "error", err, "id", id)
		return nil, err
	}
	if err := json.Unmarshal([]byte(templatesJSON), &g.Templates); err != nil {
		slog.Error("SQLiteStore GetMessageGroup unmarshal failed", "error", err, "id", id)
		return nil, err
	}
	return &g, nil
}

// SaveScript inserts or replaces a script by ID after validation.
func (s *SQLiteStore) SaveScript(sc models.Script) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	actionsJSON, err := json.Marshal(sc.Actions)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO scripts (id, version, name, actions_json, clear_on_end)
		VALUES (?, ?, ?, ?, ?)`,
		sc.ID, sc.Version, sc.Name, string(actionsJSON), sc.ClearOnEnd)
	if err != nil {
		slog.Error("SQLiteStore SaveScript failed", "error", err, "id", sc.ID)
		return err
	}
	slog.Debug("SQLiteStore SaveScript succeeded", "id", sc.ID, "version", sc.Version)
	return nil
}

// GetScript retrieves a script by ID, or nil if absent.
func (s *SQLiteStore) GetScript(id string) (*models.Script, error) {
	var sc models.Script
	var actionsJSON string
	err := s.db.QueryRow(`SELECT id, version, name, actions_json, clear_on_end FROM scripts WHERE id = ?`, id).
		Scan(&sc.ID, &sc.Version, &sc.Name, &actionsJSON, &sc.ClearOnEnd)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetScript failed", "error", err, "id", id)
		return nil, err
	}
	if err := json.Unmarshal([]byte(actionsJSON), &sc.Actions); err != nil {
		slog.Error("SQLiteStore GetScript unmarshal failed", "error", err, "id", id)
		return nil, err
	}
	return &sc, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
