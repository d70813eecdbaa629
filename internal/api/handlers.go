package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/rules"
)

// generateParticipantID generates a unique participant ID.
func generateParticipantID() (string, error) {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate participant ID: %w", err)
	}
	return "part_" + hex.EncodeToString(bytes), nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// EnrollmentRequest is the body of POST /participants.
type EnrollmentRequest struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// enrollParticipantHandler handles participant enrollment (POST /participants).
func (s *Server) enrollParticipantHandler(w http.ResponseWriter, r *http.Request) {
	var req EnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("enrollParticipantHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	phone := messaging.CanonicalizePhone(req.PhoneNumber)
	if phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number"))
		return
	}
	existing, err := s.store.GetParticipantByPhone(phone)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check enrollment"))
		return
	}
	if existing != nil {
		writeJSONResponse(w, http.StatusConflict, models.Error("Phone number already enrolled"))
		return
	}

	id, err := generateParticipantID()
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate participant ID"))
		return
	}
	now := s.clock.Now()
	participant := models.Participant{
		ID:          id,
		PhoneNumber: phone,
		Name:        req.Name,
		Timezone:    req.Timezone,
		Status:      models.ParticipantStatusActive,
		EnrolledAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveParticipant(participant); err != nil {
		slog.Warn("enrollParticipantHandler validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Participant enrolled", "participantID", id)
	writeJSONResponse(w, http.StatusCreated, models.Success(participant))
}

func (s *Server) listParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	participants, err := s.store.ListActiveParticipants()
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list participants"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(participants))
}

func (s *Server) getParticipantHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")
	p, err := s.store.GetParticipant(id)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load participant"))
		return
	}
	if p == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Participant not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")
	msgs, err := s.store.ListDialogMessages(id)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// VariableRequest is the body of POST /participants/{id}/variables.
type VariableRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) setVariableHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")
	var req VariableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Name == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Variable name is required"))
		return
	}
	if err := s.store.SetVariable(id, req.Name, req.Value, s.clock.Now()); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Recorded("Variable recorded"))
}

func (s *Server) getVariableHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")
	name := chi.URLParam(r, "name")

	if sinceParam := r.URL.Query().Get("since"); sinceParam != "" {
		since, err := time.Parse(time.RFC3339, sinceParam)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid since timestamp, expected RFC3339"))
			return
		}
		history, err := s.store.GetVariableHistory(id, name, since)
		if err != nil {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load variable history"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(history))
		return
	}

	v, err := s.store.GetVariable(id, name)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load variable"))
		return
	}
	if v == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Variable not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(v))
}

// StartConversationRequest is the body of POST /conversations/{id}/start.
type StartConversationRequest struct {
	ScriptID string `json:"script_id"`
}

func (s *Server) startConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")
	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ScriptID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("script_id is required"))
		return
	}

	s.onLane(id, func(ctx context.Context) {
		if err := s.interp.Start(ctx, id, req.ScriptID); err != nil {
			slog.Error("startConversationHandler start failed", "error", err, "participantID", id)
		}
	})
	writeJSONResponse(w, http.StatusAccepted, models.Recorded("Conversation start queued"))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")
	state, err := s.interp.Snapshot(id)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation state"))
		return
	}
	if state == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No conversation for participant"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// ReplyRequest is the body of POST /conversations/{id}/reply. It lets
// operators and the dialogue simulator inject a participant reply directly.
type ReplyRequest struct {
	Body string `json:"body"`
}

func (s *Server) replyHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")
	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	s.onLane(id, func(ctx context.Context) {
		if err := s.interp.Resume(ctx, id, req.Body); err != nil {
			slog.Info("replyHandler resume refused, recording as unexpected", "participantID", id, "reason", err)
			if _, rerr := s.dialog.RecordUnexpected(id, models.ChannelChat, req.Body); rerr != nil {
				slog.Error("replyHandler failed to record unexpected message", "error", rerr, "participantID", id)
			}
		}
	})
	writeJSONResponse(w, http.StatusAccepted, models.Recorded("Reply queued"))
}

func (s *Server) cancelConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")
	if err := s.interp.Cancel(id); err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) saveScriptHandler(w http.ResponseWriter, r *http.Request) {
	var script models.Script
	if err := json.NewDecoder(r.Body).Decode(&script); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.store.SaveScript(script); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Script saved", "scriptID", script.ID, "actions", len(script.Actions))
	writeJSONResponse(w, http.StatusCreated, models.Success(script))
}

func (s *Server) getScriptHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scriptID")
	script, err := s.store.GetScript(id)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load script"))
		return
	}
	if script == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Script not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(script))
}

func (s *Server) saveRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule models.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.store.SaveRule(rule); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(rule))
}

func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	ruleList, err := s.store.ListRules()
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list rules"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ruleList))
}

func (s *Server) saveMessageGroupHandler(w http.ResponseWriter, r *http.Request) {
	var group models.MessageGroup
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if group.ID == "" || len(group.Templates) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Message group requires an ID and at least one template"))
		return
	}
	if err := s.store.SaveMessageGroup(group); err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(group))
}

func (s *Server) sweepAllHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.sweeper.SweepAll(r.Context()); err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) sweepParticipantHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")

	// Run on the participant's lane so the sweep never races a reply or
	// timer wake, then wait so the triggers can be returned.
	var (
		triggered []rules.TriggeredGroup
		err       error
	)
	done := make(chan struct{})
	s.onLane(id, func(ctx context.Context) {
		defer close(done)
		triggered, err = s.sweeper.SweepParticipant(ctx, id)
	})
	<-done

	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(triggered))
}

// onLane runs fn on the participant's serialized worker lane, or inline when
// no pool is configured (tests).
func (s *Server) onLane(participantID string, fn func(ctx context.Context)) {
	if s.pool != nil && s.pool.Submit(participantID, fn) {
		return
	}
	fn(context.Background())
}
