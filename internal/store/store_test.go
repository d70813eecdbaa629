package store

import (
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

func TestInMemoryStoreVariableCurrentAndHistory(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	if err := s.SetVariable("p1", "age", "18", base); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	if err := s.SetVariable("p1", "age", "20", base.Add(time.Hour)); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}

	v, err := s.GetVariable("p1", "age")
	if err != nil {
		t.Fatalf("GetVariable: %v", err)
	}
	if v == nil || v.Value != "20" {
		t.Errorf("expected current value 20, got %+v", v)
	}

	history, err := s.GetVariableHistory("p1", "age", base)
	if err != nil {
		t.Fatalf("GetVariableHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Value != "18" || history[1].Value != "20" {
		t.Errorf("history not ordered ascending by timestamp: %+v", history)
	}

	// Since filter excludes older versions.
	recent, err := s.GetVariableHistory("p1", "age", base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("GetVariableHistory: %v", err)
	}
	if len(recent) != 1 || recent[0].Value != "20" {
		t.Errorf("expected only the newer entry, got %+v", recent)
	}
}

func TestInMemoryStoreVariableLastWriterWins(t *testing.T) {
	s := NewInMemoryStore()
	ts := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	// An out-of-order write with an older timestamp is retained as history
	// but does not become the current value.
	if err := s.SetVariable("p1", "mood", "good", ts.Add(time.Hour)); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	if err := s.SetVariable("p1", "mood", "stale", ts); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}

	v, err := s.GetVariable("p1", "mood")
	if err != nil {
		t.Fatalf("GetVariable: %v", err)
	}
	if v.Value != "good" {
		t.Errorf("expected last-writer-wins by timestamp, got %q", v.Value)
	}
}

func TestInMemoryStoreVariableMissing(t *testing.T) {
	s := NewInMemoryStore()
	v, err := s.GetVariable("p1", "unset")
	if err != nil {
		t.Fatalf("GetVariable: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil for unset variable, got %+v", v)
	}
	if err := s.SetVariable("", "x", "1", time.Now()); err != models.ErrEmptyParticipantID {
		t.Errorf("expected ErrEmptyParticipantID, got %v", err)
	}
}

func TestInMemoryStoreConversationStateReplace(t *testing.T) {
	s := NewInMemoryStore()
	st := models.ConversationState{
		ParticipantID: "p1",
		ScriptID:      "onboarding",
		Stack:         []models.Frame{{ScriptID: "onboarding", PC: 2}},
	}
	if err := s.SaveConversationState(st); err != nil {
		t.Fatalf("SaveConversationState: %v", err)
	}

	st.Stack[0].PC = 3
	if err := s.SaveConversationState(st); err != nil {
		t.Fatalf("SaveConversationState: %v", err)
	}

	got, err := s.GetConversationState("p1")
	if err != nil {
		t.Fatalf("GetConversationState: %v", err)
	}
	if got == nil || got.Stack[0].PC != 3 {
		t.Errorf("expected replaced state with PC 3, got %+v", got)
	}

	if err := s.DeleteConversationState("p1"); err != nil {
		t.Fatalf("DeleteConversationState: %v", err)
	}
	// Idempotent delete.
	if err := s.DeleteConversationState("p1"); err != nil {
		t.Fatalf("repeated DeleteConversationState: %v", err)
	}
	got, err = s.GetConversationState("p1")
	if err != nil || got != nil {
		t.Errorf("expected absent state after delete, got %+v err %v", got, err)
	}
}

func TestInMemoryStoreParticipants(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Now()
	active := models.Participant{ID: "p1", PhoneNumber: "15551234567", Status: models.ParticipantStatusActive, EnrolledAt: now}
	paused := models.Participant{ID: "p2", PhoneNumber: "15559876543", Status: models.ParticipantStatusPaused, EnrolledAt: now}
	if err := s.SaveParticipant(active); err != nil {
		t.Fatalf("SaveParticipant: %v", err)
	}
	if err := s.SaveParticipant(paused); err != nil {
		t.Fatalf("SaveParticipant: %v", err)
	}

	got, err := s.GetParticipantByPhone("15551234567")
	if err != nil || got == nil || got.ID != "p1" {
		t.Errorf("GetParticipantByPhone: got %+v err %v", got, err)
	}

	activeList, err := s.ListActiveParticipants()
	if err != nil {
		t.Fatalf("ListActiveParticipants: %v", err)
	}
	if len(activeList) != 1 || activeList[0].ID != "p1" {
		t.Errorf("expected only the active participant, got %+v", activeList)
	}
}

func TestInMemoryStoreScriptValidation(t *testing.T) {
	s := NewInMemoryStore()
	bad := models.Script{ID: "bad", Actions: []models.Action{{Type: models.ActionSend}}}
	if err := s.SaveScript(bad); err == nil {
		t.Error("expected validation error for send action without body")
	}
	good := models.Script{ID: "good", Actions: []models.Action{
		{Type: models.ActionSend, Body: "hello"},
		{Type: models.ActionEnd},
	}}
	if err := s.SaveScript(good); err != nil {
		t.Fatalf("SaveScript: %v", err)
	}
	sc, err := s.GetScript("good")
	if err != nil || sc == nil || len(sc.Actions) != 2 {
		t.Errorf("GetScript: got %+v err %v", sc, err)
	}
}
