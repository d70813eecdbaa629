package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/dialog"
	"github.com/BTreeMap/CoachPipe/internal/helpers"
	"github.com/BTreeMap/CoachPipe/internal/interp"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/rules"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/worker"
)

type testServer struct {
	server *Server
	store  *store.InMemoryStore
	clock  *clock.Fake
	mock   *messaging.MockService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	mock := messaging.NewMockService()
	engine := rules.NewEngine(st, clk, rules.SweepPolicy{})
	dm := dialog.NewManager(st, clk)
	in := interp.NewInterpreter(st, clk, engine, dm, helpers.NewRegistry(), mock, interp.NewFakeTimer(), nil)
	sw := rules.NewSweeper(st, clk, engine, dm, mock, nil, models.ChannelSMS)
	return &testServer{
		server: NewServer(st, clk, in, sw, dm, nil, nil),
		store:  st,
		clock:  clk,
		mock:   mock,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestEnrollParticipant(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/participants", EnrollmentRequest{
		PhoneNumber: "+1 (416) 555-0199",
		Name:        "Sam",
		Timezone:    "America/Toronto",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	p, err := ts.store.GetParticipantByPhone("+14165550199")
	if err != nil || p == nil {
		t.Fatalf("participant not stored under canonical phone: %v", err)
	}
	if p.Status != models.ParticipantStatusActive {
		t.Errorf("expected active status, got %s", p.Status)
	}

	// Duplicate enrollment is refused.
	rec = ts.do(t, http.MethodPost, "/participants", EnrollmentRequest{PhoneNumber: "14165550199"})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate phone, got %d", rec.Code)
	}
}

func TestEnrollRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/participants", EnrollmentRequest{PhoneNumber: "garbage"}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid phone, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/participants", EnrollmentRequest{
		PhoneNumber: "+14165550199", Timezone: "Not/AZone",
	}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid timezone, got %d", rec.Code)
	}
}

func TestVariableEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/participants/p1/variables", VariableRequest{Name: "steps", Value: "8000"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	ts.clock.Advance(time.Hour)
	if rec := ts.do(t, http.MethodPost, "/participants/p1/variables", VariableRequest{Name: "steps", Value: "9000"}); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/participants/p1/variables/steps", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Result models.Variable `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.Value != "9000" {
		t.Errorf("expected latest value, got %q", resp.Result.Value)
	}

	// Full history via since=epoch.
	rec = ts.do(t, http.MethodGet, "/participants/p1/variables/steps?since=1970-01-01T00:00:00Z", nil)
	var hist struct {
		Result []models.Variable `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Result) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(hist.Result))
	}

	if rec := ts.do(t, http.MethodGet, "/participants/p1/variables/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown variable, got %d", rec.Code)
	}
}

func TestScriptEndpoints(t *testing.T) {
	ts := newTestServer(t)

	script := models.Script{
		ID: "checkin",
		Actions: []models.Action{
			{Type: models.ActionSend, Body: "Hello"},
			{Type: models.ActionEnd},
		},
	}
	if rec := ts.do(t, http.MethodPost, "/scripts", script); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodGet, "/scripts/checkin", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/scripts/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	// Validation failures surface as 400.
	bad := models.Script{ID: "bad", Actions: []models.Action{{Type: models.ActionAsk, Body: "x"}}}
	if rec := ts.do(t, http.MethodPost, "/scripts", bad); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid script, got %d", rec.Code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	ts := newTestServer(t)
	script := models.Script{
		ID: "checkin",
		Actions: []models.Action{
			{Type: models.ActionAsk, Body: "Exercise today?", AnswerVariable: "exercised", AnswerTimeout: time.Hour},
			{Type: models.ActionSend, Body: "Noted: $exercised"},
			{Type: models.ActionEnd},
		},
	}
	if err := ts.store.SaveScript(script); err != nil {
		t.Fatalf("SaveScript: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/conversations/p1/start", StartConversationRequest{ScriptID: "checkin"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/conversations/p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Result models.ConversationState `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.Waiting != models.WaitReply {
		t.Errorf("expected reply wait, got %q", resp.Result.Waiting)
	}

	rec = ts.do(t, http.MethodPost, "/conversations/p1/reply", ReplyRequest{Body: "yes"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	sent := ts.mock.Sent()
	if sent[len(sent)-1].Body != "Noted: yes" {
		t.Errorf("reply must advance the conversation, sends: %+v", sent)
	}

	if rec := ts.do(t, http.MethodDelete, "/conversations/p1", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/conversations/p1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after cancel, got %d", rec.Code)
	}
}

func TestReplyWithoutConversationRecordsUnexpected(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/conversations/p1/reply", ReplyRequest{Body: "hello?"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	msgs, _ := ts.store.ListDialogMessages("p1")
	if len(msgs) != 1 || msgs[0].Status != models.MessageStatusUnexpected {
		t.Errorf("expected RECEIVED_UNEXPECTEDLY record, got %+v", msgs)
	}
}

func TestSweepEndpoint(t *testing.T) {
	ts := newTestServer(t)

	if err := ts.store.SaveParticipant(models.Participant{
		ID: "p1", PhoneNumber: "+14165550199", Status: models.ParticipantStatusActive,
	}); err != nil {
		t.Fatalf("SaveParticipant: %v", err)
	}
	if err := ts.store.SetVariable("p1", "steps", "9000", ts.clock.Now()); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	if err := ts.store.SaveRule(models.Rule{
		ID: "r1", Order: 1, RuleText: "$steps", CompareOp: models.CompareGreaterOrEqual, CompareText: "8000",
		SendMessageIfTrue: true, MessageGroupID: "praise",
	}); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	if err := ts.store.SaveMessageGroup(models.MessageGroup{ID: "praise", Templates: []string{"Nice work!"}}); err != nil {
		t.Fatalf("SaveMessageGroup: %v", err)
	}

	if rec := ts.do(t, http.MethodPost, "/sweep", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	sent := ts.mock.Sent()
	if len(sent) != 1 || sent[0].Body != "Nice work!" {
		t.Errorf("sweep must deliver triggered group message, got %+v", sent)
	}

	rec := ts.do(t, http.MethodPost, "/participants/p1/sweep", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Result []rules.TriggeredGroup `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Result) != 1 || resp.Result[0].RuleID != "r1" {
		t.Errorf("unexpected triggers: %+v", resp.Result)
	}
}

func TestSweepParticipantRunsOnLane(t *testing.T) {
	st := store.NewInMemoryStore()
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	mock := messaging.NewMockService()
	engine := rules.NewEngine(st, clk, rules.SweepPolicy{})
	dm := dialog.NewManager(st, clk)
	pool := worker.NewPool(context.Background(), 2, 8)
	defer pool.Stop()
	in := interp.NewInterpreter(st, clk, engine, dm, helpers.NewRegistry(), mock, interp.NewFakeTimer(), pool)
	sw := rules.NewSweeper(st, clk, engine, dm, mock, pool, models.ChannelSMS)
	server := NewServer(st, clk, in, sw, dm, pool, nil)

	if err := st.SaveParticipant(models.Participant{
		ID: "p1", PhoneNumber: "+14165550199", Status: models.ParticipantStatusActive,
	}); err != nil {
		t.Fatalf("SaveParticipant: %v", err)
	}
	if err := st.SetVariable("p1", "steps", "9000", clk.Now()); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	if err := st.SaveRule(models.Rule{
		ID: "r1", Order: 1, RuleText: "$steps", CompareOp: models.CompareGreaterOrEqual, CompareText: "8000",
		SendMessageIfTrue: true, MessageGroupID: "praise",
	}); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	if err := st.SaveMessageGroup(models.MessageGroup{ID: "praise", Templates: []string{"Nice work!"}}); err != nil {
		t.Fatalf("SaveMessageGroup: %v", err)
	}

	// The handler submits the sweep to the participant's worker lane and
	// waits, so the triggers still come back on the response.
	req := httptest.NewRequest(http.MethodPost, "/participants/p1/sweep", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Result []rules.TriggeredGroup `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Result) != 1 || resp.Result[0].RuleID != "r1" {
		t.Errorf("unexpected triggers: %+v", resp.Result)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Body != "Nice work!" {
		t.Errorf("lane-routed sweep must deliver the message, got %+v", sent)
	}
}
