package models

import (
	"testing"
	"time"
)

func TestCompareOpClassification(t *testing.T) {
	calculated := []CompareOp{CompareCalculatedTrue, CompareCalculatedFalse}
	text := []CompareOp{CompareTextEqual, CompareTextNotEqual}
	numeric := []CompareOp{CompareLess, CompareLessOrEqual, CompareEqual, CompareGreaterOrEqual, CompareGreater}

	for _, op := range calculated {
		if !IsValidCompareOp(op) || !IsCalculatedOp(op) || IsTextOp(op) || IsNumericOp(op) {
			t.Errorf("%s misclassified", op)
		}
	}
	for _, op := range text {
		if !IsValidCompareOp(op) || IsCalculatedOp(op) || !IsTextOp(op) || IsNumericOp(op) {
			t.Errorf("%s misclassified", op)
		}
	}
	for _, op := range numeric {
		if !IsValidCompareOp(op) || IsCalculatedOp(op) || IsTextOp(op) || !IsNumericOp(op) {
			t.Errorf("%s misclassified", op)
		}
	}
	if IsValidCompareOp(CompareOp("bogus")) {
		t.Error("bogus operator must not validate")
	}
}

func TestRuleValidate(t *testing.T) {
	valid := Rule{ID: "r1", RuleText: "$x", CompareOp: CompareEqual, CompareText: "1"}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid rule rejected: %v", err)
	}

	noID := Rule{RuleText: "$x", CompareOp: CompareEqual, CompareText: "1"}
	if err := noID.Validate(); err == nil {
		t.Error("rule without ID must be rejected")
	}

	badOp := Rule{ID: "r1", RuleText: "$x", CompareOp: CompareOp("nope"), CompareText: "1"}
	if err := badOp.Validate(); err == nil {
		t.Error("rule with invalid operator must be rejected")
	}

	sendNoGroup := Rule{ID: "r1", RuleText: "1", CompareOp: CompareEqual, CompareText: "1", SendMessageIfTrue: true}
	if err := sendNoGroup.Validate(); err == nil {
		t.Error("send_message_if_true without a message group must be rejected")
	}
}

func TestMessageStatusTerminality(t *testing.T) {
	terminal := []MessageStatus{MessageStatusAnswered, MessageStatusUnanswered, MessageStatusUnexpected}
	live := []MessageStatus{MessageStatusPrepared, MessageStatusSending, MessageStatusSent}

	for _, s := range terminal {
		if !IsTerminalMessageStatus(s) {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range live {
		if IsTerminalMessageStatus(s) {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestParticipantValidate(t *testing.T) {
	valid := Participant{ID: "p1", PhoneNumber: "+14165550199", Status: ParticipantStatusActive}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid participant rejected: %v", err)
	}

	noPhone := Participant{ID: "p1", Status: ParticipantStatusActive}
	if err := noPhone.Validate(); err == nil {
		t.Error("participant without phone must be rejected")
	}

	badTZ := Participant{ID: "p1", PhoneNumber: "+14165550199", Status: ParticipantStatusActive, Timezone: "Not/AZone"}
	if err := badTZ.Validate(); err == nil {
		t.Error("invalid timezone must be rejected")
	}

	badStatus := Participant{ID: "p1", PhoneNumber: "+14165550199", Status: ParticipantStatus("gone")}
	if err := badStatus.Validate(); err == nil {
		t.Error("invalid status must be rejected")
	}
}

func TestScriptValidate(t *testing.T) {
	valid := Script{ID: "s1", Actions: []Action{
		{Type: ActionSend, Body: "hi"},
		{Type: ActionAsk, Body: "ok?", AnswerTimeout: time.Minute},
		{Type: ActionBranch, Rule: &Rule{ID: "r", RuleText: "1", CompareOp: CompareEqual, CompareText: "1"}, TrueNext: 0, FalseNext: 3},
		{Type: ActionEnd},
	}}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid script rejected: %v", err)
	}

	cases := []Script{
		{Actions: []Action{{Type: ActionEnd}}},                             // no ID
		{ID: "s"},                                                          // no actions
		{ID: "s", Actions: []Action{{Type: ActionSend}}},                   // send without body
		{ID: "s", Actions: []Action{{Type: ActionAsk, Body: "x"}}},         // ask without timeout
		{ID: "s", Actions: []Action{{Type: ActionWait}}},                   // wait without duration
		{ID: "s", Actions: []Action{{Type: ActionSub}}},                    // sub without target
		{ID: "s", Actions: []Action{{Type: ActionHelper}}},                 // helper without name
		{ID: "s", Actions: []Action{{Type: ActionType("mystery")}}},        // unknown type
		{ID: "s", Actions: []Action{{Type: ActionDefer, DeferAfter: time.Minute, DeferTarget: 9}}}, // target out of range
		{ID: "s", Actions: []Action{{Type: ActionBranch,
			Rule: &Rule{ID: "r", RuleText: "1", CompareOp: CompareEqual, CompareText: "1"},
			TrueNext: 5, FalseNext: 0}}}, // branch target out of range
	}
	for i, s := range cases {
		if err := s.Validate(); err == nil {
			t.Errorf("case %d: invalid script accepted: %+v", i, s)
		}
	}
}

func TestConversationStateTop(t *testing.T) {
	var cs ConversationState
	if cs.Top() != nil {
		t.Error("empty stack must have nil top")
	}
	cs.Stack = []Frame{{ScriptID: "a", PC: 1}, {ScriptID: "b", PC: 2}}
	top := cs.Top()
	if top == nil || top.ScriptID != "b" {
		t.Fatalf("unexpected top: %+v", top)
	}
	// Top returns a pointer into the stack.
	top.PC = 7
	if cs.Stack[1].PC != 7 {
		t.Error("Top must alias the stack entry")
	}
}
