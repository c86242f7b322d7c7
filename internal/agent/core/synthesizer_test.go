package core

import (
	"context"
	"strings"
	"testing"
)

func TestSynthesizeNoSegments(t *testing.T) {
	s := NewSynthesizer(testConfig(), &fakeLLM{})
	reply := s.Synthesize(context.Background(), "do something", nil, NewTurnContext(Turn{}))
	if reply != FallbackReply {
		t.Fatalf("expected fallback reply, got %q", reply)
	}
}

func TestSynthesizeSingleSegmentVerbatim(t *testing.T) {
	llm := &fakeLLM{} // must not be called
	s := NewSynthesizer(testConfig(), llm)
	reply := s.Synthesize(context.Background(), "add a note", []ResponseSegment{
		{Intent: IntentNoteAdd, OK: true, Text: "Note added to Ana."},
	}, NewTurnContext(Turn{}))
	if reply != "Note added to Ana." {
		t.Fatalf("single segment must pass through verbatim, got %q", reply)
	}
	if len(llm.calls) != 0 {
		t.Fatalf("model must not be consulted for a single segment")
	}
}

func TestSynthesizeAggregatesWithFailures(t *testing.T) {
	llm := &fakeLLM{responses: []string{"Lead created and note added, but the task failed."}}
	s := NewSynthesizer(testConfig(), llm)
	tc := NewTurnContext(Turn{})
	reply := s.Synthesize(context.Background(), "do three things", []ResponseSegment{
		{Intent: IntentLeadCreate, OK: true, Text: "Lead created: Ana"},
		{Intent: IntentNoteAdd, OK: true, Text: "Note added to Ana."},
		{Intent: IntentTaskCreate, OK: false, Text: "I couldn't run task_create: missing [titulo]."},
	}, tc)
	if reply != "Lead created and note added, but the task failed." {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if len(llm.calls) != 1 {
		t.Fatalf("expected one synthesis call, got %d", len(llm.calls))
	}
	prompt := llm.calls[0]
	if !strings.Contains(prompt, "Lead created: Ana") || !strings.Contains(prompt, "missing [titulo]") {
		t.Fatalf("prompt missing segment text:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Failed actions") {
		t.Fatalf("prompt must separate failures:\n%s", prompt)
	}
	if tc.TokensUsed == 0 {
		t.Fatalf("synthesis call must record token usage")
	}
}

func TestSynthesizeModelFailureFallsBackToJoin(t *testing.T) {
	s := NewSynthesizer(testConfig(), &fakeLLM{}) // empty script errors on call
	reply := s.Synthesize(context.Background(), "do two things", []ResponseSegment{
		{Intent: IntentNoteAdd, OK: true, Text: "Note added."},
		{Intent: IntentTaskCreate, OK: false, Text: "Task failed."},
	}, NewTurnContext(Turn{}))
	if !strings.Contains(reply, "Note added.") || !strings.Contains(reply, "Task failed.") {
		t.Fatalf("deterministic join missing content: %q", reply)
	}
}
