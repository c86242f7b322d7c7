package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vendaflow/vendaflow/internal/agent/core"
)

type stubProcessor struct {
	lastTurn core.Turn
	result   core.TurnResult
	err      error
}

func (s *stubProcessor) ProcessTurn(ctx context.Context, turn core.Turn) (core.TurnResult, error) {
	s.lastTurn = turn
	return s.result, s.err
}

func (s *stubProcessor) LLMProviderInfo() []string { return []string{"test"} }

type memCarryStore struct {
	carries map[string]core.Carry
}

func newMemCarryStore() *memCarryStore { return &memCarryStore{carries: map[string]core.Carry{}} }

func (m *memCarryStore) Get(ctx context.Context, sessionID string) (core.Carry, error) {
	return m.carries[sessionID], nil
}

func (m *memCarryStore) Put(ctx context.Context, sessionID string, carry core.Carry) error {
	m.carries[sessionID] = carry
	return nil
}

func chatHandler(proc TurnProcessor, carries CarryStore) *ChatHandler {
	return &ChatHandler{
		Orch:     proc,
		Sessions: carries,
		Logger:   log.New(log.Writer(), "[CHAT] ", log.LstdFlags),
	}
}

func TestChatExecutesTurnAndSavesCarry(t *testing.T) {
	e := echo.New()
	proc := &stubProcessor{result: core.TurnResult{
		ID:    "turn-1",
		Reply: "Lead created: Ana.",
		Segments: []core.ResponseSegment{
			{Intent: core.IntentLeadCreate, OK: true, Text: "Lead created: Ana (id: lead-1)"},
		},
		Carry:          core.Carry{Lead: &core.LeadContext{ID: "lead-1", Name: "Ana"}},
		IntentsRun:     []string{"lead_create"},
		ProcessingTime: 120 * time.Millisecond,
	}}
	carries := newMemCarryStore()
	carries.carries["sess-1"] = core.Carry{ProposalID: "prop-9"}
	h := chatHandler(proc, carries)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"session_id":"sess-1","message":"cria lead Ana"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.chat(ctx); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	if proc.lastTurn.SessionID != "sess-1" || proc.lastTurn.Text != "cria lead Ana" {
		t.Fatalf("unexpected turn passed to processor: %+v", proc.lastTurn)
	}
	if proc.lastTurn.Carry.ProposalID != "prop-9" {
		t.Fatalf("stored carry not loaded into turn: %+v", proc.lastTurn.Carry)
	}

	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Reply != "Lead created: Ana." || resp.LeadID != "lead-1" || resp.TurnID != "turn-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Segments) != 1 || resp.Segments[0].Intent != "lead_create" || !resp.Segments[0].OK {
		t.Fatalf("unexpected segments: %+v", resp.Segments)
	}

	saved := carries.carries["sess-1"]
	if saved.Lead == nil || saved.Lead.ID != "lead-1" {
		t.Fatalf("carry not saved after turn: %+v", saved)
	}
}

func TestChatGeneratesSessionID(t *testing.T) {
	e := echo.New()
	proc := &stubProcessor{result: core.TurnResult{ID: "turn-2", Reply: "ok"}}
	h := chatHandler(proc, newMemCarryStore())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"oi"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.chat(ctx); err != nil {
		t.Fatalf("chat: %v", err)
	}
	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a generated session id")
	}
	if proc.lastTurn.SessionID != resp.SessionID {
		t.Fatalf("processor saw session %q, response says %q", proc.lastTurn.SessionID, resp.SessionID)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	e := echo.New()
	h := chatHandler(&stubProcessor{}, newMemCarryStore())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"session_id":"sess-1","message":"  "}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := h.chat(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
