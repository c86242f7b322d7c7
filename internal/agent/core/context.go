package core

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// TurnContext is the per-turn working state. One turn is processed by
// a single goroutine, so none of this needs locking.
type TurnContext struct {
	TurnID    string
	SessionID string
	Text      string

	Queue    *ActionQueue
	Segments []ResponseSegment

	CurrentLead     *LeadContext
	CurrentProposal string

	// ReplanBudget bounds how many times the planner may be consulted
	// again within this turn.
	ReplanBudget int
	Replanned    bool

	// Now is injectable so relative-date tests are deterministic.
	Now func() time.Time

	// Token and dollar usage accumulated over every LLM call of the
	// turn: planning, sub-agent loops, chat and synthesis.
	TokensUsed int64
	Cost       float64

	// segmentKeys dedupes event segments within the turn.
	segmentKeys map[string]struct{}
	modelsUsed  map[string]struct{}
}

// NewTurnContext builds the working state for one turn, restoring the
// carried-over lead and proposal focus.
func NewTurnContext(turn Turn) *TurnContext {
	tc := &TurnContext{
		TurnID:          turn.ID,
		SessionID:       turn.SessionID,
		Text:            turn.Text,
		Queue:           NewActionQueue(),
		CurrentProposal: turn.Carry.ProposalID,
		ReplanBudget:    1,
		Now:             time.Now,
		segmentKeys:     make(map[string]struct{}),
	}
	if tc.TurnID == "" {
		tc.TurnID = uuid.New().String()
	}
	if turn.Carry.Lead != nil && turn.Carry.Lead.ID != "" {
		lead := *turn.Carry.Lead
		tc.CurrentLead = &lead
	}
	return tc
}

// PushSegment appends a reply segment. A non-empty dedupeKey suppresses
// repeated segments for the same event within the turn.
func (tc *TurnContext) PushSegment(seg ResponseSegment, dedupeKey string) bool {
	if dedupeKey != "" {
		if _, dup := tc.segmentKeys[dedupeKey]; dup {
			return false
		}
		tc.segmentKeys[dedupeKey] = struct{}{}
	}
	tc.Segments = append(tc.Segments, seg)
	return true
}

// RecordLLMUsage accumulates one LLM call's token and dollar usage.
func (tc *TurnContext) RecordLLMUsage(model string, inputTokens, outputTokens int64, cost float64) {
	tc.TokensUsed += inputTokens + outputTokens
	tc.Cost += cost
	if tc.modelsUsed == nil {
		tc.modelsUsed = make(map[string]struct{})
	}
	tc.modelsUsed[model] = struct{}{}
}

// ModelsUsed lists the models consulted during the turn.
func (tc *TurnContext) ModelsUsed() []string {
	out := make([]string, 0, len(tc.modelsUsed))
	for m := range tc.modelsUsed {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// generateTracked runs one LLM call and books its usage on the turn.
func generateTracked(ctx context.Context, llm LLMProvider, tc *TurnContext, prompt, model string, options map[string]interface{}) (string, error) {
	response, in, out, err := llm.GenerateWithTokens(ctx, prompt, model, options)
	if err != nil {
		return "", err
	}
	tc.RecordLLMUsage(model, in, out, llm.CalculateCost(in, out, model))
	return response, nil
}

// LeadRef returns the best available reference for the lead in focus.
func (tc *TurnContext) LeadRef() string {
	if tc.CurrentLead != nil {
		return tc.CurrentLead.ID
	}
	return ""
}

// Carry extracts the state persisted into the session for later turns.
func (tc *TurnContext) Carry() Carry {
	c := Carry{ProposalID: tc.CurrentProposal}
	if tc.CurrentLead != nil {
		lead := *tc.CurrentLead
		c.Lead = &lead
	}
	return c
}
