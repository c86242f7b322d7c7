package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vendaflow/vendaflow/config"
	"github.com/vendaflow/vendaflow/internal/agent/telemetry"
)

var orchestratorTracer trace.Tracer = otel.Tracer("vendaflow/internal/agent/orchestrator")

// Orchestrator drives one conversation turn end to end: plan, execute
// the action queue, update context after every action and synthesize
// the single reply.
type Orchestrator struct {
	config      *config.Config
	logger      *log.Logger
	telemetry   *telemetry.Telemetry
	llmProvider LLMProvider
	crm         CRM

	planner     *Planner
	dispatcher  *Dispatcher
	updater     *Updater
	synthesizer *Synthesizer

	semaphore chan struct{}
}

// NewOrchestrator wires the turn pipeline together.
func NewOrchestrator(cfg *config.Config, logger *log.Logger, telemetry *telemetry.Telemetry, store CRM, policy ReplanPolicy) (*Orchestrator, error) {
	llmProvider, err := NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	return newOrchestrator(cfg, logger, telemetry, store, policy, llmProvider), nil
}

func newOrchestrator(cfg *config.Config, logger *log.Logger, telemetry *telemetry.Telemetry, store CRM, policy ReplanPolicy, llmProvider LLMProvider) *Orchestrator {
	planner := NewPlanner(cfg, llmProvider, telemetry)
	handlers := NewHandlers(cfg, store, llmProvider)
	leadAgent := NewLeadAgent(cfg, store, llmProvider)
	proposalAgent := NewProposalAgent(cfg, store, llmProvider)

	return &Orchestrator{
		config:      cfg,
		logger:      logger,
		telemetry:   telemetry,
		llmProvider: llmProvider,
		crm:         store,
		planner:     planner,
		dispatcher:  NewDispatcher(handlers, leadAgent, proposalAgent),
		updater:     NewUpdater(cfg, store, planner, policy),
		synthesizer: NewSynthesizer(cfg, llmProvider),
		semaphore:   make(chan struct{}, cfg.Agent.MaxConcurrentTurns),
	}
}

// ProcessTurn handles one inbound message and returns the reply plus
// the carry-over state for the session.
func (o *Orchestrator) ProcessTurn(ctx context.Context, turn Turn) (TurnResult, error) {
	startTime := time.Now()
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}

	ctx, span := orchestratorTracer.Start(ctx, "agent.process_turn",
		trace.WithAttributes(
			attribute.String("turn.id", turn.ID),
			attribute.String("session.id", turn.SessionID),
		))
	defer span.End()

	// Concurrency control across sessions; within a turn everything is
	// single-threaded.
	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}

	if o.config.Agent.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.Agent.TurnTimeout)
		defer cancel()
	}

	tc := NewTurnContext(turn)
	if !turn.Timestamp.IsZero() {
		ts := turn.Timestamp
		tc.Now = func() time.Time { return ts }
	}

	o.plan(ctx, span, turn, tc)
	o.executeQueue(ctx, turn, tc)
	reply := o.synthesize(ctx, span, turn, tc)

	result := TurnResult{
		ID:             turn.ID,
		Reply:          reply,
		Segments:       tc.Segments,
		Carry:          tc.Carry(),
		Replanned:      tc.Replanned,
		ProcessingTime: time.Since(startTime),
		TokensUsed:     tc.TokensUsed,
		Cost:           tc.Cost,
		CreatedAt:      time.Now(),
	}
	for _, a := range tc.Queue.Executed() {
		result.IntentsRun = append(result.IntentsRun, string(a.Intent))
	}

	// A turn succeeded when it produced segments and none of them failed.
	success := len(tc.Segments) > 0
	for _, seg := range tc.Segments {
		if !seg.OK {
			success = false
		}
	}

	o.telemetry.RecordTurnEvent(ctx, telemetry.TurnEvent{
		ID:             turn.ID,
		SessionID:      turn.SessionID,
		TurnText:       turn.Text,
		StartTime:      startTime,
		EndTime:        time.Now(),
		ProcessingTime: result.ProcessingTime,
		Success:        success,
		Cost:           result.Cost,
		TokensUsed:     result.TokensUsed,
		IntentsRun:     result.IntentsRun,
		Replanned:      result.Replanned,
		LLMModelsUsed:  tc.ModelsUsed(),
	})
	span.SetAttributes(
		attribute.Int("turn.segments", len(result.Segments)),
		attribute.Int("turn.intents", len(result.IntentsRun)),
	)
	span.SetStatus(codes.Ok, "completed")
	return result, nil
}

// plan runs the planning phase and seeds the queue. A parse failure is
// not fatal: the turn proceeds with an empty queue and ends in the
// fallback reply.
func (o *Orchestrator) plan(ctx context.Context, span trace.Span, turn Turn, tc *TurnContext) {
	ctx, planSpan := orchestratorTracer.Start(ctx, "agent.plan")
	defer planSpan.End()

	actions, err := o.planner.Plan(ctx, turn, tc)
	if err != nil {
		var parseErr *PlanParseError
		if errors.As(err, &parseErr) {
			o.logger.Printf("[ORCHESTRATOR] plan unrecoverable, raw length %d: %v", len(parseErr.Raw), err)
		} else {
			o.logger.Printf("[ORCHESTRATOR] planning failed: %v", err)
		}
		planSpan.RecordError(err)
		planSpan.SetStatus(codes.Error, err.Error())
		return
	}

	accepted := tc.Queue.Seed(actions, SeedDefaults{
		LeadRef:  tc.LeadRef(),
		Currency: o.config.Agent.DefaultCurrency,
		Now:      tc.Now(),
	})
	planSpan.SetAttributes(attribute.Int("plan.actions", accepted))
	span.AddEvent("plan.complete", trace.WithAttributes(attribute.Int("plan.actions", accepted)))
}

// executeQueue drains the queue, dispatching each action and folding
// its output back into the context. The updater may seed follow-up
// actions through the one permitted re-plan.
func (o *Orchestrator) executeQueue(ctx context.Context, turn Turn, tc *TurnContext) {
	ctx, execSpan := orchestratorTracer.Start(ctx, "agent.execute")
	defer execSpan.End()

	for {
		action, ok := tc.Queue.Pop()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			o.logger.Printf("[ORCHESTRATOR] turn deadline hit with %d actions pending", tc.Queue.Len()+1)
			execSpan.RecordError(ctx.Err())
			// The popped action never ran; the reply must still account
			// for it.
			tc.PushSegment(ResponseSegment{Intent: action.Intent, OK: false, Text: failureText(action.Intent, ctx.Err())}, "")
			break
		}

		actionStart := time.Now()
		msgs, err := o.dispatcher.Dispatch(ctx, action, tc)
		tc.Queue.MarkExecuted(action)

		o.telemetry.RecordIntentEvent(ctx, telemetry.IntentEvent{
			ID:        uuid.New().String(),
			Intent:    string(action.Intent),
			StartTime: actionStart,
			EndTime:   time.Now(),
			Duration:  time.Since(actionStart),
			Success:   err == nil,
		})

		if err != nil {
			o.logger.Printf("[ORCHESTRATOR] %s failed: %v", action.Intent, err)
			tc.PushSegment(ResponseSegment{Intent: action.Intent, OK: false, Text: failureText(action.Intent, err)}, "")
			continue
		}
		if err := o.updater.Update(ctx, turn, action, msgs, tc); err != nil {
			o.logger.Printf("[ORCHESTRATOR] context update failed for %s: %v", action.Intent, err)
		}
	}
	execSpan.SetAttributes(attribute.Int("execute.actions", len(tc.Queue.Executed())))
}

func (o *Orchestrator) synthesize(ctx context.Context, span trace.Span, turn Turn, tc *TurnContext) string {
	ctx, synthSpan := orchestratorTracer.Start(ctx, "agent.synthesize")
	defer synthSpan.End()

	reply := o.synthesizer.Synthesize(ctx, turn.Text, tc.Segments, tc)
	span.AddEvent("synthesis.complete")
	return reply
}

// failureText shapes a dispatch error into the failure segment's text.
func failureText(intent Intent, err error) string {
	var missing *MissingSlotsError
	if errors.As(err, &missing) {
		return fmt.Sprintf("I couldn't run %s: missing %v.", intent, missing.Slots)
	}
	return fmt.Sprintf("I couldn't complete %s: %v.", intent, err)
}

// LLMProviderInfo exposes the configured models, used by the server's
// info endpoint.
func (o *Orchestrator) LLMProviderInfo() []string {
	return o.llmProvider.GetAvailableModels()
}
