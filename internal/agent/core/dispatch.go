package core

import (
	"context"
	"fmt"
	"log"
)

// Executor runs one dispatched action and returns its execution messages.
type Executor interface {
	Execute(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error) {
	return f(ctx, action, tc)
}

// Dispatcher routes actions to their executors over a closed intent
// table. Note and task intents run as direct handlers; lead and
// proposal intents run through bounded sub-agents.
type Dispatcher struct {
	table  map[Intent]Executor
	logger *log.Logger
}

// NewDispatcher builds the routing table. Every intent of the closed
// set gets exactly one executor; anything else is refused at dispatch.
func NewDispatcher(h *Handlers, leadAgent, proposalAgent Executor) *Dispatcher {
	table := map[Intent]Executor{
		IntentNoteAdd:        ExecutorFunc(h.NoteAdd),
		IntentNoteList:       ExecutorFunc(h.NoteList),
		IntentTaskCreate:     ExecutorFunc(h.TaskCreate),
		IntentTaskComplete:   ExecutorFunc(h.TaskComplete),
		IntentTaskList:       ExecutorFunc(h.TaskList),
		IntentLeadStatusList: ExecutorFunc(h.LeadStatusList),
		IntentGeneralChat:    ExecutorFunc(h.GeneralChat),

		IntentLeadCreate: leadAgent,
		IntentLeadGet:    leadAgent,
		IntentLeadSearch: leadAgent,
		IntentLeadList:   leadAgent,
		IntentLeadUpdate: leadAgent,

		IntentProposalDraft:      proposalAgent,
		IntentProposalAddItem:    proposalAgent,
		IntentProposalRecalc:     proposalAgent,
		IntentProposalList:       proposalAgent,
		IntentProposalExport:     proposalAgent,
		IntentProposalUpdateBody: proposalAgent,
	}
	return &Dispatcher{
		table:  table,
		logger: log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
}

// Dispatch validates the action and runs its executor. Required slots
// are checked here, after queue-time defaulting and injection have had
// their chance to fill them. A successful executor must produce at
// least one message.
func (d *Dispatcher) Dispatch(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error) {
	exec, ok := d.table[action.Intent]
	if !ok {
		return nil, fmt.Errorf("unknown intent: %s", action.Intent)
	}

	var missing []string
	for _, slot := range RequiredSlots(action.Intent) {
		if action.Slot(slot) == "" {
			if slot == SlotLeadRef && tc.LeadRef() != "" {
				continue
			}
			missing = append(missing, slot)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingSlotsError{Intent: action.Intent, Slots: missing}
	}

	d.logger.Printf("dispatching %s", action.Intent)
	msgs, err := exec.Execute(ctx, action, tc)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%s: %w", action.Intent, ErrEmptyExecutionResult)
	}
	return msgs, nil
}
