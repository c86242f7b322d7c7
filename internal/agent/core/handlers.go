package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vendaflow/vendaflow/config"
	"github.com/vendaflow/vendaflow/internal/crm"
)

// Handlers are the direct executors for note, task and lookup intents.
// They talk to the store synchronously, without a sub-agent in between.
type Handlers struct {
	crm    CRM
	llm    LLMProvider
	config *config.Config
	logger *log.Logger
}

// NewHandlers creates the direct handler set.
func NewHandlers(cfg *config.Config, store CRM, llm LLMProvider) *Handlers {
	return &Handlers{
		crm:    store,
		llm:    llm,
		config: cfg,
		logger: log.New(log.Writer(), "[HANDLER] ", log.LstdFlags),
	}
}

// resolveLead finds the lead an action refers to, falling back to the
// lead currently in focus.
func (h *Handlers) resolveLead(ctx context.Context, action PlanAction, tc *TurnContext) (crm.Lead, error) {
	ref := action.Slot(SlotLeadRef)
	if ref == "" {
		ref = tc.LeadRef()
	}
	if ref == "" {
		return crm.Lead{}, fmt.Errorf("no lead in focus, tell me which lead you mean")
	}
	lead, err := h.crm.ResolveLead(ctx, CleanID(ref))
	if err != nil {
		return crm.Lead{}, describeLeadError(ref, err)
	}
	return lead, nil
}

// describeLeadError turns store lookup errors into user-facing text.
func describeLeadError(ref string, err error) error {
	var amb *crm.AmbiguousLeadError
	if errors.As(err, &amb) {
		names := make([]string, 0, len(amb.Matches))
		for _, m := range amb.Matches {
			label := m.Name
			if m.Company != "" {
				label += " (" + m.Company + ")"
			}
			names = append(names, label)
		}
		return fmt.Errorf("several leads match %q: %s. Please be more specific", ref, strings.Join(names, ", "))
	}
	if errors.Is(err, crm.ErrLeadNotFound) {
		return fmt.Errorf("no lead found for %q", ref)
	}
	return err
}

// NoteAdd attaches a note to the referenced lead.
func (h *Handlers) NoteAdd(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error) {
	lead, err := h.resolveLead(ctx, action, tc)
	if err != nil {
		return nil, err
	}
	note, err := h.crm.AddNote(ctx, lead.ID, action.Slot(SlotText))
	if err != nil {
		return nil, err
	}
	return []ExecutionMessage{{
		Name: "add_note",
		Text: fmt.Sprintf("Note added to %s.", lead.Name),
		Data: map[string]interface{}{"note_id": note.ID, "lead_id": lead.ID, "lead_name": lead.Name},
	}}, nil
}

// NoteList lists the referenced lead's notes.
func (h *Handlers) NoteList(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error) {
	lead, err := h.resolveLead(ctx, action, tc)
	if err != nil {
		return nil, err
	}
	notes, total, err := h.crm.ListNotes(ctx, lead.ID, 5, 0)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if total == 0 {
		fmt.Fprintf(&b, "%s has no notes yet.", lead.Name)
	} else {
		fmt.Fprintf(&b, "%s has %d note(s). Most recent:", lead.Name, total)
		for _, n := range notes {
			fmt.Fprintf(&b, "\n- %s: %s", n.CreatedAt.Format("2006-01-02"), n.Body)
		}
	}
	return []ExecutionMessage{{
		Name: "list_notes",
		Text: b.String(),
		Data: map[string]interface{}{"lead_id": lead.ID, "total": total},
	}}, nil
}

// TaskCreate creates a follow-up task. The due date slot has already
// been normalized to ISO by the queue, or dropped if unusable.
func (h *Handlers) TaskCreate(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error) {
	lead, err := h.resolveLead(ctx, action, tc)
	if err != nil {
		return nil, err
	}
	var due *time.Time
	if iso := action.Slot(SlotDueDate); iso != "" {
		t, err := time.Parse("2006-01-02", iso)
		if err != nil {
			return nil, fmt.Errorf("due date %q is not a valid date", iso)
		}
		due = &t
	}
	task, err := h.crm.CreateTask(ctx, lead.ID, action.Slot(SlotTitle), due)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Task created for %s: %s", lead.Name, task.Title)
	if due != nil {
		text += fmt.Sprintf(" (due %s)", due.Format("2006-01-02"))
	}
	return []ExecutionMessage{{
		Name: "create_task",
		Text: text + ".",
		Data: map[string]interface{}{"task_id": task.ID, "lead_id": lead.ID},
	}}, nil
}

// TaskComplete marks a task done. Without an explicit task id it falls
// back to the referenced lead's most recent open task.
func (h *Handlers) TaskComplete(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error) {
	taskID := CleanID(action.Slot(SlotTaskID))
	if taskID == "" {
		lead, err := h.resolveLead(ctx, action, tc)
		if err != nil {
			return nil, err
		}
		task, err := h.crm.LatestOpenTask(ctx, lead.ID)
		if errors.Is(err, crm.ErrNoOpenTasks) {
			return nil, fmt.Errorf("%s has no open tasks", lead.Name)
		}
		if err != nil {
			return nil, err
		}
		taskID = task.ID
	}
	task, err := h.crm.CompleteTask(ctx, taskID)
	if errors.Is(err, crm.ErrTaskNotFound) {
		return nil, fmt.Errorf("no task found with id %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	return []ExecutionMessage{{
		Name: "complete_task",
		Text: fmt.Sprintf("Task completed: %s.", task.Title),
		Data: map[string]interface{}{"task_id": task.ID, "lead_id": task.LeadID},
	}}, nil
}

// TaskList lists tasks, scoped to the referenced lead when one is
// available and to all leads otherwise.
func (h *Handlers) TaskList(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error) {
	filter := crm.TaskFilter{
		OnlyOpen: strings.EqualFold(action.Slot(SlotOnlyOpen), "true"),
		Limit:    10,
	}
	scope := "across all leads"
	if action.Slot(SlotLeadRef) != "" || tc.LeadRef() != "" {
		lead, err := h.resolveLead(ctx, action, tc)
		if err != nil {
			return nil, err
		}
		filter.LeadID = lead.ID
		scope = "for " + lead.Name
	}
	tasks, total, err := h.crm.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if total == 0 {
		fmt.Fprintf(&b, "No tasks found %s.", scope)
	} else {
		fmt.Fprintf(&b, "%d task(s) %s:", total, scope)
		for _, t := range tasks {
			state := "open"
			if t.Done {
				state = "done"
			}
			fmt.Fprintf(&b, "\n- [%s] %s", state, t.Title)
			if t.DueDate != nil {
				fmt.Fprintf(&b, " (due %s)", t.DueDate.Format("2006-01-02"))
			}
		}
	}
	return []ExecutionMessage{{
		Name: "list_tasks",
		Text: b.String(),
		Data: map[string]interface{}{"total": total, "lead_id": filter.LeadID},
	}}, nil
}

// LeadStatusList reports the status catalog. Deterministic, no LLM.
func (h *Handlers) LeadStatusList(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error) {
	statuses, err := h.crm.ListLeadStatuses(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, s.Name)
	}
	return []ExecutionMessage{{
		Name: "list_lead_statuses",
		Text: fmt.Sprintf("Valid lead statuses (%d): %s.", len(names), strings.Join(names, ", ")),
		Data: map[string]interface{}{"statuses": names},
	}}, nil
}

// GeneralChat answers a message with no CRM action in it.
func (h *Handlers) GeneralChat(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error) {
	prompt := fmt.Sprintf(`You are a concise CRM assistant. The user said something that needs no CRM operation. Reply briefly and helpfully, in the user's language.

User message: %s`, tc.Text)
	reply, err := generateTracked(ctx, h.llm, tc, prompt, h.config.LLM.Routing.Synthesis, map[string]interface{}{
		"temperature": 0.6,
		"max_tokens":  300,
	})
	if err != nil {
		return nil, fmt.Errorf("chat reply failed: %w", err)
	}
	return []ExecutionMessage{{Name: "general_chat", Text: strings.TrimSpace(reply)}}, nil
}
