package core

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vendaflow/vendaflow/internal/crm"
)

// Intent identifies one operation the planner may request. The set is
// closed: the dispatcher refuses anything outside it.
type Intent string

const (
	IntentLeadCreate         Intent = "lead_create"
	IntentLeadGet            Intent = "lead_get"
	IntentLeadSearch         Intent = "lead_search"
	IntentLeadList           Intent = "lead_list"
	IntentLeadUpdate         Intent = "lead_update"
	IntentNoteAdd            Intent = "note_add"
	IntentNoteList           Intent = "note_list"
	IntentTaskCreate         Intent = "task_create"
	IntentTaskComplete       Intent = "task_complete"
	IntentTaskList           Intent = "task_list"
	IntentProposalDraft      Intent = "proposal_draft"
	IntentProposalAddItem    Intent = "proposal_add_item"
	IntentProposalRecalc     Intent = "proposal_recalculate"
	IntentProposalList       Intent = "proposal_list"
	IntentProposalExport     Intent = "proposal_export"
	IntentProposalUpdateBody Intent = "proposal_update_body"
	IntentLeadStatusList     Intent = "lead_status_list"
	IntentGeneralChat        Intent = "general_chat"
)

// Slot keys used across intents. The planner model is prompted to emit
// exactly these names.
const (
	SlotLeadRef     = "lead_ref_ou_id"
	SlotName        = "nome"
	SlotEmail       = "email"
	SlotPhone       = "telefone"
	SlotCompany     = "empresa"
	SlotStatus      = "status"
	SlotText        = "texto"
	SlotTitle       = "titulo"
	SlotDueDate     = "data_limite"
	SlotTaskID      = "tarefa_id"
	SlotProposalID  = "proposta_id"
	SlotDescription = "descricao"
	SlotQuantity    = "quantidade"
	SlotUnitPrice   = "preco_unitario"
	SlotCurrency    = "moeda"
	SlotBodyMD      = "corpo_md"
	SlotFormat      = "formato"
	SlotQuery       = "consulta"
	SlotOnlyOpen    = "apenas_abertas"
)

var allIntents = map[Intent]struct{}{
	IntentLeadCreate: {}, IntentLeadGet: {}, IntentLeadSearch: {}, IntentLeadList: {},
	IntentLeadUpdate: {}, IntentNoteAdd: {}, IntentNoteList: {}, IntentTaskCreate: {},
	IntentTaskComplete: {}, IntentTaskList: {}, IntentProposalDraft: {}, IntentProposalAddItem: {},
	IntentProposalRecalc: {}, IntentProposalList: {}, IntentProposalExport: {},
	IntentProposalUpdateBody: {}, IntentLeadStatusList: {}, IntentGeneralChat: {},
}

// Valid reports whether the intent belongs to the closed set.
func (i Intent) Valid() bool {
	_, ok := allIntents[i]
	return ok
}

var leadScopedIntents = map[Intent]struct{}{
	IntentLeadGet: {}, IntentLeadUpdate: {}, IntentNoteAdd: {}, IntentNoteList: {},
	IntentTaskCreate: {}, IntentProposalDraft: {}, IntentProposalList: {},
}

// RequiresLead reports whether the intent operates on a specific lead
// and therefore needs a lead reference slot.
func (i Intent) RequiresLead() bool {
	_, ok := leadScopedIntents[i]
	return ok
}

var requiredSlots = map[Intent][]string{
	IntentLeadCreate:         {SlotName},
	IntentLeadGet:            {SlotLeadRef},
	IntentLeadSearch:         {SlotQuery},
	IntentLeadUpdate:         {SlotLeadRef},
	IntentNoteAdd:            {SlotLeadRef, SlotText},
	IntentNoteList:           {SlotLeadRef},
	IntentTaskCreate:         {SlotLeadRef, SlotTitle},
	IntentProposalDraft:      {SlotLeadRef, SlotTitle},
	IntentProposalAddItem:    {SlotDescription, SlotUnitPrice},
	IntentProposalUpdateBody: {SlotBodyMD},
}

// RequiredSlots returns the slot names an intent cannot run without.
func RequiredSlots(i Intent) []string {
	return requiredSlots[i]
}

// PlanAction is one planner-emitted unit of work.
type PlanAction struct {
	Intent Intent            `json:"intent"`
	Slots  map[string]string `json:"slots,omitempty"`
}

// Slot returns a trimmed slot value, empty when absent.
func (a PlanAction) Slot(key string) string {
	return strings.TrimSpace(a.Slots[key])
}

// WithSlot returns a copy of the action with one slot set. The
// original slot map is never mutated.
func (a PlanAction) WithSlot(key, value string) PlanAction {
	slots := make(map[string]string, len(a.Slots)+1)
	for k, v := range a.Slots {
		slots[k] = v
	}
	slots[key] = value
	return PlanAction{Intent: a.Intent, Slots: slots}
}

// Fingerprint canonically identifies an action for dedup purposes.
type Fingerprint string

// Fingerprint derives the action's dedup key from its intent and the
// sorted slot pairs.
func (a PlanAction) Fingerprint() Fingerprint {
	keys := make([]string, 0, len(a.Slots))
	for k := range a.Slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(string(a.Intent))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.TrimSpace(a.Slots[k]))
	}
	return Fingerprint(b.String())
}

// ExecutionMessage is one unit of handler or sub-agent output. Name
// identifies the tool or producer, Text is its human-readable result
// and Data carries structured fields such as ids.
type ExecutionMessage struct {
	Name string                 `json:"name"`
	Text string                 `json:"text"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// DataString returns a string field from Data, empty when absent.
func (m ExecutionMessage) DataString(key string) string {
	if m.Data == nil {
		return ""
	}
	if v, ok := m.Data[key].(string); ok {
		return v
	}
	return ""
}

// ResponseSegment is one sentence-level fragment of the final reply.
type ResponseSegment struct {
	Intent Intent                 `json:"intent"`
	OK     bool                   `json:"ok"`
	Text   string                 `json:"text"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// LeadContext is the lead currently in focus for the session.
type LeadContext struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Company string `json:"company,omitempty"`
}

// Carry is the slice of turn state persisted across turns of a session.
type Carry struct {
	Lead       *LeadContext `json:"lead,omitempty"`
	ProposalID string       `json:"proposal_id,omitempty"`
}

// Turn is one inbound user message to process.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Carry     Carry     `json:"carry"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnResult is the outcome of processing one turn.
type TurnResult struct {
	ID             string            `json:"id"`
	Reply          string            `json:"reply"`
	Segments       []ResponseSegment `json:"segments"`
	Carry          Carry             `json:"carry"`
	Replanned      bool              `json:"replanned"`
	IntentsRun     []string          `json:"intents_run"`
	ProcessingTime time.Duration     `json:"processing_time"`
	TokensUsed     int64             `json:"tokens_used"`
	Cost           float64           `json:"cost"`
	CreatedAt      time.Time         `json:"created_at"`
}

// LLMProvider interface defines the contract for LLM providers
type LLMProvider interface {
	// Generate generates text using the LLM
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// GetAvailableModels returns available models
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	MaxTokens       int      `json:"max_tokens"`
	CostPer1KInput  float64  `json:"cost_per_1k_input"`
	CostPer1KOutput float64  `json:"cost_per_1k_output"`
	Capabilities    []string `json:"capabilities"`
	Description     string   `json:"description"`
}

// CRM is the slice of the store the agent operates through.
type CRM interface {
	CreateLead(ctx context.Context, in crm.LeadInput) (crm.Lead, error)
	GetLead(ctx context.Context, id string) (crm.Lead, error)
	ResolveLead(ctx context.Context, ref string) (crm.Lead, error)
	SearchLeads(ctx context.Context, query string, limit, offset int) ([]crm.Lead, int, error)
	ListLeads(ctx context.Context, limit, offset int) ([]crm.Lead, int, error)
	UpdateLead(ctx context.Context, id string, upd crm.LeadUpdate) (crm.Lead, error)
	ListLeadStatuses(ctx context.Context) ([]crm.LeadStatus, error)

	AddNote(ctx context.Context, leadID, body string) (crm.Note, error)
	ListNotes(ctx context.Context, leadID string, limit, offset int) ([]crm.Note, int, error)

	CreateTask(ctx context.Context, leadID, title string, due *time.Time) (crm.Task, error)
	CompleteTask(ctx context.Context, taskID string) (crm.Task, error)
	LatestOpenTask(ctx context.Context, leadID string) (crm.Task, error)
	ListTasks(ctx context.Context, f crm.TaskFilter) ([]crm.Task, int, error)

	DraftProposal(ctx context.Context, leadID, title, currency string) (crm.Proposal, error)
	GetProposal(ctx context.Context, id string) (crm.Proposal, error)
	LatestProposalForLead(ctx context.Context, leadID string) (crm.Proposal, error)
	AddProposalItem(ctx context.Context, proposalID, description string, quantity, unitPrice float64) (crm.ProposalItem, error)
	ListProposalItems(ctx context.Context, proposalID string) ([]crm.ProposalItem, error)
	RecalculateProposal(ctx context.Context, proposalID string) (crm.ProposalTotals, error)
	ListProposals(ctx context.Context, leadID string) ([]crm.Proposal, error)
	ExportProposal(ctx context.Context, proposalID, format string) (string, error)
	UpdateProposalBody(ctx context.Context, proposalID, bodyMD string) error
}
