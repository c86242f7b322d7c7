package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vendaflow/vendaflow/config"
	"github.com/vendaflow/vendaflow/internal/agent/telemetry"
	"github.com/vendaflow/vendaflow/internal/crm"
)

// fakeLLM replays scripted responses in order. Calls beyond the script
// return an error so runaway loops fail loudly in tests.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	calls     []string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prompt)
	if len(f.responses) == 0 {
		return "", fmt.Errorf("fakeLLM: script exhausted after %d calls", len(f.calls))
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func (f *fakeLLM) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	r, err := f.Generate(ctx, prompt, model, options)
	return r, 10, 10, err
}

func (f *fakeLLM) GetAvailableModels() []string                  { return []string{"test"} }
func (f *fakeLLM) GetModelInfo(model string) (ModelInfo, error)  { return ModelInfo{Name: model}, nil }
func (f *fakeLLM) CalculateCost(in, out int64, m string) float64 {
	return float64(in+out) * 0.001
}

// fakeCRM is an in-memory store implementing the CRM interface.
type fakeCRM struct {
	mu        sync.Mutex
	leads     map[string]crm.Lead
	notes     []crm.Note
	tasks     map[string]crm.Task
	proposals map[string]crm.Proposal
	items     map[string][]crm.ProposalItem
	nextID    int
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		leads:     map[string]crm.Lead{},
		tasks:     map[string]crm.Task{},
		proposals: map[string]crm.Proposal{},
		items:     map[string][]crm.ProposalItem{},
	}
}

func (f *fakeCRM) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%04d", prefix, f.nextID)
}

func (f *fakeCRM) CreateLead(ctx context.Context, in crm.LeadInput) (crm.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := crm.Lead{
		ID: f.id("lead"), Name: in.Name, Email: in.Email, Phone: in.Phone,
		Company: in.Company, Status: crm.DefaultLeadStatus, CreatedAt: time.Now(),
	}
	f.leads[l.ID] = l
	return l, nil
}

func (f *fakeCRM) GetLead(ctx context.Context, id string) (crm.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[id]
	if !ok {
		return crm.Lead{}, crm.ErrLeadNotFound
	}
	return l, nil
}

func (f *fakeCRM) ResolveLead(ctx context.Context, ref string) (crm.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.leads[ref]; ok {
		return l, nil
	}
	var matches []crm.Lead
	for _, l := range f.leads {
		if l.Email == ref || l.Name == ref || l.Company == ref {
			matches = append(matches, l)
		}
	}
	switch len(matches) {
	case 0:
		return crm.Lead{}, crm.ErrLeadNotFound
	case 1:
		return matches[0], nil
	default:
		return crm.Lead{}, &crm.AmbiguousLeadError{Ref: ref, Matches: matches}
	}
}

func (f *fakeCRM) SearchLeads(ctx context.Context, query string, limit, offset int) ([]crm.Lead, int, error) {
	var out []crm.Lead
	for _, l := range f.leads {
		out = append(out, l)
	}
	return out, len(out), nil
}

func (f *fakeCRM) ListLeads(ctx context.Context, limit, offset int) ([]crm.Lead, int, error) {
	return f.SearchLeads(ctx, "", limit, offset)
}

func (f *fakeCRM) UpdateLead(ctx context.Context, id string, upd crm.LeadUpdate) (crm.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[id]
	if !ok {
		return crm.Lead{}, crm.ErrLeadNotFound
	}
	if upd.Name != nil {
		l.Name = *upd.Name
	}
	if upd.Email != nil {
		l.Email = *upd.Email
	}
	if upd.Phone != nil {
		l.Phone = *upd.Phone
	}
	if upd.Company != nil {
		l.Company = *upd.Company
	}
	if upd.Status != nil {
		l.Status = *upd.Status
	}
	f.leads[id] = l
	return l, nil
}

func (f *fakeCRM) ListLeadStatuses(ctx context.Context) ([]crm.LeadStatus, error) {
	return []crm.LeadStatus{
		{ID: 1, Name: "new"}, {ID: 2, Name: "contacted"}, {ID: 3, Name: "qualified"},
		{ID: 4, Name: "proposal"}, {ID: 5, Name: "won"}, {ID: 6, Name: "lost"},
	}, nil
}

func (f *fakeCRM) AddNote(ctx context.Context, leadID, body string) (crm.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.leads[leadID]; !ok {
		return crm.Note{}, crm.ErrLeadNotFound
	}
	n := crm.Note{ID: f.id("note"), LeadID: leadID, Body: body, CreatedAt: time.Now()}
	f.notes = append(f.notes, n)
	return n, nil
}

func (f *fakeCRM) ListNotes(ctx context.Context, leadID string, limit, offset int) ([]crm.Note, int, error) {
	var out []crm.Note
	for _, n := range f.notes {
		if n.LeadID == leadID {
			out = append(out, n)
		}
	}
	return out, len(out), nil
}

func (f *fakeCRM) CreateTask(ctx context.Context, leadID, title string, due *time.Time) (crm.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := crm.Task{ID: f.id("task"), LeadID: leadID, Title: title, DueDate: due, CreatedAt: time.Now()}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeCRM) CompleteTask(ctx context.Context, taskID string) (crm.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return crm.Task{}, crm.ErrTaskNotFound
	}
	t.Done = true
	f.tasks[taskID] = t
	return t, nil
}

func (f *fakeCRM) LatestOpenTask(ctx context.Context, leadID string) (crm.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *crm.Task
	for id := range f.tasks {
		t := f.tasks[id]
		if t.LeadID == leadID && !t.Done {
			if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
				latest = &t
			}
		}
	}
	if latest == nil {
		return crm.Task{}, crm.ErrNoOpenTasks
	}
	return *latest, nil
}

func (f *fakeCRM) ListTasks(ctx context.Context, filter crm.TaskFilter) ([]crm.Task, int, error) {
	var out []crm.Task
	for _, t := range f.tasks {
		if filter.LeadID != "" && t.LeadID != filter.LeadID {
			continue
		}
		if filter.OnlyOpen && t.Done {
			continue
		}
		out = append(out, t)
	}
	return out, len(out), nil
}

func (f *fakeCRM) DraftProposal(ctx context.Context, leadID, title, currency string) (crm.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.leads[leadID]; !ok {
		return crm.Proposal{}, crm.ErrLeadNotFound
	}
	p := crm.Proposal{ID: f.id("prop"), LeadID: leadID, Title: title, Currency: currency, Status: crm.ProposalStatusDraft}
	f.proposals[p.ID] = p
	return p, nil
}

func (f *fakeCRM) GetProposal(ctx context.Context, id string) (crm.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[id]
	if !ok {
		return crm.Proposal{}, crm.ErrProposalNotFound
	}
	return p, nil
}

func (f *fakeCRM) LatestProposalForLead(ctx context.Context, leadID string) (crm.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.proposals {
		if p.LeadID == leadID {
			return p, nil
		}
	}
	return crm.Proposal{}, crm.ErrProposalNotFound
}

func (f *fakeCRM) AddProposalItem(ctx context.Context, proposalID, description string, quantity, unitPrice float64) (crm.ProposalItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.proposals[proposalID]; !ok {
		return crm.ProposalItem{}, crm.ErrProposalNotFound
	}
	it := crm.ProposalItem{
		ID: f.id("item"), ProposalID: proposalID, Description: description,
		Quantity: quantity, UnitPrice: unitPrice, LineTotal: quantity * unitPrice,
	}
	f.items[proposalID] = append(f.items[proposalID], it)
	return it, nil
}

func (f *fakeCRM) ListProposalItems(ctx context.Context, proposalID string) ([]crm.ProposalItem, error) {
	return f.items[proposalID], nil
}

func (f *fakeCRM) RecalculateProposal(ctx context.Context, proposalID string) (crm.ProposalTotals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[proposalID]
	if !ok {
		return crm.ProposalTotals{}, crm.ErrProposalNotFound
	}
	var subtotal float64
	for _, it := range f.items[proposalID] {
		subtotal += it.LineTotal
	}
	p.Subtotal = subtotal
	p.Total = subtotal - p.Discount + p.Tax
	f.proposals[proposalID] = p
	return crm.ProposalTotals{Subtotal: p.Subtotal, Discount: p.Discount, Tax: p.Tax, Total: p.Total}, nil
}

func (f *fakeCRM) ListProposals(ctx context.Context, leadID string) ([]crm.Proposal, error) {
	var out []crm.Proposal
	for _, p := range f.proposals {
		if p.LeadID == leadID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeCRM) ExportProposal(ctx context.Context, proposalID, format string) (string, error) {
	p, err := f.GetProposal(ctx, proposalID)
	if err != nil {
		return "", err
	}
	return "# " + p.Title, nil
}

func (f *fakeCRM) UpdateProposalBody(ctx context.Context, proposalID, bodyMD string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[proposalID]
	if !ok {
		return crm.ErrProposalNotFound
	}
	p.BodyMD = bodyMD
	f.proposals[proposalID] = p
	return nil
}

func leadInput(name, company string) crm.LeadInput {
	return crm.LeadInput{Name: name, Company: company}
}

// testConfig builds a minimal config for agent tests.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LLM.Routing = config.LLMRoutingConfig{Planning: "test", Reasoning: "test", Synthesis: "test"}
	cfg.Agent.MaxConcurrentTurns = 2
	cfg.Agent.SubAgentIterations = 6
	cfg.Agent.DefaultCurrency = "BRL"
	return cfg
}

func testTelemetry() *telemetry.Telemetry {
	return telemetry.NewTelemetry(config.TelemetryConfig{})
}
