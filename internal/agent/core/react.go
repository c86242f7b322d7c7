package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/vendaflow/vendaflow/config"
	"github.com/vendaflow/vendaflow/internal/crm"
)

// SubAgent executes lead and proposal intents through a bounded
// reason-act loop: the model picks one tool per step, sees its result,
// and finishes with a final message. The iteration cap guarantees the
// loop terminates even when the model stalls.
type SubAgent struct {
	family  string
	llm     LLMProvider
	crm     CRM
	config  *config.Config
	maxIter int
	logger  *log.Logger
}

// NewLeadAgent creates the sub-agent handling lead intents.
func NewLeadAgent(cfg *config.Config, store CRM, llm LLMProvider) *SubAgent {
	return newSubAgent("lead", cfg, store, llm)
}

// NewProposalAgent creates the sub-agent handling proposal intents.
func NewProposalAgent(cfg *config.Config, store CRM, llm LLMProvider) *SubAgent {
	return newSubAgent("proposal", cfg, store, llm)
}

func newSubAgent(family string, cfg *config.Config, store CRM, llm LLMProvider) *SubAgent {
	return &SubAgent{
		family:  family,
		llm:     llm,
		crm:     store,
		config:  cfg,
		maxIter: cfg.Agent.SubAgentIterations,
		logger:  log.New(log.Writer(), "[AGENT:"+strings.ToUpper(family)+"] ", log.LstdFlags),
	}
}

// subAgentStep is the shape each model reply must take: either a tool
// call or a final answer.
type subAgentStep struct {
	Tool  string            `json:"tool,omitempty"`
	Args  map[string]string `json:"args,omitempty"`
	Final string            `json:"final,omitempty"`
}

// Execute runs the reason-act loop for one action.
func (s *SubAgent) Execute(ctx context.Context, action PlanAction, tc *TurnContext) ([]ExecutionMessage, error) {
	var msgs []ExecutionMessage
	transcript := s.seedTranscript(action, tc)

	for iter := 0; iter < s.maxIter; iter++ {
		response, err := generateTracked(ctx, s.llm, tc, transcript, s.config.LLM.Routing.Reasoning, map[string]interface{}{
			"temperature": 0.1,
			"max_tokens":  600,
		})
		if err != nil {
			if len(msgs) > 0 {
				s.logger.Printf("model failed mid-loop, keeping %d messages: %v", len(msgs), err)
				return msgs, nil
			}
			return nil, fmt.Errorf("%s agent: %w", s.family, err)
		}

		step, err := parseStep(response)
		if err != nil {
			transcript += "\nYour last reply was not valid JSON. Reply with exactly one tool call or a final object."
			continue
		}

		if step.Final != "" {
			msgs = append(msgs, ExecutionMessage{Name: "assistant", Text: strings.TrimSpace(step.Final)})
			return msgs, nil
		}
		if step.Tool == "" {
			transcript += "\nReply with a tool call or a final object."
			continue
		}

		msg, err := s.runTool(ctx, step.Tool, step.Args, tc)
		if err != nil {
			transcript += fmt.Sprintf("\nObservation: tool %s failed: %v", step.Tool, err)
			// A hard domain error on the action's own operation ends the loop.
			if isTerminalToolError(err) {
				if len(msgs) > 0 {
					return msgs, nil
				}
				return nil, err
			}
			continue
		}
		msgs = append(msgs, msg)
		obs, _ := json.Marshal(msg.Data)
		transcript += fmt.Sprintf("\nObservation from %s: %s %s", step.Tool, msg.Text, string(obs))
	}

	if len(msgs) > 0 {
		s.logger.Printf("iteration cap reached with %d messages", len(msgs))
		return msgs, nil
	}
	return nil, fmt.Errorf("%s agent made no progress within %d steps", s.family, s.maxIter)
}

func isTerminalToolError(err error) bool {
	var amb *crm.AmbiguousLeadError
	return errors.As(err, &amb) ||
		errors.Is(err, crm.ErrLeadNotFound) ||
		errors.Is(err, crm.ErrProposalNotFound) ||
		errors.Is(err, crm.ErrDuplicateEmail)
}

func (s *SubAgent) seedTranscript(action PlanAction, tc *TurnContext) string {
	var b strings.Builder
	b.WriteString("You operate CRM tools to carry out exactly one requested operation.\n")
	b.WriteString("Each reply must be a single JSON object: either {\"tool\": \"<name>\", \"args\": {...}} or {\"final\": \"<short user-facing summary>\"}.\n")
	b.WriteString("Call only the tools needed for the requested operation, then finish with a final object.\n\nTools:\n")
	if s.family == "lead" {
		b.WriteString(`  create_lead {nome, email, telefone, empresa}
  get_lead {ref}
  search_leads {consulta}
  list_leads {}
  update_lead {ref, nome, email, telefone, empresa, status}
`)
	} else {
		b.WriteString(`  draft_proposal {lead_ref, titulo, moeda}
  add_proposal_item {proposta_id, descricao, quantidade, preco_unitario}
  calculate_proposal_totals {proposta_id}
  list_proposals {lead_ref}
  export_proposal {proposta_id, formato}
  update_proposal_body {proposta_id, corpo_md}
`)
	}
	fmt.Fprintf(&b, "\nRequested operation: %s\nSlots: %s\n", action.Intent, formatSlots(action.Slots))
	if tc.CurrentLead != nil {
		fmt.Fprintf(&b, "Lead in focus: %s (id: %s)\n", tc.CurrentLead.Name, tc.CurrentLead.ID)
	}
	if tc.CurrentProposal != "" {
		fmt.Fprintf(&b, "Proposal in focus: %s\n", tc.CurrentProposal)
	}
	return b.String()
}

func formatSlots(slots map[string]string) string {
	if len(slots) == 0 {
		return "(none)"
	}
	b, err := json.Marshal(slots)
	if err != nil {
		return "(none)"
	}
	return string(b)
}

func parseStep(response string) (subAgentStep, error) {
	block := extractBalancedObject(stripCodeFences(response))
	if block == "" {
		return subAgentStep{}, fmt.Errorf("no JSON object in reply")
	}
	var step subAgentStep
	if err := json.Unmarshal([]byte(block), &step); err != nil {
		if err2 := json.Unmarshal([]byte(normalizeJSONLike(block)), &step); err2 != nil {
			return subAgentStep{}, err
		}
	}
	return step, nil
}

// runTool executes one tool call against the store and shapes the
// result into an execution message the context updater can scan.
func (s *SubAgent) runTool(ctx context.Context, tool string, args map[string]string, tc *TurnContext) (ExecutionMessage, error) {
	arg := func(k string) string { return strings.TrimSpace(args[k]) }
	num := func(k string) float64 {
		f, err := strconv.ParseFloat(strings.ReplaceAll(arg(k), ",", "."), 64)
		if err != nil {
			return 0
		}
		return f
	}

	switch tool {
	case "create_lead":
		lead, err := s.crm.CreateLead(ctx, crm.LeadInput{
			Name: arg("nome"), Email: arg("email"), Phone: arg("telefone"), Company: arg("empresa"),
		})
		if err != nil {
			return ExecutionMessage{}, err
		}
		return ExecutionMessage{
			Name: "create_lead",
			Text: fmt.Sprintf("Lead created: %s (id: %s)", lead.Name, lead.ID),
			Data: map[string]interface{}{"lead_id": lead.ID, "lead_name": lead.Name, "lead_email": lead.Email, "lead_company": lead.Company},
		}, nil

	case "get_lead":
		lead, err := s.resolveRef(ctx, arg("ref"), tc)
		if err != nil {
			return ExecutionMessage{}, err
		}
		return ExecutionMessage{
			Name: "get_lead",
			Text: describeLead(lead),
			Data: map[string]interface{}{"lead_id": lead.ID, "lead_name": lead.Name, "lead_email": lead.Email, "lead_company": lead.Company},
		}, nil

	case "search_leads":
		leads, total, err := s.crm.SearchLeads(ctx, arg("consulta"), 10, 0)
		if err != nil {
			return ExecutionMessage{}, err
		}
		return ExecutionMessage{
			Name: "search_leads",
			Text: summarizeLeads(leads, total, fmt.Sprintf("matching %q", arg("consulta"))),
			Data: map[string]interface{}{"total": total},
		}, nil

	case "list_leads":
		leads, total, err := s.crm.ListLeads(ctx, 10, 0)
		if err != nil {
			return ExecutionMessage{}, err
		}
		return ExecutionMessage{
			Name: "list_leads",
			Text: summarizeLeads(leads, total, "in the CRM"),
			Data: map[string]interface{}{"total": total},
		}, nil

	case "update_lead":
		lead, err := s.resolveRef(ctx, arg("ref"), tc)
		if err != nil {
			return ExecutionMessage{}, err
		}
		upd := crm.LeadUpdate{}
		if v, ok := args["nome"]; ok && strings.TrimSpace(v) != "" {
			v := strings.TrimSpace(v)
			upd.Name = &v
		}
		if v, ok := args["email"]; ok {
			v := strings.TrimSpace(v)
			upd.Email = &v
		}
		if v, ok := args["telefone"]; ok {
			v := strings.TrimSpace(v)
			upd.Phone = &v
		}
		if v, ok := args["empresa"]; ok {
			v := strings.TrimSpace(v)
			upd.Company = &v
		}
		if v, ok := args["status"]; ok && strings.TrimSpace(v) != "" {
			v := strings.TrimSpace(v)
			upd.Status = &v
		}
		updated, err := s.crm.UpdateLead(ctx, lead.ID, upd)
		if err != nil {
			return ExecutionMessage{}, err
		}
		return ExecutionMessage{
			Name: "update_lead",
			Text: fmt.Sprintf("Lead updated: %s", updated.Name),
			Data: map[string]interface{}{"lead_id": updated.ID, "lead_name": updated.Name},
		}, nil

	case "draft_proposal":
		lead, err := s.resolveRef(ctx, arg("lead_ref"), tc)
		if err != nil {
			return ExecutionMessage{}, err
		}
		currency := arg("moeda")
		if currency == "" {
			currency = s.config.Agent.DefaultCurrency
		}
		p, err := s.crm.DraftProposal(ctx, lead.ID, arg("titulo"), currency)
		if err != nil {
			return ExecutionMessage{}, err
		}
		return ExecutionMessage{
			Name: "draft_proposal",
			Text: fmt.Sprintf("Proposal drafted for %s: %s (id: %s)", lead.Name, p.Title, p.ID),
			Data: map[string]interface{}{"proposal_id": p.ID, "lead_id": lead.ID, "currency": p.Currency},
		}, nil

	case "add_proposal_item":
		pid := s.proposalID(arg("proposta_id"), tc)
		if pid == "" {
			return ExecutionMessage{}, fmt.Errorf("no proposal in focus")
		}
		qty := num("quantidade")
		if qty == 0 {
			qty = 1
		}
		it, err := s.crm.AddProposalItem(ctx, pid, arg("descricao"), qty, num("preco_unitario"))
		if err != nil {
			return ExecutionMessage{}, err
		}
		return ExecutionMessage{
			Name: "add_proposal_item",
			Text: fmt.Sprintf("Item added: %s (%g x %.2f)", it.Description, it.Quantity, it.UnitPrice),
			Data: map[string]interface{}{"item_id": it.ID, "proposal_id": pid, "line_total": it.LineTotal},
		}, nil

	case "calculate_proposal_totals":
		pid := s.proposalID(arg("proposta_id"), tc)
		if pid == "" {
			return ExecutionMessage{}, fmt.Errorf("no proposal in focus")
		}
		totals, err := s.crm.RecalculateProposal(ctx, pid)
		if err != nil {
			return ExecutionMessage{}, err
		}
		return ExecutionMessage{
			Name: "calculate_proposal_totals",
			Text: fmt.Sprintf("Totals updated: subtotal %.2f, total %.2f", totals.Subtotal, totals.Total),
			Data: map[string]interface{}{"proposal_id": pid, "subtotal": totals.Subtotal, "total": totals.Total},
		}, nil

	case "list_proposals":
		lead, err := s.resolveRef(ctx, arg("lead_ref"), tc)
		if err != nil {
			return ExecutionMessage{}, err
		}
		proposals, err := s.crm.ListProposals(ctx, lead.ID)
		if err != nil {
			return ExecutionMessage{}, err
		}
		var b strings.Builder
		if len(proposals) == 0 {
			fmt.Fprintf(&b, "%s has no proposals yet.", lead.Name)
		} else {
			fmt.Fprintf(&b, "%s has %d proposal(s):", lead.Name, len(proposals))
			for _, p := range proposals {
				fmt.Fprintf(&b, "\n- %s [%s] %.2f %s", p.Title, p.Status, p.Total, p.Currency)
			}
		}
		return ExecutionMessage{
			Name: "list_proposals",
			Text: b.String(),
			Data: map[string]interface{}{"lead_id": lead.ID, "total": len(proposals)},
		}, nil

	case "export_proposal":
		pid := s.proposalID(arg("proposta_id"), tc)
		if pid == "" {
			return ExecutionMessage{}, fmt.Errorf("no proposal in focus")
		}
		doc, err := s.crm.ExportProposal(ctx, pid, arg("formato"))
		if err != nil {
			return ExecutionMessage{}, err
		}
		return ExecutionMessage{
			Name: "export_proposal",
			Text: "Proposal exported:\n\n" + doc,
			Data: map[string]interface{}{"proposal_id": pid},
		}, nil

	case "update_proposal_body":
		pid := s.proposalID(arg("proposta_id"), tc)
		if pid == "" {
			return ExecutionMessage{}, fmt.Errorf("no proposal in focus")
		}
		if err := s.crm.UpdateProposalBody(ctx, pid, args["corpo_md"]); err != nil {
			return ExecutionMessage{}, err
		}
		return ExecutionMessage{
			Name: "update_proposal_body",
			Text: "Proposal body updated.",
			Data: map[string]interface{}{"proposal_id": pid},
		}, nil
	}

	return ExecutionMessage{}, fmt.Errorf("unknown tool: %s", tool)
}

// resolveRef resolves a lead reference, falling back to the lead in focus.
func (s *SubAgent) resolveRef(ctx context.Context, ref string, tc *TurnContext) (crm.Lead, error) {
	ref = CleanID(ref)
	if ref == "" {
		ref = tc.LeadRef()
	}
	if ref == "" {
		return crm.Lead{}, fmt.Errorf("no lead in focus")
	}
	return s.crm.ResolveLead(ctx, ref)
}

func (s *SubAgent) proposalID(raw string, tc *TurnContext) string {
	if id := CleanID(raw); id != "" {
		return id
	}
	return tc.CurrentProposal
}

func describeLead(l crm.Lead) string {
	var parts []string
	if l.Email != "" {
		parts = append(parts, l.Email)
	}
	if l.Phone != "" {
		parts = append(parts, l.Phone)
	}
	if l.Company != "" {
		parts = append(parts, l.Company)
	}
	detail := ""
	if len(parts) > 0 {
		detail = " (" + strings.Join(parts, ", ") + ")"
	}
	return fmt.Sprintf("Lead %s%s, status %s.", l.Name, detail, l.Status)
}

func summarizeLeads(leads []crm.Lead, total int, scope string) string {
	if total == 0 {
		return fmt.Sprintf("No leads %s.", scope)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d lead(s) %s:", total, scope)
	for _, l := range leads {
		fmt.Fprintf(&b, "\n- %s", l.Name)
		if l.Company != "" {
			fmt.Fprintf(&b, " (%s)", l.Company)
		}
	}
	return b.String()
}
