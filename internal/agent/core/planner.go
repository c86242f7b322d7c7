package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/vendaflow/vendaflow/config"
	"github.com/vendaflow/vendaflow/internal/agent/telemetry"
)

// Planner turns a user message into an ordered list of plan actions
type Planner struct {
	config      *config.Config
	llmProvider LLMProvider
	telemetry   *telemetry.Telemetry
	logger      *log.Logger
}

// NewPlanner creates a new planner instance
func NewPlanner(cfg *config.Config, llmProvider LLMProvider, telemetry *telemetry.Telemetry) *Planner {
	return &Planner{
		config:      cfg,
		llmProvider: llmProvider,
		telemetry:   telemetry,
		logger:      log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Plan asks the planning model for the turn's action list.
func (p *Planner) Plan(ctx context.Context, turn Turn, tc *TurnContext) ([]PlanAction, error) {
	startTime := time.Now()

	prompt := p.createPlanningPrompt(turn, nil)
	model := p.config.LLM.Routing.Planning

	response, err := generateTracked(ctx, p.llmProvider, tc, prompt, model, map[string]interface{}{
		"temperature": 0.2, // Lower temperature for more consistent planning
		"max_tokens":  1500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate plan: %w", err)
	}

	actions, err := ParsePlanActions(response)
	if err != nil {
		return nil, err
	}

	p.logger.Printf("Planning completed in %v with %d actions", time.Since(startTime), len(actions))
	return actions, nil
}

// Replan asks for additional actions after the first batch completed.
// The executed summary lets the model avoid repeating finished work.
func (p *Planner) Replan(ctx context.Context, turn Turn, executed []PlanAction, tc *TurnContext) ([]PlanAction, error) {
	prompt := p.createPlanningPrompt(turn, executed)
	model := p.config.LLM.Routing.Planning

	response, err := generateTracked(ctx, p.llmProvider, tc, prompt, model, map[string]interface{}{
		"temperature": 0.2,
		"max_tokens":  1500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate re-plan: %w", err)
	}

	actions, err := ParsePlanActions(response)
	if err != nil {
		return nil, err
	}
	p.logger.Printf("Re-planning produced %d actions", len(actions))
	return actions, nil
}

func (p *Planner) createPlanningPrompt(turn Turn, executed []PlanAction) string {
	var b strings.Builder
	b.WriteString(`You are the planning module of a CRM assistant. Break the user's message into every distinct action it asks for.

Respond with ONLY a JSON object of the form:
{"actions": [{"intent": "<intent>", "slots": {"<slot>": "<value>"}}]}

Valid intents:
  lead_create (slots: nome, email, telefone, empresa)
  lead_get (slots: lead_ref_ou_id)
  lead_search (slots: consulta)
  lead_list
  lead_update (slots: lead_ref_ou_id, nome, email, telefone, empresa, status)
  note_add (slots: lead_ref_ou_id, texto)
  note_list (slots: lead_ref_ou_id)
  task_create (slots: lead_ref_ou_id, titulo, data_limite)
  task_complete (slots: tarefa_id or lead_ref_ou_id)
  task_list (slots: lead_ref_ou_id, apenas_abertas)
  proposal_draft (slots: lead_ref_ou_id, titulo, moeda)
  proposal_add_item (slots: proposta_id, descricao, quantidade, preco_unitario)
  proposal_recalculate (slots: proposta_id)
  proposal_list (slots: lead_ref_ou_id)
  proposal_export (slots: proposta_id, formato)
  proposal_update_body (slots: proposta_id, corpo_md)
  lead_status_list
  general_chat

Rules:
- Emit actions in the order the user mentions them.
- lead_ref_ou_id may be a name, email, phone or id exactly as the user wrote it. Omit it when the user refers to the lead already under discussion.
- Keep date slots as the user wrote them (e.g. "tomorrow", "amanhã", "2026-09-02").
- Never invent slot values the user did not state.
- A message with no CRM action gets a single general_chat action.
`)
	if lead := turn.Carry.Lead; lead != nil && lead.ID != "" {
		fmt.Fprintf(&b, "\nLead under discussion: %s (id: %s)\n", lead.Name, lead.ID)
	}
	if turn.Carry.ProposalID != "" {
		fmt.Fprintf(&b, "Proposal under discussion: %s\n", turn.Carry.ProposalID)
	}
	if len(executed) > 0 {
		b.WriteString("\nActions already executed this turn (do NOT repeat them):\n")
		for _, a := range executed {
			fmt.Fprintf(&b, "- %s %v\n", a.Intent, a.Slots)
		}
		b.WriteString("Plan ONLY the remaining work. Respond with an empty actions list if nothing remains.\n")
	}
	fmt.Fprintf(&b, "\nUser message: %s\n", turn.Text)
	return b.String()
}

// planEnvelope is the canonical shape of the planner's reply.
type planEnvelope struct {
	Actions []rawAction `json:"actions"`
}

type rawAction struct {
	Intent string          `json:"intent"`
	Slots  json.RawMessage `json:"slots"`
}

// ParsePlanActions decodes a model reply into plan actions. Strict
// JSON is tried first; failing that, the actions payload is located by
// balanced-brace scanning and near-JSON defects (unquoted keys, single
// quotes, an "actions =" prefix, a bare array) are repaired before a
// second decode. Unrecoverable output yields a PlanParseError.
func ParsePlanActions(raw string) ([]PlanAction, error) {
	cleaned := stripCodeFences(raw)

	candidates := []string{cleaned}
	if block := extractBalancedObject(cleaned); block != "" && block != cleaned {
		candidates = append(candidates, block)
	}

	for _, c := range candidates {
		if actions, ok := decodePlan(c); ok {
			return actions, nil
		}
		if actions, ok := decodePlan(normalizeJSONLike(c)); ok {
			return actions, nil
		}
	}
	return nil, &PlanParseError{Raw: raw, Err: fmt.Errorf("no recoverable actions payload")}
}

func decodePlan(s string) ([]PlanAction, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}

	var env planEnvelope
	if err := json.Unmarshal([]byte(s), &env); err == nil {
		if env.Actions != nil || strings.Contains(s, `"actions"`) {
			return materialize(env.Actions), true
		}
	}

	// Some replies are a bare action array
	var arr []rawAction
	if err := json.Unmarshal([]byte(s), &arr); err == nil {
		return materialize(arr), true
	}
	return nil, false
}

func materialize(raws []rawAction) []PlanAction {
	actions := make([]PlanAction, 0, len(raws))
	for _, r := range raws {
		intent := Intent(strings.TrimSpace(strings.ToLower(r.Intent)))
		if !intent.Valid() {
			continue
		}
		actions = append(actions, PlanAction{Intent: intent, Slots: decodeSlots(r.Slots)})
	}
	return actions
}

// decodeSlots accepts the slot payload in any of the shapes models
// produce: a JSON object, a stringified object like
// "{titulo: 'Follow up', data_limite: 'amanhã'}", or "name=value"
// pairs separated by ";" or ",".
func decodeSlots(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return stringifySlots(obj)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if strings.HasPrefix(s, "{") {
		if err := json.Unmarshal([]byte(normalizeJSONLike(s)), &obj); err == nil {
			return stringifySlots(obj)
		}
		s = strings.Trim(s, "{}")
	}

	// name=value pairs
	slots := map[string]string{}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			kv = strings.SplitN(part, ":", 2)
		}
		if len(kv) != 2 {
			continue
		}
		k := strings.Trim(strings.TrimSpace(kv[0]), `"'`)
		v := strings.Trim(strings.TrimSpace(kv[1]), `"'`)
		if k != "" && v != "" {
			slots[k] = v
		}
	}
	if len(slots) == 0 {
		return nil
	}
	return slots
}

func stringifySlots(obj map[string]interface{}) map[string]string {
	if len(obj) == 0 {
		return nil
	}
	slots := make(map[string]string, len(obj))
	for k, v := range obj {
		switch tv := v.(type) {
		case nil:
			continue
		case string:
			if strings.TrimSpace(tv) == "" {
				continue
			}
			slots[k] = strings.TrimSpace(tv)
		case float64:
			slots[k] = strconvFloat(tv)
		case bool:
			slots[k] = fmt.Sprintf("%t", tv)
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				continue
			}
			slots[k] = string(b)
		}
	}
	return slots
}

func strconvFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:] // drop the language tag line
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// extractBalancedObject returns the first balanced {...} or [...] block
// in s, scanning with quote awareness.
func extractBalancedObject(s string) string {
	start := -1
	depth := 0
	var open, closer byte
	inString := false
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			if ch == '\\' {
				i++
			} else if ch == quote {
				inString = false
			}
			continue
		}
		switch {
		case ch == '"' || ch == '\'':
			if depth > 0 {
				inString = true
				quote = ch
			}
		case depth == 0 && (ch == '{' || ch == '['):
			start = i
			open = ch
			if ch == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			depth = 1
		case depth > 0 && ch == open:
			depth++
		case depth > 0 && ch == closer:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

var (
	actionsPrefixRe = regexp.MustCompile(`^\s*"?actions"?\s*[:=]\s*`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
)

// normalizeJSONLike repairs the defects models most often produce:
// an "actions =" assignment prefix, a bare action array, single-quoted
// strings and unquoted object keys.
func normalizeJSONLike(s string) string {
	s = strings.TrimSpace(s)
	if actionsPrefixRe.MatchString(s) {
		s = `{"actions": ` + actionsPrefixRe.ReplaceAllString(s, "") + `}`
	} else if strings.HasPrefix(s, "[") {
		s = `{"actions": ` + s + `}`
	}
	s = unquotedKeyRe.ReplaceAllString(s, `$1"$2":`)
	s = strings.ReplaceAll(s, `'`, `"`)
	return s
}
