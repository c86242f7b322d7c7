package core

import (
	"context"
	"log"
	"regexp"
	"strings"

	"github.com/vendaflow/vendaflow/config"
)

// ReplanPolicy decides, once the queue runs dry, whether the planner
// should be consulted again this turn. It is pluggable so deployments
// can swap the heuristic without touching the updater.
type ReplanPolicy func(tc *TurnContext) bool

// DefaultReplanPolicy re-plans when the turn text names more clauses
// than actions were executed, a sign the first plan was incomplete.
func DefaultReplanPolicy(tc *TurnContext) bool {
	executed := len(tc.Queue.Executed())
	if executed == 0 {
		return false
	}
	return estimateClauses(tc.Text) > executed
}

var clauseSplitRe = regexp.MustCompile(`(?i)(;|\.\s|,\s+(?:e|and)\s+|\s+(?:e|and)\s+(?:tamb[ée]m\s+)?(?:depois\s+)?)`)

func estimateClauses(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return 1 + len(clauseSplitRe.FindAllString(text, -1))
}

var uuidWrapperRe = regexp.MustCompile(`(?i)UUID\(['"]?([0-9a-f-]{36})['"]?\)`)

// CleanID strips the UUID('...') wrapper some models copy out of
// observation payloads, leaving the bare identifier.
func CleanID(s string) string {
	s = strings.TrimSpace(s)
	if m := uuidWrapperRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// Updater folds execution messages back into the turn context: it
// emits reply segments for detected events, carries lead and proposal
// identity forward, injects the resolved lead into still-pending
// actions and decides on a re-plan when the queue empties.
type Updater struct {
	config  *config.Config
	crm     CRM
	planner *Planner
	policy  ReplanPolicy
	logger  *log.Logger
}

// NewUpdater creates the context updater. A nil policy gets the default.
func NewUpdater(cfg *config.Config, store CRM, planner *Planner, policy ReplanPolicy) *Updater {
	if policy == nil {
		policy = DefaultReplanPolicy
	}
	return &Updater{
		config:  cfg,
		crm:     store,
		planner: planner,
		policy:  policy,
		logger:  log.New(log.Writer(), "[UPDATER] ", log.LstdFlags),
	}
}

// eventNames maps message producers to segment dedupe prefixes. Only
// these count as events; other messages fall through to the action's
// own result segment.
var eventNames = map[string]string{
	"create_lead":               "lead",
	"draft_proposal":            "proposal",
	"add_proposal_item":         "item",
	"calculate_proposal_totals": "totals",
}

// Update processes the messages of one dispatched action.
func (u *Updater) Update(ctx context.Context, turn Turn, action PlanAction, msgs []ExecutionMessage, tc *TurnContext) error {
	pushed := false
	for _, m := range msgs {
		if prefix, ok := eventNames[m.Name]; ok {
			key := prefix + ":" + m.DataString("lead_id") + ":" + m.DataString("proposal_id") + ":" + m.DataString("item_id")
			if tc.PushSegment(ResponseSegment{Intent: action.Intent, OK: true, Text: m.Text, Data: m.Data}, key) {
				pushed = true
			}
		}
		u.absorbIdentity(ctx, m, tc)
	}

	// An action whose messages carried no events still owes the reply
	// exactly one segment: the last message speaks for it.
	if !pushed {
		last := msgs[len(msgs)-1]
		tc.PushSegment(ResponseSegment{Intent: action.Intent, OK: true, Text: last.Text, Data: last.Data}, "")
	}

	u.inject(tc)

	if tc.Queue.Len() == 0 && tc.ReplanBudget > 0 && u.policy(tc) {
		tc.ReplanBudget--
		if err := u.replan(ctx, turn, tc); err != nil {
			u.logger.Printf("re-plan skipped: %v", err)
		}
	}
	return nil
}

// absorbIdentity picks up lead and proposal ids from a message and
// refreshes the focus. The first lead id seen in a dispatch wins; a
// later message naming the same lead is a no-op.
func (u *Updater) absorbIdentity(ctx context.Context, m ExecutionMessage, tc *TurnContext) {
	if id := CleanID(m.DataString("lead_id")); id != "" {
		if tc.CurrentLead == nil || tc.CurrentLead.ID != id {
			lead := &LeadContext{ID: id, Name: m.DataString("lead_name")}
			if full, err := u.crm.GetLead(ctx, id); err == nil {
				lead.Name = full.Name
				lead.Email = full.Email
				lead.Company = full.Company
			}
			tc.CurrentLead = lead
		}
	}
	if id := CleanID(m.DataString("proposal_id")); id != "" {
		tc.CurrentProposal = id
	}
}

// inject fills the resolved lead and default currency into pending
// actions. Forward-only: Pop'd actions are beyond reach by design of
// the queue, so history is never rewritten.
func (u *Updater) inject(tc *TurnContext) {
	if ref := tc.LeadRef(); ref != "" {
		tc.Queue.InjectSlot(SlotLeadRef, ref, func(a PlanAction) bool { return a.Intent.RequiresLead() })
	}
	if tc.CurrentProposal != "" {
		tc.Queue.InjectSlot(SlotProposalID, tc.CurrentProposal, func(a PlanAction) bool {
			switch a.Intent {
			case IntentProposalAddItem, IntentProposalRecalc, IntentProposalExport, IntentProposalUpdateBody:
				return true
			}
			return false
		})
	}
	tc.Queue.InjectSlot(SlotCurrency, u.config.Agent.DefaultCurrency, func(a PlanAction) bool {
		return a.Intent == IntentProposalDraft
	})
}

func (u *Updater) replan(ctx context.Context, turn Turn, tc *TurnContext) error {
	turn.Carry = tc.Carry()
	actions, err := u.planner.Replan(ctx, turn, tc.Queue.Executed(), tc)
	if err != nil {
		return err
	}
	tc.Replanned = true
	accepted := tc.Queue.Seed(actions, SeedDefaults{
		LeadRef:  tc.LeadRef(),
		Currency: u.config.Agent.DefaultCurrency,
		Now:      tc.Now(),
	})
	u.logger.Printf("re-plan accepted %d of %d actions", accepted, len(actions))
	return nil
}
