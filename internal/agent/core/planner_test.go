package core

import (
	"errors"
	"testing"
)

func TestParsePlanActionsStrictJSON(t *testing.T) {
	raw := `{"actions": [{"intent": "lead_create", "slots": {"nome": "Ana", "email": "ana@acme.io"}}, {"intent": "note_add", "slots": {"texto": "met at expo"}}]}`
	actions, err := ParsePlanActions(raw)
	if err != nil {
		t.Fatalf("ParsePlanActions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	if actions[0].Intent != IntentLeadCreate || actions[0].Slot(SlotName) != "Ana" {
		t.Fatalf("unexpected first action: %+v", actions[0])
	}
	if actions[1].Intent != IntentNoteAdd {
		t.Fatalf("unexpected second action: %+v", actions[1])
	}
}

func TestParsePlanActionsCodeFence(t *testing.T) {
	raw := "Here is the plan:\n```json\n{\"actions\": [{\"intent\": \"task_create\", \"slots\": {\"titulo\": \"Call back\"}}]}\n```"
	actions, err := ParsePlanActions(raw)
	if err != nil {
		t.Fatalf("ParsePlanActions: %v", err)
	}
	if len(actions) != 1 || actions[0].Intent != IntentTaskCreate {
		t.Fatalf("unexpected actions: %+v", actions)
	}
}

func TestParsePlanActionsAssignmentPrefix(t *testing.T) {
	raw := `actions = [{intent: 'lead_get', slots: {lead_ref_ou_id: 'ana@acme.io'}}]`
	actions, err := ParsePlanActions(raw)
	if err != nil {
		t.Fatalf("ParsePlanActions: %v", err)
	}
	if len(actions) != 1 || actions[0].Intent != IntentLeadGet {
		t.Fatalf("unexpected actions: %+v", actions)
	}
	if actions[0].Slot(SlotLeadRef) != "ana@acme.io" {
		t.Fatalf("slot not recovered: %+v", actions[0].Slots)
	}
}

func TestParsePlanActionsBareArray(t *testing.T) {
	raw := `[{"intent": "lead_list"}]`
	actions, err := ParsePlanActions(raw)
	if err != nil {
		t.Fatalf("ParsePlanActions: %v", err)
	}
	if len(actions) != 1 || actions[0].Intent != IntentLeadList {
		t.Fatalf("unexpected actions: %+v", actions)
	}
}

func TestParsePlanActionsStringifiedSlots(t *testing.T) {
	raw := `{"actions": [{"intent": "task_create", "slots": "{titulo: 'Follow up', data_limite: 'amanhã'}"}]}`
	actions, err := ParsePlanActions(raw)
	if err != nil {
		t.Fatalf("ParsePlanActions: %v", err)
	}
	if actions[0].Slot(SlotTitle) != "Follow up" {
		t.Fatalf("titulo not decoded: %+v", actions[0].Slots)
	}
	if actions[0].Slot(SlotDueDate) != "amanhã" {
		t.Fatalf("data_limite not decoded: %+v", actions[0].Slots)
	}
}

func TestParsePlanActionsPairSlots(t *testing.T) {
	raw := `{"actions": [{"intent": "note_add", "slots": "lead_ref_ou_id=Ana; texto=call went well"}]}`
	actions, err := ParsePlanActions(raw)
	if err != nil {
		t.Fatalf("ParsePlanActions: %v", err)
	}
	if actions[0].Slot(SlotLeadRef) != "Ana" || actions[0].Slot(SlotText) != "call went well" {
		t.Fatalf("pairs not decoded: %+v", actions[0].Slots)
	}
}

func TestParsePlanActionsNumericSlots(t *testing.T) {
	raw := `{"actions": [{"intent": "proposal_add_item", "slots": {"descricao": "licenses", "quantidade": 3, "preco_unitario": 99.9}}]}`
	actions, err := ParsePlanActions(raw)
	if err != nil {
		t.Fatalf("ParsePlanActions: %v", err)
	}
	if actions[0].Slot(SlotQuantity) != "3" {
		t.Fatalf("quantidade not stringified: %+v", actions[0].Slots)
	}
	if actions[0].Slot(SlotUnitPrice) != "99.9" {
		t.Fatalf("preco_unitario not stringified: %+v", actions[0].Slots)
	}
}

func TestParsePlanActionsUnknownIntentDropped(t *testing.T) {
	raw := `{"actions": [{"intent": "send_rocket"}, {"intent": "lead_list"}]}`
	actions, err := ParsePlanActions(raw)
	if err != nil {
		t.Fatalf("ParsePlanActions: %v", err)
	}
	if len(actions) != 1 || actions[0].Intent != IntentLeadList {
		t.Fatalf("unknown intent not dropped: %+v", actions)
	}
}

func TestParsePlanActionsEmptyList(t *testing.T) {
	actions, err := ParsePlanActions(`{"actions": []}`)
	if err != nil {
		t.Fatalf("ParsePlanActions: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no actions, got %+v", actions)
	}
}

func TestParsePlanActionsUnrecoverable(t *testing.T) {
	_, err := ParsePlanActions("I am sorry, I cannot produce a plan for that.")
	var parseErr *PlanParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected PlanParseError, got %v", err)
	}
}

func TestParsePlanActionsEmbeddedInProse(t *testing.T) {
	raw := `Sure! Based on the request the plan is {"actions": [{"intent": "lead_search", "slots": {"consulta": "acme"}}]} which covers everything.`
	actions, err := ParsePlanActions(raw)
	if err != nil {
		t.Fatalf("ParsePlanActions: %v", err)
	}
	if len(actions) != 1 || actions[0].Slot(SlotQuery) != "acme" {
		t.Fatalf("embedded object not recovered: %+v", actions)
	}
}
