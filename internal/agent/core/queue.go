package core

import (
	"log"
	"time"
)

// ActionQueue holds the turn's pending actions in FIFO order and the
// fingerprints of everything already queued or executed. An action
// whose fingerprint was seen before is silently dropped, which makes
// re-plan loops safe.
type ActionQueue struct {
	items    []PlanAction
	seen     map[Fingerprint]struct{}
	executed []PlanAction
	logger   *log.Logger
}

// SeedDefaults are filled into actions that omit them.
type SeedDefaults struct {
	LeadRef  string
	Currency string
	Now      time.Time
}

// NewActionQueue creates an empty queue.
func NewActionQueue() *ActionQueue {
	return &ActionQueue{
		seen:   make(map[Fingerprint]struct{}),
		logger: log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
}

// Seed normalizes and enqueues a batch of actions, returning how many
// were accepted. Within the batch a lead_create is moved ahead of any
// lead-scoped action that has no lead reference yet, so a brand-new
// lead exists before work that needs it.
func (q *ActionQueue) Seed(actions []PlanAction, defaults SeedDefaults) int {
	batch := make([]PlanAction, 0, len(actions))
	for _, a := range actions {
		batch = append(batch, q.normalize(a, defaults))
	}
	batch = frontRunLeadCreate(batch)

	accepted := 0
	for _, a := range batch {
		fp := a.Fingerprint()
		if _, dup := q.seen[fp]; dup {
			q.logger.Printf("dropping duplicate action %s", a.Intent)
			continue
		}
		q.seen[fp] = struct{}{}
		q.items = append(q.items, a)
		accepted++
	}
	return accepted
}

// normalize applies slot defaults and resolves relative due dates at
// the moment the action enters the queue.
func (q *ActionQueue) normalize(a PlanAction, defaults SeedDefaults) PlanAction {
	if a.Intent.RequiresLead() && a.Slot(SlotLeadRef) == "" && defaults.LeadRef != "" {
		a = a.WithSlot(SlotLeadRef, defaults.LeadRef)
	}
	if a.Intent == IntentProposalDraft && a.Slot(SlotCurrency) == "" && defaults.Currency != "" {
		a = a.WithSlot(SlotCurrency, defaults.Currency)
	}
	if raw := a.Slot(SlotDueDate); raw != "" {
		now := defaults.Now
		if now.IsZero() {
			now = time.Now()
		}
		if iso, ok := NormalizeDueDate(raw, now); ok {
			if iso != raw {
				a = a.WithSlot(SlotDueDate, iso)
			}
		} else {
			q.logger.Printf("dropping unusable due date %q on %s", raw, a.Intent)
			a = a.withoutSlot(SlotDueDate)
		}
	}
	return a
}

func (a PlanAction) withoutSlot(key string) PlanAction {
	if _, ok := a.Slots[key]; !ok {
		return a
	}
	slots := make(map[string]string, len(a.Slots))
	for k, v := range a.Slots {
		if k != key {
			slots[k] = v
		}
	}
	return PlanAction{Intent: a.Intent, Slots: slots}
}

// frontRunLeadCreate moves the first lead_create ahead of earlier
// lead-scoped actions lacking a lead reference.
func frontRunLeadCreate(batch []PlanAction) []PlanAction {
	createIdx := -1
	for i, a := range batch {
		if a.Intent == IntentLeadCreate {
			createIdx = i
			break
		}
	}
	if createIdx <= 0 {
		return batch
	}
	needsLead := false
	for _, a := range batch[:createIdx] {
		if a.Intent.RequiresLead() && a.Slot(SlotLeadRef) == "" {
			needsLead = true
			break
		}
	}
	if !needsLead {
		return batch
	}
	reordered := make([]PlanAction, 0, len(batch))
	reordered = append(reordered, batch[createIdx])
	reordered = append(reordered, batch[:createIdx]...)
	reordered = append(reordered, batch[createIdx+1:]...)
	return reordered
}

// Pop removes and returns the next pending action.
func (q *ActionQueue) Pop() (PlanAction, bool) {
	if len(q.items) == 0 {
		return PlanAction{}, false
	}
	a := q.items[0]
	q.items = q.items[1:]
	return a, true
}

// Len returns the number of pending actions.
func (q *ActionQueue) Len() int { return len(q.items) }

// MarkExecuted records a dispatched action in the executed ledger.
func (q *ActionQueue) MarkExecuted(a PlanAction) {
	q.executed = append(q.executed, a)
}

// Executed returns the actions dispatched so far this turn.
func (q *ActionQueue) Executed() []PlanAction { return q.executed }

// InjectSlot sets a slot on every pending action the predicate selects
// that does not carry it yet. Injection is forward-only: executed
// actions are never touched.
func (q *ActionQueue) InjectSlot(key, value string, match func(PlanAction) bool) {
	if value == "" {
		return
	}
	for i, a := range q.items {
		if match(a) && a.Slot(key) == "" {
			q.items[i] = a.WithSlot(key, value)
		}
	}
}
