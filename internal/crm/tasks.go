package crm

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Note is a free-text annotation attached to a lead.
type Note struct {
	ID        string
	LeadID    string
	Body      string
	CreatedAt time.Time
}

// Task is a follow-up item attached to a lead.
type Task struct {
	ID          string
	LeadID      string
	Title       string
	DueDate     *time.Time
	Done        bool
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	LeadID   string
	OnlyOpen bool
	Limit    int
	Offset   int
}

// AddNote attaches a note to a lead.
func (s *Store) AddNote(ctx context.Context, leadID, body string) (Note, error) {
	body = strings.TrimSpace(body)
	n := Note{LeadID: leadID, Body: body}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO lead_notes (lead_id, body) VALUES ($1, $2)
RETURNING id, created_at`, leadID, body).Scan(&n.ID, &n.CreatedAt)
	return n, err
}

// ListNotes returns a lead's notes, newest first.
func (s *Store) ListNotes(ctx context.Context, leadID string, limit, offset int) ([]Note, int, error) {
	if limit <= 0 {
		limit = 20
	}
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM lead_notes WHERE lead_id=$1`, leadID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, lead_id, body, created_at FROM lead_notes
WHERE lead_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, leadID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.LeadID, &n.Body, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

// CreateTask creates an open task for a lead. due may be nil.
func (s *Store) CreateTask(ctx context.Context, leadID, title string, due *time.Time) (Task, error) {
	t := Task{LeadID: leadID, Title: strings.TrimSpace(title), DueDate: due}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO lead_tasks (lead_id, title, due_date) VALUES ($1, $2, $3)
RETURNING id, created_at`, leadID, t.Title, due).Scan(&t.ID, &t.CreatedAt)
	return t, err
}

// CompleteTask marks a task done. Completing an already-done task is a no-op
// that still returns the task.
func (s *Store) CompleteTask(ctx context.Context, taskID string) (Task, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE lead_tasks SET done = TRUE, completed_at = COALESCE(completed_at, NOW())
WHERE id = $1
RETURNING id, lead_id, title, due_date, done, created_at, completed_at`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	return t, err
}

// LatestOpenTask returns the most recently created open task for a lead.
func (s *Store) LatestOpenTask(ctx context.Context, leadID string) (Task, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, lead_id, title, due_date, done, created_at, completed_at FROM lead_tasks
WHERE lead_id = $1 AND NOT done
ORDER BY created_at DESC LIMIT 1`, leadID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNoOpenTasks
	}
	return t, err
}

// ListTasks returns tasks matching the filter, open before done, soonest due first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	where := `WHERE ($1 = '' OR lead_id::text = $1) AND (NOT $2::bool OR NOT done)`
	var total int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lead_tasks `+where, f.LeadID, f.OnlyOpen).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, lead_id, title, due_date, done, created_at, completed_at FROM lead_tasks
`+where+`
ORDER BY done, due_date NULLS LAST, created_at DESC
LIMIT $3 OFFSET $4`, f.LeadID, f.OnlyOpen, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// ListOverdueTasks returns open tasks whose due date is before the cutoff.
func (s *Store) ListOverdueTasks(ctx context.Context, cutoff time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, lead_id, title, due_date, done, created_at, completed_at FROM lead_tasks
WHERE NOT done AND due_date IS NOT NULL AND due_date < $1
ORDER BY due_date
LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row interface{ Scan(...interface{}) error }) (Task, error) {
	var t Task
	var due, completed sql.NullTime
	if err := row.Scan(&t.ID, &t.LeadID, &t.Title, &due, &t.Done, &t.CreatedAt, &completed); err != nil {
		return Task{}, err
	}
	if due.Valid {
		d := due.Time
		t.DueDate = &d
	}
	if completed.Valid {
		c := completed.Time
		t.CompletedAt = &c
	}
	return t, nil
}
