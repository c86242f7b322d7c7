package crm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store wraps the Postgres connection for all CRM entities.
type Store struct {
	DB *sql.DB
}

// Proposal statuses persisted in the proposals table.
const (
	ProposalStatusDraft    = "draft"
	ProposalStatusSent     = "sent"
	ProposalStatusAccepted = "accepted"
	ProposalStatusRejected = "rejected"
)

// DefaultLeadStatus is assigned to newly created leads.
const DefaultLeadStatus = "new"

var (
	ErrLeadNotFound     = errors.New("lead not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrNoOpenTasks      = errors.New("lead has no open tasks")
	ErrProposalNotFound = errors.New("proposal not found")
	ErrDuplicateEmail   = errors.New("a lead with this email already exists")
)

// AmbiguousLeadError is returned when a textual reference matches more
// than one lead. Matches carries the candidates for disambiguation.
type AmbiguousLeadError struct {
	Ref     string
	Matches []Lead
}

func (e *AmbiguousLeadError) Error() string {
	return fmt.Sprintf("reference %q matches %d leads", e.Ref, len(e.Matches))
}

// Lead is a CRM lead row.
type Lead struct {
	ID        string
	Name      string
	Email     string
	Phone     string
	Company   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeadInput carries the fields accepted when creating a lead.
type LeadInput struct {
	Name    string
	Email   string
	Phone   string
	Company string
	Status  string
}

// LeadUpdate carries optional field updates; nil means leave unchanged.
type LeadUpdate struct {
	Name    *string
	Email   *string
	Phone   *string
	Company *string
	Status  *string
}

// LeadStatus is a row of the lead status catalog.
type LeadStatus struct {
	ID        int64
	Name      string
	SortOrder int
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

const leadColumns = `l.id, l.name, COALESCE(l.email,''), COALESCE(l.phone,''), COALESCE(l.company,''), s.name, l.created_at, l.updated_at`

func scanLead(row interface{ Scan(...interface{}) error }) (Lead, error) {
	var l Lead
	err := row.Scan(&l.ID, &l.Name, &l.Email, &l.Phone, &l.Company, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

// CreateLead inserts a lead with the default status unless one is given.
func (s *Store) CreateLead(ctx context.Context, in LeadInput) (Lead, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Lead{}, fmt.Errorf("lead name must be provided")
	}
	status := in.Status
	if status == "" {
		status = DefaultLeadStatus
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO leads (name, email, phone, company, status_id)
VALUES ($1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''), (SELECT id FROM lead_statuses WHERE name=$5))
RETURNING id`,
		strings.TrimSpace(in.Name), strings.TrimSpace(in.Email), strings.TrimSpace(in.Phone), strings.TrimSpace(in.Company), status,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return Lead{}, ErrDuplicateEmail
		}
		return Lead{}, err
	}
	return s.GetLead(ctx, id)
}

// GetLead fetches a lead by its UUID.
func (s *Store) GetLead(ctx context.Context, id string) (Lead, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+leadColumns+`
FROM leads l JOIN lead_statuses s ON s.id = l.status_id
WHERE l.id = $1`, id)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lead{}, ErrLeadNotFound
	}
	return l, err
}

// ResolveLead turns a free-form reference into a single lead. The
// reference may be a UUID, an email address, a phone number or a
// name/company fragment. A fragment matching several leads yields
// an AmbiguousLeadError carrying the candidates.
func (s *Store) ResolveLead(ctx context.Context, ref string) (Lead, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Lead{}, ErrLeadNotFound
	}

	if _, err := uuid.Parse(ref); err == nil {
		return s.GetLead(ctx, ref)
	}

	if strings.Contains(ref, "@") {
		row := s.DB.QueryRowContext(ctx, `
SELECT `+leadColumns+`
FROM leads l JOIN lead_statuses s ON s.id = l.status_id
WHERE lower(l.email) = lower($1)`, ref)
		l, err := scanLead(row)
		if errors.Is(err, sql.ErrNoRows) {
			return Lead{}, ErrLeadNotFound
		}
		return l, err
	}

	if digits := digitsOf(ref); len(digits) >= 8 {
		row := s.DB.QueryRowContext(ctx, `
SELECT `+leadColumns+`
FROM leads l JOIN lead_statuses s ON s.id = l.status_id
WHERE regexp_replace(COALESCE(l.phone,''), '\D', '', 'g') LIKE '%' || $1`, digits)
		l, err := scanLead(row)
		if errors.Is(err, sql.ErrNoRows) {
			return Lead{}, ErrLeadNotFound
		}
		return l, err
	}

	rows, err := s.DB.QueryContext(ctx, `
SELECT `+leadColumns+`
FROM leads l JOIN lead_statuses s ON s.id = l.status_id
WHERE l.name ILIKE '%' || $1 || '%' OR l.company ILIKE '%' || $1 || '%'
ORDER BY l.created_at DESC
LIMIT 10`, ref)
	if err != nil {
		return Lead{}, err
	}
	defer rows.Close()
	var matches []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return Lead{}, err
		}
		matches = append(matches, l)
	}
	if err := rows.Err(); err != nil {
		return Lead{}, err
	}
	switch len(matches) {
	case 0:
		return Lead{}, ErrLeadNotFound
	case 1:
		return matches[0], nil
	default:
		return Lead{}, &AmbiguousLeadError{Ref: ref, Matches: matches}
	}
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SearchLeads finds leads whose name, email or company matches the query.
func (s *Store) SearchLeads(ctx context.Context, query string, limit, offset int) ([]Lead, int, error) {
	if limit <= 0 {
		limit = 20
	}
	var total int
	if err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM leads l
WHERE l.name ILIKE '%' || $1 || '%' OR l.email ILIKE '%' || $1 || '%' OR l.company ILIKE '%' || $1 || '%'`,
		query).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+leadColumns+`
FROM leads l JOIN lead_statuses s ON s.id = l.status_id
WHERE l.name ILIKE '%' || $1 || '%' OR l.email ILIKE '%' || $1 || '%' OR l.company ILIKE '%' || $1 || '%'
ORDER BY l.created_at DESC
LIMIT $2 OFFSET $3`, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

// ListLeads returns leads ordered by recency.
func (s *Store) ListLeads(ctx context.Context, limit, offset int) ([]Lead, int, error) {
	if limit <= 0 {
		limit = 20
	}
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+leadColumns+`
FROM leads l JOIN lead_statuses s ON s.id = l.status_id
ORDER BY l.created_at DESC
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

// UpdateLead applies the non-nil fields of upd to the lead.
func (s *Store) UpdateLead(ctx context.Context, id string, upd LeadUpdate) (Lead, error) {
	sets := []string{}
	args := []interface{}{}
	add := func(expr string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if upd.Name != nil {
		add("name = $%d", *upd.Name)
	}
	if upd.Email != nil {
		add("email = NULLIF($%d,'')", *upd.Email)
	}
	if upd.Phone != nil {
		add("phone = NULLIF($%d,'')", *upd.Phone)
	}
	if upd.Company != nil {
		add("company = NULLIF($%d,'')", *upd.Company)
	}
	if upd.Status != nil {
		add("status_id = (SELECT id FROM lead_statuses WHERE name=$%d)", *upd.Status)
	}
	if len(sets) == 0 {
		return s.GetLead(ctx, id)
	}
	args = append(args, id)
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(
		`UPDATE leads SET %s, updated_at = NOW() WHERE id = $%d`,
		strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return Lead{}, ErrDuplicateEmail
		}
		return Lead{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Lead{}, ErrLeadNotFound
	}
	return s.GetLead(ctx, id)
}

// ListLeadStatuses returns the status catalog in display order.
func (s *Store) ListLeadStatuses(ctx context.Context) ([]LeadStatus, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, sort_order FROM lead_statuses ORDER BY sort_order, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LeadStatus
	for rows.Next() {
		var st LeadStatus
		if err := rows.Scan(&st.ID, &st.Name, &st.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
