package crm

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var leadCols = []string{"id", "name", "email", "phone", "company", "status", "created_at", "updated_at"}

func leadRow(id, name, email, company string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(leadCols).AddRow(id, name, email, "", company, "new", now, now)
}

func TestResolveLeadByEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(`lower\(l\.email\) = lower\(\$1\)`).
		WithArgs("ana@acme.io").
		WillReturnRows(leadRow("11111111-1111-1111-1111-111111111111", "Ana", "ana@acme.io", "Acme"))

	l, err := st.ResolveLead(context.Background(), "ana@acme.io")
	if err != nil {
		t.Fatalf("ResolveLead: %v", err)
	}
	if l.Name != "Ana" {
		t.Fatalf("expected Ana, got %q", l.Name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResolveLeadAmbiguous(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	rows := sqlmock.NewRows(leadCols).
		AddRow("11111111-1111-1111-1111-111111111111", "Ana Silva", "", "", "Acme", "new", now, now).
		AddRow("22222222-2222-2222-2222-222222222222", "Ana Costa", "", "", "Beta", "new", now, now)
	mock.ExpectQuery(`l\.name ILIKE`).WithArgs("Ana").WillReturnRows(rows)

	_, err = st.ResolveLead(context.Background(), "Ana")
	var amb *AmbiguousLeadError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguousLeadError, got %v", err)
	}
	if len(amb.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(amb.Matches))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResolveLeadNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(`l\.name ILIKE`).WithArgs("Nobody").
		WillReturnRows(sqlmock.NewRows(leadCols))

	if _, err := st.ResolveLead(context.Background(), "Nobody"); !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
}

func TestCompleteTaskNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(`UPDATE lead_tasks SET done = TRUE`).
		WithArgs("33333333-3333-3333-3333-333333333333").
		WillReturnRows(sqlmock.NewRows([]string{"id", "lead_id", "title", "due_date", "done", "created_at", "completed_at"}))

	if _, err := st.CompleteTask(context.Background(), "33333333-3333-3333-3333-333333333333"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

var proposalCols = []string{"id", "lead_id", "title", "currency", "body_md", "subtotal", "discount", "tax", "total", "status", "created_at", "updated_at"}

// The json format produces a machine-readable document carrying the
// proposal head, the lead and every line item.
func TestExportProposalJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	proposalID := "55555555-5555-5555-5555-555555555555"
	leadID := "11111111-1111-1111-1111-111111111111"
	now := time.Now()
	mock.ExpectQuery(`FROM proposals WHERE id = \$1`).
		WithArgs(proposalID).
		WillReturnRows(sqlmock.NewRows(proposalCols).
			AddRow(proposalID, leadID, "Website redesign", "BRL", "Scope and milestones.", 3000.0, 0.0, 0.0, 3000.0, "draft", now, now))
	mock.ExpectQuery(`FROM proposal_items WHERE proposal_id = \$1 ORDER BY position`).
		WithArgs(proposalID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "proposal_id", "description", "quantity", "unit_price", "line_total", "position"}).
			AddRow("66666666-6666-6666-6666-666666666666", proposalID, "discovery workshop", 2.0, 1500.0, 3000.0, 1))
	mock.ExpectQuery(`FROM leads l JOIN lead_statuses`).
		WithArgs(leadID).
		WillReturnRows(leadRow(leadID, "Ana", "ana@acme.io", "Acme"))

	doc, err := st.ExportProposal(context.Background(), proposalID, "json")
	if err != nil {
		t.Fatalf("ExportProposal(json): %v", err)
	}

	var payload struct {
		ProposalID string  `json:"proposta_id"`
		Title      string  `json:"titulo"`
		Currency   string  `json:"moeda"`
		Total      float64 `json:"total"`
		BodyMD     string  `json:"corpo_md"`
		Lead       struct {
			Name    string `json:"nome"`
			Company string `json:"empresa"`
		} `json:"lead"`
		Items []struct {
			Description string  `json:"descricao"`
			Quantity    float64 `json:"quantidade"`
			UnitPrice   float64 `json:"preco_unitario"`
			Total       float64 `json:"total"`
		} `json:"itens"`
	}
	if err := json.Unmarshal([]byte(doc), &payload); err != nil {
		t.Fatalf("export is not valid JSON: %v\n%s", err, doc)
	}
	if payload.ProposalID != proposalID || payload.Title != "Website redesign" || payload.Currency != "BRL" || payload.Total != 3000.0 {
		t.Fatalf("proposal head mangled: %+v", payload)
	}
	if payload.Lead.Name != "Ana" || payload.Lead.Company != "Acme" {
		t.Fatalf("lead block mangled: %+v", payload.Lead)
	}
	if len(payload.Items) != 1 || payload.Items[0].Description != "discovery workshop" || payload.Items[0].Total != 3000.0 {
		t.Fatalf("items mangled: %+v", payload.Items)
	}
	if payload.BodyMD != "Scope and milestones." {
		t.Fatalf("body not exported: %q", payload.BodyMD)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExportProposalUnknownFormat(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if _, err := st.ExportProposal(context.Background(), "55555555-5555-5555-5555-555555555555", "pdf"); err == nil {
		t.Fatal("pdf export should be rejected")
	}
}

func TestRecalculateProposal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
UPDATE proposals SET
  subtotal = (SELECT COALESCE(SUM(line_total),0) FROM proposal_items WHERE proposal_id = $1),
  total = (SELECT COALESCE(SUM(line_total),0) FROM proposal_items WHERE proposal_id = $1) - discount + tax,
  updated_at = NOW()
WHERE id = $1
RETURNING subtotal, discount, tax, total`)
	mock.ExpectQuery(query).
		WithArgs("44444444-4444-4444-4444-444444444444").
		WillReturnRows(sqlmock.NewRows([]string{"subtotal", "discount", "tax", "total"}).AddRow(1500.0, 0.0, 0.0, 1500.0))

	totals, err := st.RecalculateProposal(context.Background(), "44444444-4444-4444-4444-444444444444")
	if err != nil {
		t.Fatalf("RecalculateProposal: %v", err)
	}
	if totals.Total != 1500.0 {
		t.Fatalf("expected total 1500, got %v", totals.Total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
