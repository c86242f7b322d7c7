package crm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Proposal is a commercial proposal attached to a lead.
type Proposal struct {
	ID        string
	LeadID    string
	Title     string
	Currency  string
	BodyMD    string
	Subtotal  float64
	Discount  float64
	Tax       float64
	Total     float64
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProposalItem is a single line of a proposal.
type ProposalItem struct {
	ID          string
	ProposalID  string
	Description string
	Quantity    float64
	UnitPrice   float64
	LineTotal   float64
	Position    int
}

// ProposalTotals is the result of recalculating a proposal.
type ProposalTotals struct {
	Subtotal float64
	Discount float64
	Tax      float64
	Total    float64
}

// DraftProposal creates an empty draft proposal for a lead.
func (s *Store) DraftProposal(ctx context.Context, leadID, title, currency string) (Proposal, error) {
	if currency == "" {
		currency = "BRL"
	}
	p := Proposal{LeadID: leadID, Title: strings.TrimSpace(title), Currency: currency, Status: ProposalStatusDraft}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO proposals (lead_id, title, currency, status) VALUES ($1, $2, $3, $4)
RETURNING id, created_at, updated_at`, leadID, p.Title, currency, p.Status).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetProposal fetches a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var p Proposal
	err := s.DB.QueryRowContext(ctx, `
SELECT id, lead_id, title, currency, COALESCE(body_md,''), subtotal, discount, tax, total, status, created_at, updated_at
FROM proposals WHERE id = $1`, id).Scan(
		&p.ID, &p.LeadID, &p.Title, &p.Currency, &p.BodyMD,
		&p.Subtotal, &p.Discount, &p.Tax, &p.Total, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, ErrProposalNotFound
	}
	return p, err
}

// LatestProposalForLead returns the lead's most recent proposal.
func (s *Store) LatestProposalForLead(ctx context.Context, leadID string) (Proposal, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
SELECT id FROM proposals WHERE lead_id = $1 ORDER BY created_at DESC LIMIT 1`, leadID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, ErrProposalNotFound
	}
	if err != nil {
		return Proposal{}, err
	}
	return s.GetProposal(ctx, id)
}

// AddProposalItem appends a line item; the line total is derived.
func (s *Store) AddProposalItem(ctx context.Context, proposalID, description string, quantity, unitPrice float64) (ProposalItem, error) {
	if quantity <= 0 {
		quantity = 1
	}
	it := ProposalItem{
		ProposalID:  proposalID,
		Description: strings.TrimSpace(description),
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		LineTotal:   quantity * unitPrice,
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO proposal_items (proposal_id, description, quantity, unit_price, line_total, position)
VALUES ($1, $2, $3, $4, $5, (SELECT COALESCE(MAX(position),0)+1 FROM proposal_items WHERE proposal_id=$1))
RETURNING id, position`, proposalID, it.Description, it.Quantity, it.UnitPrice, it.LineTotal).Scan(&it.ID, &it.Position)
	if err != nil {
		return ProposalItem{}, err
	}
	return it, nil
}

// ListProposalItems returns a proposal's items in line order.
func (s *Store) ListProposalItems(ctx context.Context, proposalID string) ([]ProposalItem, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, proposal_id, description, quantity, unit_price, line_total, position
FROM proposal_items WHERE proposal_id = $1 ORDER BY position`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProposalItem
	for rows.Next() {
		var it ProposalItem
		if err := rows.Scan(&it.ID, &it.ProposalID, &it.Description, &it.Quantity, &it.UnitPrice, &it.LineTotal, &it.Position); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// RecalculateProposal recomputes the subtotal from line items and the
// grand total as subtotal - discount + tax.
func (s *Store) RecalculateProposal(ctx context.Context, proposalID string) (ProposalTotals, error) {
	var t ProposalTotals
	err := s.DB.QueryRowContext(ctx, `
UPDATE proposals SET
  subtotal = (SELECT COALESCE(SUM(line_total),0) FROM proposal_items WHERE proposal_id = $1),
  total = (SELECT COALESCE(SUM(line_total),0) FROM proposal_items WHERE proposal_id = $1) - discount + tax,
  updated_at = NOW()
WHERE id = $1
RETURNING subtotal, discount, tax, total`, proposalID).Scan(&t.Subtotal, &t.Discount, &t.Tax, &t.Total)
	if errors.Is(err, sql.ErrNoRows) {
		return ProposalTotals{}, ErrProposalNotFound
	}
	return t, err
}

// ListProposals returns a lead's proposals, newest first.
func (s *Store) ListProposals(ctx context.Context, leadID string) ([]Proposal, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, lead_id, title, currency, COALESCE(body_md,''), subtotal, discount, tax, total, status, created_at, updated_at
FROM proposals WHERE lead_id = $1 ORDER BY created_at DESC`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Proposal
	for rows.Next() {
		var p Proposal
		if err := rows.Scan(&p.ID, &p.LeadID, &p.Title, &p.Currency, &p.BodyMD,
			&p.Subtotal, &p.Discount, &p.Tax, &p.Total, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProposalBody replaces the proposal's markdown body.
func (s *Store) UpdateProposalBody(ctx context.Context, proposalID, bodyMD string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE proposals SET body_md = $2, updated_at = NOW() WHERE id = $1`, proposalID, bodyMD)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProposalNotFound
	}
	return nil
}

// ExportProposal renders a proposal as a markdown document or a JSON
// payload, depending on format ("md"/"markdown" or "json").
func (s *Store) ExportProposal(ctx context.Context, proposalID, format string) (string, error) {
	if format == "" {
		format = "md"
	}
	if format != "md" && format != "markdown" && format != "json" {
		return "", fmt.Errorf("unsupported export format: %s", format)
	}
	p, err := s.GetProposal(ctx, proposalID)
	if err != nil {
		return "", err
	}
	items, err := s.ListProposalItems(ctx, proposalID)
	if err != nil {
		return "", err
	}
	lead, err := s.GetLead(ctx, p.LeadID)
	if err != nil {
		return "", err
	}

	if format == "json" {
		return exportJSON(p, lead, items)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Title)
	fmt.Fprintf(&b, "Prepared for: %s", lead.Name)
	if lead.Company != "" {
		fmt.Fprintf(&b, " (%s)", lead.Company)
	}
	b.WriteString("\n\n")
	if p.BodyMD != "" {
		b.WriteString(p.BodyMD)
		b.WriteString("\n\n")
	}
	if len(items) > 0 {
		b.WriteString("| Item | Qty | Unit | Total |\n|---|---|---|---|\n")
		for _, it := range items {
			fmt.Fprintf(&b, "| %s | %g | %.2f | %.2f |\n", it.Description, it.Quantity, it.UnitPrice, it.LineTotal)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Subtotal: %.2f %s\n", p.Subtotal, p.Currency)
	if p.Discount != 0 {
		fmt.Fprintf(&b, "Discount: %.2f %s\n", p.Discount, p.Currency)
	}
	if p.Tax != 0 {
		fmt.Fprintf(&b, "Tax: %.2f %s\n", p.Tax, p.Currency)
	}
	fmt.Fprintf(&b, "**Total: %.2f %s**\n", p.Total, p.Currency)
	return b.String(), nil
}

// proposalExport is the JSON export payload. Keys follow the agent's
// slot vocabulary so the document round-trips through tool calls.
type proposalExport struct {
	ProposalID string               `json:"proposta_id"`
	Title      string               `json:"titulo"`
	Currency   string               `json:"moeda"`
	Subtotal   float64              `json:"subtotal"`
	Discount   float64              `json:"desconto"`
	Tax        float64              `json:"imposto"`
	Total      float64              `json:"total"`
	BodyMD     string               `json:"corpo_md,omitempty"`
	Lead       proposalExportLead   `json:"lead"`
	Items      []proposalExportItem `json:"itens"`
}

type proposalExportLead struct {
	Name    string `json:"nome"`
	Company string `json:"empresa,omitempty"`
}

type proposalExportItem struct {
	Description string  `json:"descricao"`
	Quantity    float64 `json:"quantidade"`
	UnitPrice   float64 `json:"preco_unitario"`
	Total       float64 `json:"total"`
}

func exportJSON(p Proposal, lead Lead, items []ProposalItem) (string, error) {
	doc := proposalExport{
		ProposalID: p.ID,
		Title:      p.Title,
		Currency:   p.Currency,
		Subtotal:   p.Subtotal,
		Discount:   p.Discount,
		Tax:        p.Tax,
		Total:      p.Total,
		BodyMD:     p.BodyMD,
		Lead:       proposalExportLead{Name: lead.Name, Company: lead.Company},
		Items:      make([]proposalExportItem, 0, len(items)),
	}
	for _, it := range items {
		doc.Items = append(doc.Items, proposalExportItem{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Total:       it.LineTotal,
		})
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
