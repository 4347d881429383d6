package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"designer/internal/domain"
)

// ErrApprovalNotFound is returned when resolving an approval that does not
// exist or is no longer pending.
var ErrApprovalNotFound = errors.New("approval not found")

// ApprovalStore keeps MCP approval requests in SQLite so a separate process
// (the CLI) can answer them.
type ApprovalStore struct {
	db *DB
}

func NewApprovalStore(db *DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

func (s *ApprovalStore) CreateApproval(a *domain.Approval) error {
	a.CreatedAt = time.Now().UTC()
	if a.Status == "" {
		a.Status = domain.ApprovalPending
	}
	if a.Metadata == "" {
		a.Metadata = "{}"
	}
	_, err := s.db.conn.Exec(
		`INSERT INTO mcp_approvals (id, tool, description, status, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Tool, a.Description, a.Status, a.Metadata, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *ApprovalStore) GetApproval(id string) (*domain.Approval, error) {
	a := &domain.Approval{}
	err := s.db.conn.QueryRow(
		`SELECT id, tool, description, status, metadata, created_at FROM mcp_approvals WHERE id = ?`, id,
	).Scan(&a.ID, &a.Tool, &a.Description, &a.Status, &a.Metadata, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get approval %s: %w", id, ErrApprovalNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

func (s *ApprovalStore) ListPending() ([]domain.Approval, error) {
	rows, err := s.db.conn.Query(
		`SELECT id, tool, description, status, metadata, created_at FROM mcp_approvals WHERE status = ? ORDER BY created_at ASC`,
		domain.ApprovalPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Approval
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(&a.ID, &a.Tool, &a.Description, &a.Status, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Resolve answers a pending approval.
func (s *ApprovalStore) Resolve(id string, approved bool) error {
	status := domain.ApprovalRejected
	if approved {
		status = domain.ApprovalApproved
	}
	res, err := s.db.conn.Exec(
		`UPDATE mcp_approvals SET status = ? WHERE id = ? AND status = ?`,
		status, id, domain.ApprovalPending,
	)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolve approval %s: %w", id, ErrApprovalNotFound)
	}
	return nil
}

func (s *ApprovalStore) DeleteApproval(id string) error {
	_, err := s.db.conn.Exec(`DELETE FROM mcp_approvals WHERE id = ?`, id)
	return err
}
