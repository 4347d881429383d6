package domain

import "time"

// ApprovalStatus is the state of a destructive action awaiting a human.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is a destructive MCP tool call waiting for the user's decision.
type Approval struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Description string         `json:"description"`
	Status      ApprovalStatus `json:"status"`
	Metadata    string         `json:"metadata"` // JSON with extra context (e.g. project ID)
	CreatedAt   time.Time      `json:"createdAt"`
}
