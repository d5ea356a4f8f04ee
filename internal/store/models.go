package store

import (
	"encoding/json"
	"time"
)

// Contract statuses. Contracts are never hard-deleted; archiving is a soft
// state alongside the workflow status.
const (
	StatusDraft    = "draft"
	StatusInReview = "in_review"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusSigned   = "signed"
	StatusExpired  = "expired"
)

// Approval statuses. pending is the only non-terminal state.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

type Contract struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Status              string     `json:"status"`
	LatestVersionNumber int        `json:"latestVersionNumber"`
	Owner               string     `json:"owner"`
	ArchivedAt          *time.Time `json:"archivedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Snapshot is one immutable row of a contract's version ledger. Rows are
// never updated or deleted; a restore writes a new row.
type Snapshot struct {
	ID                string          `json:"id"`
	ContractID        string          `json:"contractId"`
	VersionNumber     int             `json:"versionNumber"`
	ContentStructured json.RawMessage `json:"contentStructured,omitempty"`
	ContentText       string          `json:"contentText"`
	RawState          []byte          `json:"-"`
	CreatedBy         string          `json:"createdBy"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Approval pins one reviewer's decision to one specific snapshot. The only
// mutation ever applied is the single pending → approved/rejected flip.
type Approval struct {
	ID         string     `json:"id"`
	ContractID string     `json:"contractId"`
	VersionID  string     `json:"versionId"`
	ApproverID string     `json:"approverId"`
	Status     string     `json:"status"`
	Comment    string     `json:"comment,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	DecidedAt  *time.Time `json:"decidedAt,omitempty"`
}
