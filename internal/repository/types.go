package repository

import (
	"context"
	"time"

	"github.com/edusuite/be-approvals/internal/workflow"
)

// ── Domain types ─────────────────────────────────────────────────────────────

// Well-known request types. The column is plain text so tenants can add
// their own types without a migration.
const (
	RequestTypeLeave         = "leave"
	RequestTypeRecruitment   = "recruitment"
	RequestTypeExpense       = "expense"
	RequestTypeFeeAssignment = "fee_assignment"
	RequestTypePolicy        = "policy"
)

// ApprovalRequest is one request moving through its approval chain. The
// chain is frozen at creation; Version guards against concurrent writers.
type ApprovalRequest struct {
	ID            string
	TenantID      string
	RequestType   string
	Payload       map[string]any
	State         workflow.State
	CurrentLevel  int
	RequiredChain []string
	Version       int
	CreatedBy     string
	Notes         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	History       []*TransitionRecord
}

// Snapshot builds the view the state machine guards operate on.
func (r *ApprovalRequest) Snapshot() workflow.Snapshot {
	return workflow.Snapshot{
		State:        r.State,
		CurrentLevel: r.CurrentLevel,
		Chain:        r.RequiredChain,
		CreatedBy:    r.CreatedBy,
	}
}

// TransitionRecord is one decision taken against a request. History rows are
// append-only.
type TransitionRecord struct {
	ID        string
	RequestID string
	TenantID  string
	Level     int
	ActorID   string
	ActorRole string
	Decision  workflow.Decision
	Notes     *string
	CreatedAt time.Time
}

// AuditEntry is one immutable row in the audit log. Unlike history it also
// records submission, and it carries before/after state plus free-form
// metadata.
type AuditEntry struct {
	ID          string
	RequestID   string
	TenantID    string
	Action      string // submitted | approved | rejected | cancelled
	PerformedBy string
	PerformedAt time.Time
	StateBefore *string
	StateAfter  *string
	Metadata    map[string]any
}

// ApprovalRuleStep is one entry in a rule's chain column.
type ApprovalRuleStep struct {
	Step int    `json:"step"`
	Role string `json:"role"`
}

// ApprovalRule is a per-tenant routing rule. Rules are evaluated in priority
// order; the first match supplies the approval chain. An escalation role is
// appended when the payload amount reaches EscalateAbove.
type ApprovalRule struct {
	ID             string
	TenantID       string
	RuleName       string
	RequestType    string
	IsActive       bool
	MinAmount      *int64 // cents; nil = no lower bound
	MaxAmount      *int64 // cents; nil = no upper bound (exclusive when set)
	Chain          []ApprovalRuleStep
	EscalateAbove  *int64
	EscalationRole *string
	Priority       int // lower = evaluated first
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ListFilter narrows List results. Page is 1-based.
type ListFilter struct {
	State       *string
	RequestType *string
	Page        int
	PageSize    int
}

// ── Store contracts ──────────────────────────────────────────────────────────

// ApprovalStore persists requests and applies transitions atomically. Create
// and ApplyTransition write the matching audit entry in the same transaction;
// a failed audit write aborts the whole operation.
type ApprovalStore interface {
	// Create inserts the request and its submission audit entry.
	Create(ctx context.Context, req *ApprovalRequest, audit *AuditEntry) error

	// GetByID returns the request with its history, scoped to the tenant.
	GetByID(ctx context.Context, tenantID, id string) (*ApprovalRequest, error)

	// List returns a page of requests plus the total count for the filter.
	List(ctx context.Context, tenantID string, f ListFilter) ([]*ApprovalRequest, int, error)

	// ListPendingForRole returns open requests whose current level requires
	// the given role.
	ListPendingForRole(ctx context.Context, tenantID, role string) ([]*ApprovalRequest, error)

	// ApplyTransition moves the request to newState/newLevel, appends the
	// transition record and the audit entry in one transaction. The update
	// is conditional on req.Version: a stale version fails with CONFLICT
	// and nothing is written.
	ApplyTransition(ctx context.Context, req *ApprovalRequest, rec *TransitionRecord, audit *AuditEntry, newState workflow.State, newLevel int) error
}

// AuditStore reads the immutable audit trail.
type AuditStore interface {
	GetByRequestID(ctx context.Context, tenantID, requestID string) ([]*AuditEntry, error)
}

// RuleStore persists per-tenant approval rules.
type RuleStore interface {
	Create(ctx context.Context, rule *ApprovalRule) error
	List(ctx context.Context, tenantID string, activeOnly bool) ([]*ApprovalRule, error)
	// ListActiveForType returns active rules for the request type ordered by
	// priority, then name, so evaluation is deterministic.
	ListActiveForType(ctx context.Context, tenantID, requestType string) ([]*ApprovalRule, error)
	Delete(ctx context.Context, tenantID, id string) error
}
