package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/edusuite/be-approvals/internal/database"
	"github.com/edusuite/be-approvals/internal/errors"
)

// PostgresRuleStore handles CRUD for approval_rules.
type PostgresRuleStore struct {
	db *database.DB
}

// NewPostgresRuleStore creates a new PostgresRuleStore.
func NewPostgresRuleStore(db *database.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

// Create inserts a new approval rule.
func (r *PostgresRuleStore) Create(ctx context.Context, rule *ApprovalRule) error {
	chainJSON, err := json.Marshal(rule.Chain)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule chain")
	}

	query := `
		INSERT INTO approval_rules
		    (tenant_id, rule_name, request_type, is_active,
		     min_amount, max_amount, chain,
		     escalate_above, escalation_role, priority)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		rule.TenantID,
		rule.RuleName,
		rule.RequestType,
		rule.IsActive,
		rule.MinAmount,
		rule.MaxAmount,
		chainJSON,
		rule.EscalateAbove,
		rule.EscalationRole,
		rule.Priority,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

// List returns all rules for a tenant, optionally active only.
func (r *PostgresRuleStore) List(ctx context.Context, tenantID string, activeOnly bool) ([]*ApprovalRule, error) {
	query := `
		SELECT id, tenant_id, rule_name, request_type, is_active,
		       min_amount, max_amount, chain,
		       escalate_above, escalation_role, priority,
		       created_at, updated_at
		FROM approval_rules
		WHERE tenant_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY priority ASC, rule_name ASC"

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	return scanRuleRows(rows)
}

// ListActiveForType returns active rules for one request type in evaluation
// order (priority, then name).
func (r *PostgresRuleStore) ListActiveForType(ctx context.Context, tenantID, requestType string) ([]*ApprovalRule, error) {
	query := `
		SELECT id, tenant_id, rule_name, request_type, is_active,
		       min_amount, max_amount, chain,
		       escalate_above, escalation_role, priority,
		       created_at, updated_at
		FROM approval_rules
		WHERE tenant_id = $1
		  AND request_type = $2
		  AND is_active = TRUE
		ORDER BY priority ASC, rule_name ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, requestType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	return scanRuleRows(rows)
}

// Delete removes an approval rule. Existing requests keep the chain frozen
// at creation, so deleting a rule never rewrites in-flight approvals.
func (r *PostgresRuleStore) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM approval_rules WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_rule", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanRuleRows(rows pgx.Rows) ([]*ApprovalRule, error) {
	var rules []*ApprovalRule
	for rows.Next() {
		rule := &ApprovalRule{}
		var chainJSON []byte

		err := rows.Scan(
			&rule.ID,
			&rule.TenantID,
			&rule.RuleName,
			&rule.RequestType,
			&rule.IsActive,
			&rule.MinAmount,
			&rule.MaxAmount,
			&chainJSON,
			&rule.EscalateAbove,
			&rule.EscalationRole,
			&rule.Priority,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		if err := json.Unmarshal(chainJSON, &rule.Chain); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule chain")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
