package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/edusuite/be-approvals/internal/database"
	"github.com/edusuite/be-approvals/internal/errors"
	"github.com/edusuite/be-approvals/internal/workflow"
)

// PostgresApprovalStore persists approval requests, their transition history
// and the audit entries that accompany every write. A request write and its
// transition/audit rows always commit in one transaction.
type PostgresApprovalStore struct {
	db *database.DB
}

// NewPostgresApprovalStore creates a new PostgresApprovalStore.
func NewPostgresApprovalStore(db *database.DB) *PostgresApprovalStore {
	return &PostgresApprovalStore{db: db}
}

// Create inserts the request and its submission audit entry in one transaction.
func (r *PostgresApprovalStore) Create(ctx context.Context, req *ApprovalRequest, audit *AuditEntry) error {
	payloadJSON, chainJSON, err := marshalRequestColumns(req)
	if err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_requests
			    (tenant_id, request_type, payload, state,
			     current_level, required_chain, version, created_by, notes)
			VALUES ($1, $2, $3, $4::approval_state,
			        $5, $6, $7, $8, $9)
			RETURNING id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			req.TenantID,
			req.RequestType,
			payloadJSON,
			req.State,
			req.CurrentLevel,
			chainJSON,
			req.Version,
			req.CreatedBy,
			req.Notes,
		).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
		}

		audit.RequestID = req.ID
		audit.TenantID = req.TenantID
		return insertAudit(ctx, tx, audit)
	})
}

// GetByID retrieves a request with its full transition history.
func (r *PostgresApprovalStore) GetByID(ctx context.Context, tenantID, id string) (*ApprovalRequest, error) {
	query := `
		SELECT id, tenant_id, request_type, payload, state,
		       current_level, required_chain, version,
		       created_by, notes, created_at, updated_at
		FROM approval_requests
		WHERE tenant_id = $1 AND id = $2
	`

	req, err := scanRequest(r.db.QueryRow(ctx, query, tenantID, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, err
	}

	history, err := r.historyFor(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	req.History = history
	return req, nil
}

// List returns a page of requests plus the total count for the filter.
func (r *PostgresApprovalStore) List(ctx context.Context, tenantID string, f ListFilter) ([]*ApprovalRequest, int, error) {
	where := "WHERE tenant_id = $1"
	args := []any{tenantID}

	if f.State != nil {
		args = append(args, *f.State)
		where += fmt.Sprintf(" AND state = $%d::approval_state", len(args))
	}
	if f.RequestType != nil {
		args = append(args, *f.RequestType)
		where += fmt.Sprintf(" AND request_type = $%d", len(args))
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM approval_requests " + where
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approval requests")
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	args = append(args, pageSize, (page-1)*pageSize)

	query := fmt.Sprintf(`
		SELECT id, tenant_id, request_type, payload, state,
		       current_level, required_chain, version,
		       created_by, notes, created_at, updated_at
		FROM approval_requests
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	reqs, err := scanRequestRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return reqs, total, nil
}

// ListPendingForRole returns open requests whose current level requires the
// given role, oldest first.
func (r *PostgresApprovalStore) ListPendingForRole(ctx context.Context, tenantID, role string) ([]*ApprovalRequest, error) {
	query := `
		SELECT id, tenant_id, request_type, payload, state,
		       current_level, required_chain, version,
		       created_by, notes, created_at, updated_at
		FROM approval_requests
		WHERE tenant_id = $1
		  AND state IN ('pending', 'in_review')
		  AND required_chain ->> current_level = $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, role)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return scanRequestRows(rows)
}

// ApplyTransition commits the state update, the transition record and the
// audit entry together. The UPDATE is conditional on the version the caller
// read; losing a race surfaces as CONFLICT with nothing written.
func (r *PostgresApprovalStore) ApplyTransition(
	ctx context.Context,
	req *ApprovalRequest,
	rec *TransitionRecord,
	audit *AuditEntry,
	newState workflow.State,
	newLevel int,
) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		update := `
			UPDATE approval_requests
			SET state         = $4::approval_state,
			    current_level = $5,
			    version       = version + 1,
			    updated_at    = NOW()
			WHERE tenant_id = $1 AND id = $2 AND version = $3
			RETURNING version, updated_at
		`

		err := tx.QueryRow(ctx, update,
			req.TenantID, req.ID, req.Version, newState, newLevel,
		).Scan(&req.Version, &req.UpdatedAt)
		if err == pgx.ErrNoRows {
			return r.classifyMissedUpdate(ctx, tx, req)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
		}

		insert := `
			INSERT INTO approval_transitions
			    (request_id, tenant_id, level, actor_id, actor_role, decision, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at
		`

		rec.RequestID = req.ID
		rec.TenantID = req.TenantID
		err = tx.QueryRow(ctx, insert,
			rec.RequestID, rec.TenantID, rec.Level,
			rec.ActorID, rec.ActorRole, rec.Decision, rec.Notes,
		).Scan(&rec.ID, &rec.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append transition record")
		}

		audit.RequestID = req.ID
		audit.TenantID = req.TenantID
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}

		req.State = newState
		req.CurrentLevel = newLevel
		req.History = append(req.History, rec)
		return nil
	})
}

// classifyMissedUpdate tells a vanished row apart from a lost version race.
func (r *PostgresApprovalStore) classifyMissedUpdate(ctx context.Context, tx pgx.Tx, req *ApprovalRequest) error {
	var version int
	err := tx.QueryRow(ctx,
		`SELECT version FROM approval_requests WHERE tenant_id = $1 AND id = $2`,
		req.TenantID, req.ID,
	).Scan(&version)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_request", req.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to re-read approval request")
	}
	return errors.Newf(errors.ErrCodeConflict,
		"approval request %s was modified concurrently (version %d, read %d)",
		req.ID, version, req.Version)
}

func (r *PostgresApprovalStore) historyFor(ctx context.Context, tenantID, requestID string) ([]*TransitionRecord, error) {
	query := `
		SELECT id, request_id, tenant_id, level, actor_id, actor_role, decision, notes, created_at
		FROM approval_transitions
		WHERE tenant_id = $1 AND request_id = $2
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get transition history")
	}
	defer rows.Close()

	var history []*TransitionRecord
	for rows.Next() {
		rec := &TransitionRecord{}
		err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.TenantID, &rec.Level,
			&rec.ActorID, &rec.ActorRole, &rec.Decision, &rec.Notes, &rec.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan transition record")
		}
		history = append(history, rec)
	}
	return history, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalRequestColumns(req *ApprovalRequest) (payload, chain []byte, err error) {
	if req.Payload != nil {
		payload, err = json.Marshal(req.Payload)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request payload")
		}
	}
	chain, err = json.Marshal(req.RequiredChain)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval chain")
	}
	return payload, chain, nil
}

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var payloadJSON, chainJSON []byte

	err := row.Scan(
		&req.ID,
		&req.TenantID,
		&req.RequestType,
		&payloadJSON,
		&req.State,
		&req.CurrentLevel,
		&chainJSON,
		&req.Version,
		&req.CreatedBy,
		&req.Notes,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &req.Payload); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal request payload")
		}
	}
	if err := json.Unmarshal(chainJSON, &req.RequiredChain); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval chain")
	}
	return req, nil
}

func scanRequestRows(rows pgx.Rows) ([]*ApprovalRequest, error) {
	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
