package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/edusuite/be-approvals/internal/database"
	"github.com/edusuite/be-approvals/internal/errors"
)

// PostgresAuditStore reads the immutable audit log. Writes happen through
// insertAudit inside the request store's transactions — the audit table has
// a delete-prevention trigger, so append is the only mutation that exists.
type PostgresAuditStore struct {
	db *database.DB
}

// NewPostgresAuditStore creates a new PostgresAuditStore.
func NewPostgresAuditStore(db *database.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

// insertAudit appends one audit entry within the caller's transaction. An
// error here rolls back the whole transition.
func insertAudit(ctx context.Context, tx pgx.Tx, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (request_id, tenant_id, action, performed_by,
		     state_before, state_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, performed_at
	`

	err := tx.QueryRow(ctx, query,
		entry.RequestID,
		entry.TenantID,
		entry.Action,
		entry.PerformedBy,
		entry.StateBefore,
		entry.StateAfter,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// GetByRequestID returns the audit trail for a request, oldest first.
func (r *PostgresAuditStore) GetByRequestID(ctx context.Context, tenantID, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, request_id, tenant_id, action, performed_by, performed_at,
		       state_before, state_after, metadata
		FROM approval_audit_log
		WHERE tenant_id = $1 AND request_id = $2
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.TenantID,
			&entry.Action,
			&entry.PerformedBy,
			&entry.PerformedAt,
			&entry.StateBefore,
			&entry.StateAfter,
			&metadataJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
