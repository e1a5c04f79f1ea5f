package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edusuite/be-approvals/internal/errors"
	"github.com/edusuite/be-approvals/internal/workflow"
)

func seedRequest(t *testing.T, store *MemoryStore, tenantID string) *ApprovalRequest {
	t.Helper()

	req := &ApprovalRequest{
		TenantID:      tenantID,
		RequestType:   RequestTypeLeave,
		Payload:       map[string]any{"days": 3},
		State:         workflow.StatePending,
		RequiredChain: []string{"manager"},
		Version:       1,
		CreatedBy:     "user-teacher",
	}
	after := string(workflow.StatePending)
	err := store.Create(context.Background(), req, &AuditEntry{
		Action:      "submitted",
		PerformedBy: "user-teacher",
		StateAfter:  &after,
	})
	require.NoError(t, err)
	return req
}

func TestMemoryStoreCreateWritesAudit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	req := seedRequest(t, store, "greenfield")
	require.NotEmpty(t, req.ID)

	trail, err := store.GetByRequestID(ctx, "greenfield", req.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "submitted", trail[0].Action)
	assert.Equal(t, req.ID, trail[0].RequestID)
}

func TestMemoryStoreTenantScoping(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	req := seedRequest(t, store, "greenfield")

	_, err := store.GetByID(ctx, "hillcrest", req.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	reqs, total, err := store.List(ctx, "hillcrest", ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, reqs)
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	req := seedRequest(t, store, "greenfield")

	// Two readers take the same version-1 snapshot.
	first, err := store.GetByID(ctx, "greenfield", req.ID)
	require.NoError(t, err)
	second, err := store.GetByID(ctx, "greenfield", req.ID)
	require.NoError(t, err)

	before := string(workflow.StatePending)
	after := string(workflow.StateApproved)
	apply := func(r *ApprovalRequest) error {
		return store.ApplyTransition(ctx, r,
			&TransitionRecord{Level: 0, ActorID: "user-manager", ActorRole: "manager", Decision: workflow.DecisionApprove},
			&AuditEntry{Action: "approved", PerformedBy: "user-manager", StateBefore: &before, StateAfter: &after},
			workflow.StateApproved, 1)
	}

	require.NoError(t, apply(first))
	assert.Equal(t, 2, first.Version)

	err = apply(second)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	// The losing write left no trace.
	stored, err := store.GetByID(ctx, "greenfield", req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Len(t, stored.History, 1)

	trail, err := store.GetByRequestID(ctx, "greenfield", req.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2) // submitted + one approval
}

func TestMemoryStoreApplyTransitionMutatesCaller(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	req := seedRequest(t, store, "greenfield")

	before := string(workflow.StatePending)
	after := string(workflow.StateInReview)
	err := store.ApplyTransition(ctx, req,
		&TransitionRecord{Level: 0, ActorID: "user-manager", ActorRole: "manager", Decision: workflow.DecisionApprove},
		&AuditEntry{Action: "approved", PerformedBy: "user-manager", StateBefore: &before, StateAfter: &after},
		workflow.StateInReview, 1)
	require.NoError(t, err)

	assert.Equal(t, workflow.StateInReview, req.State)
	assert.Equal(t, 1, req.CurrentLevel)
	assert.Equal(t, 2, req.Version)
	require.Len(t, req.History, 1)
	assert.Equal(t, workflow.DecisionApprove, req.History[0].Decision)
}

func TestMemoryStoreGetReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	req := seedRequest(t, store, "greenfield")

	got, err := store.GetByID(ctx, "greenfield", req.ID)
	require.NoError(t, err)
	got.State = workflow.StateApproved
	got.RequiredChain[0] = "tampered"
	got.Payload["days"] = 99

	fresh, err := store.GetByID(ctx, "greenfield", req.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatePending, fresh.State)
	assert.Equal(t, []string{"manager"}, fresh.RequiredChain)
	assert.Equal(t, 3, fresh.Payload["days"])
}

func TestMemoryStoreListFiltersAndPaginates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		seedRequest(t, store, "greenfield")
	}
	seedRequest(t, store, "hillcrest")

	leave := RequestTypeLeave
	reqs, total, err := store.List(ctx, "greenfield", ListFilter{RequestType: &leave, Page: 1, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, reqs, 3)

	reqs, total, err = store.List(ctx, "greenfield", ListFilter{Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, reqs, 1)

	expense := RequestTypeExpense
	_, total, err = store.List(ctx, "greenfield", ListFilter{RequestType: &expense})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMemoryStoreListPendingForRole(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	req := seedRequest(t, store, "greenfield")

	inbox, err := store.ListPendingForRole(ctx, "greenfield", "manager")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, req.ID, inbox[0].ID)

	inbox, err = store.ListPendingForRole(ctx, "greenfield", "director")
	require.NoError(t, err)
	assert.Empty(t, inbox)

	inbox, err = store.ListPendingForRole(ctx, "hillcrest", "manager")
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestMemoryRuleStoreLifecycle(t *testing.T) {
	store := NewMemoryRuleStore()
	ctx := context.Background()

	low := &ApprovalRule{TenantID: "greenfield", RuleName: "b-rule", RequestType: RequestTypeExpense, IsActive: true, Priority: 20}
	high := &ApprovalRule{TenantID: "greenfield", RuleName: "a-rule", RequestType: RequestTypeExpense, IsActive: true, Priority: 10}
	inactive := &ApprovalRule{TenantID: "greenfield", RuleName: "c-rule", RequestType: RequestTypeExpense, IsActive: false, Priority: 5}
	require.NoError(t, store.Create(ctx, low))
	require.NoError(t, store.Create(ctx, high))
	require.NoError(t, store.Create(ctx, inactive))

	active, err := store.ListActiveForType(ctx, "greenfield", RequestTypeExpense)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a-rule", active[0].RuleName)
	assert.Equal(t, "b-rule", active[1].RuleName)

	all, err := store.List(ctx, "greenfield", false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.Delete(ctx, "greenfield", low.ID))
	err = store.Delete(ctx, "greenfield", low.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}
