package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edusuite/be-approvals/internal/errors"
	"github.com/edusuite/be-approvals/internal/logger"
	"github.com/edusuite/be-approvals/internal/policy"
	"github.com/edusuite/be-approvals/internal/repository"
	"github.com/edusuite/be-approvals/internal/workflow"
)

type recordedEvent struct {
	EventType  string
	Recipients []string
	Payload    map[string]any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) PublishApprovalEvent(_ context.Context, eventType string, _ *repository.ApprovalRequest, _ string, recipients []string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{EventType: eventType, Recipients: recipients, Payload: payload})
}

func (n *recordingNotifier) byType(eventType string) []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []recordedEvent
	for _, e := range n.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T) (*ApprovalService, *recordingNotifier) {
	t.Helper()

	store := repository.NewMemoryStore()
	rules := repository.NewMemoryRuleStore()
	notifier := &recordingNotifier{}
	log := logger.New(logger.Config{Level: "error", Environment: "test", ServiceName: "be-approvals", Version: "test"})

	svc := NewApprovalService(store, store, rules, policy.New(rules), notifier, log)
	return svc, notifier
}

var (
	teacher  = Actor{TenantID: "greenfield", ID: "user-teacher", Role: "teacher"}
	manager  = Actor{TenantID: "greenfield", ID: "user-manager", Role: "manager"}
	director = Actor{TenantID: "greenfield", ID: "user-director", Role: "director"}
)

func submit(t *testing.T, svc *ApprovalService, actor Actor, requestType string) *repository.ApprovalRequest {
	t.Helper()
	req, err := svc.Submit(context.Background(), actor, &SubmitRequest{
		RequestType: requestType,
		Payload:     map[string]any{"title": "test request"},
	})
	require.NoError(t, err)
	return req
}

func TestSubmitResolvesAndFreezesChain(t *testing.T) {
	svc, notifier := newTestService(t)

	req := submit(t, svc, teacher, repository.RequestTypeRecruitment)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, workflow.StatePending, req.State)
	assert.Equal(t, 0, req.CurrentLevel)
	assert.Equal(t, []string{"manager", "director"}, req.RequiredChain)
	assert.Equal(t, 1, req.Version)
	assert.Equal(t, teacher.ID, req.CreatedBy)

	asks := notifier.byType(EventApprovalRequired)
	require.Len(t, asks, 1)
	assert.Equal(t, []string{"manager"}, asks[0].Recipients)
}

func TestTwoLevelApprovalFlow(t *testing.T) {
	svc, notifier := newTestService(t)
	ctx := context.Background()

	req := submit(t, svc, teacher, repository.RequestTypeRecruitment)

	// Level 0: manager approves, request moves into review at level 1.
	updated, err := svc.Approve(ctx, manager, &ApproveRequest{ID: req.ID})
	require.NoError(t, err)
	assert.Equal(t, workflow.StateInReview, updated.State)
	assert.Equal(t, 1, updated.CurrentLevel)
	assert.Equal(t, 2, updated.Version)

	asks := notifier.byType(EventApprovalRequired)
	require.Len(t, asks, 2)
	assert.Equal(t, []string{"director"}, asks[1].Recipients)

	// Level 1: director approves, request is fully approved.
	final, err := svc.Approve(ctx, director, &ApproveRequest{ID: req.ID})
	require.NoError(t, err)
	assert.Equal(t, workflow.StateApproved, final.State)
	assert.Equal(t, 2, final.CurrentLevel)

	stored, err := svc.Get(ctx, teacher, req.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateApproved, stored.State)
	require.Len(t, stored.History, 2)
	assert.Equal(t, manager.ID, stored.History[0].ActorID)
	assert.Equal(t, director.ID, stored.History[1].ActorID)

	approvedEvents := notifier.byType(EventRequestApproved)
	require.Len(t, approvedEvents, 1)
	assert.Equal(t, []string{teacher.ID}, approvedEvents[0].Recipients)
}

func TestRejectIsTerminal(t *testing.T) {
	svc, notifier := newTestService(t)
	ctx := context.Background()

	req := submit(t, svc, teacher, repository.RequestTypeLeave)

	updated, err := svc.Reject(ctx, manager, &RejectRequest{ID: req.ID, Reason: "insufficient budget"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StateRejected, updated.State)
	assert.Equal(t, 0, updated.CurrentLevel)

	// No further decisions on a terminal request.
	_, err = svc.Approve(ctx, manager, &ApproveRequest{ID: req.ID})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidStateTransition))

	rejected := notifier.byType(EventRequestRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "insufficient budget", rejected[0].Payload["reason"])
}

func TestRejectRequiresReason(t *testing.T) {
	svc, _ := newTestService(t)

	req := submit(t, svc, teacher, repository.RequestTypeLeave)

	_, err := svc.Reject(context.Background(), manager, &RejectRequest{ID: req.ID})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
}

func TestApproveWithWrongRole(t *testing.T) {
	svc, _ := newTestService(t)

	req := submit(t, svc, teacher, repository.RequestTypeRecruitment)

	// Level 0 requires a manager, not a director.
	_, err := svc.Approve(context.Background(), director, &ApproveRequest{ID: req.ID})
	assert.True(t, errors.HasCode(err, errors.ErrCodeWrongApprovalLevel))
}

func TestApproveWithStaleExplicitLevel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := submit(t, svc, teacher, repository.RequestTypeRecruitment)

	_, err := svc.Approve(ctx, manager, &ApproveRequest{ID: req.ID})
	require.NoError(t, err)

	// The chain has moved to level 1; a decision pinned to level 0 is stale.
	zero := 0
	_, err = svc.Approve(ctx, director, &ApproveRequest{ID: req.ID, Level: &zero})
	assert.True(t, errors.HasCode(err, errors.ErrCodeWrongApprovalLevel))
}

func TestCancelByCreator(t *testing.T) {
	svc, notifier := newTestService(t)

	req := submit(t, svc, teacher, repository.RequestTypeLeave)

	updated, err := svc.Cancel(context.Background(), teacher, &CancelRequest{ID: req.ID})
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCancelled, updated.State)
	assert.Len(t, notifier.byType(EventRequestCancelled), 1)
}

func TestCancelByNonCreator(t *testing.T) {
	svc, _ := newTestService(t)

	req := submit(t, svc, teacher, repository.RequestTypeLeave)

	_, err := svc.Cancel(context.Background(), manager, &CancelRequest{ID: req.ID})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))
}

func TestCancelAfterFirstApproval(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := submit(t, svc, teacher, repository.RequestTypeRecruitment)

	_, err := svc.Approve(ctx, manager, &ApproveRequest{ID: req.ID})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, teacher, &CancelRequest{ID: req.ID})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidStateTransition))
}

func TestTenantIsolation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := submit(t, svc, teacher, repository.RequestTypeLeave)

	outsider := Actor{TenantID: "hillcrest", ID: "user-outsider", Role: "manager"}
	_, err := svc.Get(ctx, outsider, req.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	_, err = svc.Approve(ctx, outsider, &ApproveRequest{ID: req.ID})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestConcurrentApprovalsSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := submit(t, svc, teacher, repository.RequestTypeLeave)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Approve(ctx, manager, &ApproveRequest{ID: req.ID})
		}(i)
	}
	wg.Wait()

	var succeeded, failed int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		failed++
		code := errors.CodeOf(err)
		assert.Contains(t, []errors.Code{errors.ErrCodeConflict, errors.ErrCodeInvalidStateTransition}, code)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)

	stored, err := svc.Get(ctx, teacher, req.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateApproved, stored.State)
	require.Len(t, stored.History, 1)
}

func TestPendingInboxFollowsChain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := submit(t, svc, teacher, repository.RequestTypeRecruitment)

	inbox, err := svc.GetPendingApprovals(ctx, manager)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, req.ID, inbox[0].ID)

	inbox, err = svc.GetPendingApprovals(ctx, director)
	require.NoError(t, err)
	assert.Empty(t, inbox)

	_, err = svc.Approve(ctx, manager, &ApproveRequest{ID: req.ID})
	require.NoError(t, err)

	inbox, err = svc.GetPendingApprovals(ctx, manager)
	require.NoError(t, err)
	assert.Empty(t, inbox)

	inbox, err = svc.GetPendingApprovals(ctx, director)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, req.ID, inbox[0].ID)
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := submit(t, svc, teacher, repository.RequestTypeRecruitment)

	_, err := svc.Approve(ctx, manager, &ApproveRequest{ID: req.ID})
	require.NoError(t, err)
	_, err = svc.Reject(ctx, director, &RejectRequest{ID: req.ID, Reason: "position frozen"})
	require.NoError(t, err)

	trail, err := svc.GetAuditTrail(ctx, teacher, req.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)

	assert.Equal(t, "submitted", trail[0].Action)
	assert.Equal(t, teacher.ID, trail[0].PerformedBy)

	assert.Equal(t, "approved", trail[1].Action)
	assert.Equal(t, manager.ID, trail[1].PerformedBy)
	require.NotNil(t, trail[1].StateBefore)
	assert.Equal(t, "pending", *trail[1].StateBefore)
	require.NotNil(t, trail[1].StateAfter)
	assert.Equal(t, "in_review", *trail[1].StateAfter)

	assert.Equal(t, "rejected", trail[2].Action)
	assert.Equal(t, "position frozen", trail[2].Metadata["notes"])

	// Foreign ids read as not found, not as an empty trail.
	_, err = svc.GetAuditTrail(ctx, teacher, "no-such-request")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestSubmitUsesTenantRuleChain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	admin := Actor{TenantID: "greenfield", ID: "user-admin", Role: "admin"}
	_, err := svc.CreateRule(ctx, admin, &CreateRuleRequest{
		RuleName:    "big-expenses",
		RequestType: repository.RequestTypeExpense,
		MinAmount:   int64p(500_00),
		Chain: []RuleStepInput{
			{Step: 1, Role: "finance_manager"},
			{Step: 2, Role: "director"},
		},
	})
	require.NoError(t, err)

	req, err := svc.Submit(ctx, teacher, &SubmitRequest{
		RequestType: repository.RequestTypeExpense,
		Payload:     map[string]any{"amount": 750_00},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"finance_manager", "director"}, req.RequiredChain)

	// Below the band the defaults apply.
	small, err := svc.Submit(ctx, teacher, &SubmitRequest{
		RequestType: repository.RequestTypeExpense,
		Payload:     map[string]any{"amount": 100_00},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"finance_manager"}, small.RequiredChain)
}

func TestMissingActorIsUnauthorized(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, Actor{}, &SubmitRequest{RequestType: repository.RequestTypeLeave})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	_, err = svc.GetPendingApprovals(ctx, Actor{TenantID: "greenfield", ID: "user-x"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))
}

func int64p(v int64) *int64 { return &v }
