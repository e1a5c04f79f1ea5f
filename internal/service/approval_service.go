// Package service orchestrates the approval workflow: it resolves the chain
// on submission, runs every decision through the state machine guards and
// applies the result through the store's atomic transition write.
package service

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/edusuite/be-approvals/internal/errors"
	"github.com/edusuite/be-approvals/internal/logger"
	"github.com/edusuite/be-approvals/internal/policy"
	"github.com/edusuite/be-approvals/internal/repository"
	"github.com/edusuite/be-approvals/internal/workflow"
)

// Actor identifies the authenticated caller. The HTTP layer upstream owns
// authentication; the engine only trusts what it is handed.
type Actor struct {
	TenantID string
	ID       string
	Role     string
}

// Notification event types, published after a committed transition.
const (
	EventRequestSubmitted = "request_submitted"
	EventApprovalRequired = "approval_required"
	EventRequestApproved  = "request_approved"
	EventRequestRejected  = "request_rejected"
	EventRequestCancelled = "request_cancelled"
)

// Notifier publishes approval events. Implementations are best-effort:
// publish failures are logged by the implementation and never propagated,
// so a notification outage cannot fail or roll back a transition.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType string, req *repository.ApprovalRequest, actorID string, recipients []string, payload map[string]any)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) PublishApprovalEvent(context.Context, string, *repository.ApprovalRequest, string, []string, map[string]any) {
}

// ApprovalService is the approval workflow engine.
type ApprovalService struct {
	store    repository.ApprovalStore
	audit    repository.AuditStore
	rules    repository.RuleStore
	resolver policy.Resolver
	notifier Notifier
	validate *validator.Validate
	log      *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	store repository.ApprovalStore,
	audit repository.AuditStore,
	rules repository.RuleStore,
	resolver policy.Resolver,
	notifier Notifier,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		store:    store,
		audit:    audit,
		rules:    rules,
		resolver: resolver,
		notifier: notifier,
		validate: validator.New(),
		log:      log,
	}
}

// ── Request DTOs ─────────────────────────────────────────────────────────────

type SubmitRequest struct {
	RequestType string         `json:"request_type" validate:"required"`
	Payload     map[string]any `json:"payload"`
	Notes       *string        `json:"notes"`
}

type ApproveRequest struct {
	ID    string  `json:"id" validate:"required"`
	Level *int    `json:"level" validate:"omitempty,gte=0"`
	Notes *string `json:"notes"`
}

type RejectRequest struct {
	ID     string `json:"id" validate:"required"`
	Level  *int   `json:"level" validate:"omitempty,gte=0"`
	Reason string `json:"reason" validate:"required"`
}

type CancelRequest struct {
	ID string `json:"id" validate:"required"`
}

type RuleStepInput struct {
	Step int    `json:"step" validate:"gte=1"`
	Role string `json:"role" validate:"required"`
}

type CreateRuleRequest struct {
	RuleName       string          `json:"rule_name" validate:"required"`
	RequestType    string          `json:"request_type" validate:"required"`
	Active         *bool           `json:"active"`
	MinAmount      *int64          `json:"min_amount"`
	MaxAmount      *int64          `json:"max_amount"`
	Chain          []RuleStepInput `json:"chain" validate:"required,min=1,dive"`
	EscalateAbove  *int64          `json:"escalate_above"`
	EscalationRole *string         `json:"escalation_role"`
	Priority       int             `json:"priority"`
}

// ── Submission ───────────────────────────────────────────────────────────────

// Submit resolves the approval chain, freezes it into a new pending request
// and writes the submission audit entry atomically with the request row.
func (s *ApprovalService) Submit(ctx context.Context, actor Actor, in *SubmitRequest) (*repository.ApprovalRequest, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeValidation, "invalid submission")
	}

	chain, err := s.resolver.ResolveChain(ctx, actor.TenantID, in.RequestType, in.Payload)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "resolved approval chain is empty")
	}

	req := &repository.ApprovalRequest{
		TenantID:      actor.TenantID,
		RequestType:   in.RequestType,
		Payload:       in.Payload,
		State:         workflow.StatePending,
		CurrentLevel:  0,
		RequiredChain: chain,
		Version:       1,
		CreatedBy:     actor.ID,
		Notes:         in.Notes,
	}

	after := string(workflow.StatePending)
	audit := &repository.AuditEntry{
		Action:      "submitted",
		PerformedBy: actor.ID,
		StateAfter:  &after,
		Metadata: map[string]any{
			"request_type": in.RequestType,
			"chain":        chain,
		},
	}

	if err := s.store.Create(ctx, req, audit); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("request_type", req.RequestType).
		Int("levels", len(chain)).
		Msg("Approval request submitted")

	s.notifier.PublishApprovalEvent(ctx, EventRequestSubmitted, req, actor.ID, []string{req.CreatedBy}, nil)
	s.notifier.PublishApprovalEvent(ctx, EventApprovalRequired, req, actor.ID, []string{chain[0]}, map[string]any{"level": 0})
	return req, nil
}

// ── Decisions ────────────────────────────────────────────────────────────────

// Approve records an approval at the request's current level (or the
// explicit level when the caller supplies one, which must match).
func (s *ApprovalService) Approve(ctx context.Context, actor Actor, in *ApproveRequest) (*repository.ApprovalRequest, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeValidation, "invalid approval")
	}
	return s.decide(ctx, actor, in.ID, workflow.DecisionApprove, in.Level, in.Notes)
}

// Reject records a rejection, which is terminal at any level.
func (s *ApprovalService) Reject(ctx context.Context, actor Actor, in *RejectRequest) (*repository.ApprovalRequest, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, errors.InvalidInput("reason", "rejection reason is required")
	}
	reason := in.Reason
	return s.decide(ctx, actor, in.ID, workflow.DecisionReject, in.Level, &reason)
}

// Cancel lets the creator withdraw an untouched pending request.
func (s *ApprovalService) Cancel(ctx context.Context, actor Actor, in *CancelRequest) (*repository.ApprovalRequest, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeValidation, "invalid cancellation")
	}
	return s.decide(ctx, actor, in.ID, workflow.DecisionCancel, nil, nil)
}

// decide loads the request, runs the state machine guards against the
// snapshot it read, and applies the outcome conditional on that snapshot's
// version. A concurrent writer makes ApplyTransition fail with CONFLICT.
func (s *ApprovalService) decide(
	ctx context.Context,
	actor Actor,
	id string,
	d workflow.Decision,
	level *int,
	notes *string,
) (*repository.ApprovalRequest, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}

	req, err := s.store.GetByID(ctx, actor.TenantID, id)
	if err != nil {
		return nil, err
	}

	lvl := req.CurrentLevel
	if level != nil {
		lvl = *level
	}

	out, err := workflow.Apply(req.Snapshot(), d, actor.ID, actor.Role, lvl)
	if err != nil {
		return nil, err
	}

	rec := &repository.TransitionRecord{
		Level:     lvl,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Decision:  d,
		Notes:     notes,
	}

	before := string(req.State)
	after := string(out.State)
	audit := &repository.AuditEntry{
		Action:      auditAction(d),
		PerformedBy: actor.ID,
		StateBefore: &before,
		StateAfter:  &after,
		Metadata:    map[string]any{"level": lvl},
	}
	if notes != nil {
		audit.Metadata["notes"] = *notes
	}

	if err := s.store.ApplyTransition(ctx, req, rec, audit, out.State, out.Level); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("decision", string(d)).
		Str("state", string(req.State)).
		Int("level", req.CurrentLevel).
		Msg("Approval transition applied")

	s.notifyTransition(ctx, req, rec, actor)
	return req, nil
}

func auditAction(d workflow.Decision) string {
	switch d {
	case workflow.DecisionApprove:
		return "approved"
	case workflow.DecisionReject:
		return "rejected"
	case workflow.DecisionCancel:
		return "cancelled"
	}
	return string(d)
}

// notifyTransition publishes the event matching the post-transition state.
// Recipients are role identifiers for approval asks and the creator for
// terminal outcomes; mapping roles to users is the consumer's job.
func (s *ApprovalService) notifyTransition(ctx context.Context, req *repository.ApprovalRequest, rec *repository.TransitionRecord, actor Actor) {
	switch req.State {
	case workflow.StateApproved:
		s.notifier.PublishApprovalEvent(ctx, EventRequestApproved, req, actor.ID, []string{req.CreatedBy}, nil)
	case workflow.StateRejected:
		payload := map[string]any{"level": rec.Level}
		if rec.Notes != nil {
			payload["reason"] = *rec.Notes
		}
		s.notifier.PublishApprovalEvent(ctx, EventRequestRejected, req, actor.ID, []string{req.CreatedBy}, payload)
	case workflow.StateCancelled:
		s.notifier.PublishApprovalEvent(ctx, EventRequestCancelled, req, actor.ID, []string{req.CreatedBy}, nil)
	case workflow.StateInReview:
		next := req.RequiredChain[req.CurrentLevel]
		s.notifier.PublishApprovalEvent(ctx, EventApprovalRequired, req, actor.ID, []string{next}, map[string]any{"level": req.CurrentLevel})
	}
}

// ── Queries ──────────────────────────────────────────────────────────────────

// Get returns one request with its history, scoped to the caller's tenant.
func (s *ApprovalService) Get(ctx context.Context, actor Actor, id string) (*repository.ApprovalRequest, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.InvalidInput("id", "request id is required")
	}
	return s.store.GetByID(ctx, actor.TenantID, id)
}

// List returns a page of the tenant's requests.
func (s *ApprovalService) List(ctx context.Context, actor Actor, f repository.ListFilter) ([]*repository.ApprovalRequest, int, error) {
	if err := checkActor(actor); err != nil {
		return nil, 0, err
	}
	return s.store.List(ctx, actor.TenantID, f)
}

// GetPendingApprovals returns open requests awaiting the caller's role.
func (s *ApprovalService) GetPendingApprovals(ctx context.Context, actor Actor) ([]*repository.ApprovalRequest, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if actor.Role == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "caller has no role")
	}
	return s.store.ListPendingForRole(ctx, actor.TenantID, actor.Role)
}

// GetAuditTrail returns the full audit trail for a request.
func (s *ApprovalService) GetAuditTrail(ctx context.Context, actor Actor, id string) ([]*repository.AuditEntry, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	// Existence + tenant check first, so a foreign id reads as NotFound
	// rather than an empty trail.
	if _, err := s.store.GetByID(ctx, actor.TenantID, id); err != nil {
		return nil, err
	}
	return s.audit.GetByRequestID(ctx, actor.TenantID, id)
}

// ── Rule administration ──────────────────────────────────────────────────────

// CreateRule stores a routing rule for the caller's tenant.
func (s *ApprovalService) CreateRule(ctx context.Context, actor Actor, in *CreateRuleRequest) (*repository.ApprovalRule, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeValidation, "invalid approval rule")
	}

	active := true
	if in.Active != nil {
		active = *in.Active
	}

	steps := make([]repository.ApprovalRuleStep, 0, len(in.Chain))
	for _, step := range in.Chain {
		steps = append(steps, repository.ApprovalRuleStep{Step: step.Step, Role: step.Role})
	}

	rule := &repository.ApprovalRule{
		TenantID:       actor.TenantID,
		RuleName:       in.RuleName,
		RequestType:    in.RequestType,
		IsActive:       active,
		MinAmount:      in.MinAmount,
		MaxAmount:      in.MaxAmount,
		Chain:          steps,
		EscalateAbove:  in.EscalateAbove,
		EscalationRole: in.EscalationRole,
		Priority:       in.Priority,
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules returns the tenant's routing rules.
func (s *ApprovalService) ListRules(ctx context.Context, actor Actor, activeOnly bool) ([]*repository.ApprovalRule, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	return s.rules.List(ctx, actor.TenantID, activeOnly)
}

// DeleteRule removes a routing rule. In-flight requests keep their frozen
// chains.
func (s *ApprovalService) DeleteRule(ctx context.Context, actor Actor, id string) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	if id == "" {
		return errors.InvalidInput("id", "rule id is required")
	}
	return s.rules.Delete(ctx, actor.TenantID, id)
}

func checkActor(actor Actor) error {
	if actor.TenantID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "missing tenant")
	}
	if actor.ID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "missing actor")
	}
	return nil
}
