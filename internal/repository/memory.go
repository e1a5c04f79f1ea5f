package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edusuite/be-approvals/internal/errors"
	"github.com/edusuite/be-approvals/internal/workflow"
)

// MemoryStore is an in-process implementation of ApprovalStore and
// AuditStore backed by mutex-guarded maps. It serves tests and local
// development; semantics (tenant scoping, version conflicts, atomic
// transition+audit writes) match the Postgres stores.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*ApprovalRequest // keyed by tenantID + "/" + id
	audit    map[string][]*AuditEntry    // same key
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*ApprovalRequest),
		audit:    make(map[string][]*AuditEntry),
	}
}

func key(tenantID, id string) string { return tenantID + "/" + id }

// ── ApprovalStore ────────────────────────────────────────────────────────────

func (s *MemoryStore) Create(ctx context.Context, req *ApprovalRequest, audit *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	req.ID = uuid.NewString()
	req.CreatedAt = now
	req.UpdatedAt = now

	s.requests[key(req.TenantID, req.ID)] = copyRequest(req)

	audit.RequestID = req.ID
	audit.TenantID = req.TenantID
	s.appendAuditLocked(audit)
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, tenantID, id string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.requests[key(tenantID, id)]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return copyRequest(stored), nil
}

func (s *MemoryStore) List(ctx context.Context, tenantID string, f ListFilter) ([]*ApprovalRequest, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*ApprovalRequest
	for _, req := range s.requests {
		if req.TenantID != tenantID {
			continue
		}
		if f.State != nil && string(req.State) != *f.State {
			continue
		}
		if f.RequestType != nil && req.RequestType != *f.RequestType {
			continue
		}
		matched = append(matched, copyRequest(req))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) ListPendingForRole(ctx context.Context, tenantID, role string) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*ApprovalRequest
	for _, req := range s.requests {
		if req.TenantID != tenantID {
			continue
		}
		if req.State != workflow.StatePending && req.State != workflow.StateInReview {
			continue
		}
		if req.CurrentLevel >= len(req.RequiredChain) || req.RequiredChain[req.CurrentLevel] != role {
			continue
		}
		matched = append(matched, copyRequest(req))
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

func (s *MemoryStore) ApplyTransition(
	ctx context.Context,
	req *ApprovalRequest,
	rec *TransitionRecord,
	audit *AuditEntry,
	newState workflow.State,
	newLevel int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.requests[key(req.TenantID, req.ID)]
	if !ok {
		return errors.NotFound("approval_request", req.ID)
	}
	if stored.Version != req.Version {
		return errors.Newf(errors.ErrCodeConflict,
			"approval request %s was modified concurrently (version %d, read %d)",
			req.ID, stored.Version, req.Version)
	}

	now := time.Now().UTC()
	rec.ID = uuid.NewString()
	rec.RequestID = req.ID
	rec.TenantID = req.TenantID
	rec.CreatedAt = now

	stored.State = newState
	stored.CurrentLevel = newLevel
	stored.Version++
	stored.UpdatedAt = now
	stored.History = append(stored.History, copyTransition(rec))

	audit.RequestID = req.ID
	audit.TenantID = req.TenantID
	s.appendAuditLocked(audit)

	req.State = newState
	req.CurrentLevel = newLevel
	req.Version = stored.Version
	req.UpdatedAt = now
	req.History = append(req.History, rec)
	return nil
}

// ── AuditStore ───────────────────────────────────────────────────────────────

func (s *MemoryStore) GetByRequestID(ctx context.Context, tenantID, requestID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.audit[key(tenantID, requestID)]
	out := make([]*AuditEntry, len(entries))
	for i, e := range entries {
		out[i] = copyAudit(e)
	}
	return out, nil
}

func (s *MemoryStore) appendAuditLocked(entry *AuditEntry) {
	entry.ID = uuid.NewString()
	entry.PerformedAt = time.Now().UTC()
	k := key(entry.TenantID, entry.RequestID)
	s.audit[k] = append(s.audit[k], copyAudit(entry))
}

// ── MemoryRuleStore ──────────────────────────────────────────────────────────

// MemoryRuleStore is the in-process RuleStore counterpart to MemoryStore.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string][]*ApprovalRule // keyed by tenantID
}

// NewMemoryRuleStore creates an empty MemoryRuleStore.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string][]*ApprovalRule)}
}

func (s *MemoryRuleStore) Create(ctx context.Context, rule *ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.TenantID] = append(s.rules[rule.TenantID], copyRule(rule))
	return nil
}

func (s *MemoryRuleStore) List(ctx context.Context, tenantID string, activeOnly bool) ([]*ApprovalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ApprovalRule
	for _, rule := range s.rules[tenantID] {
		if activeOnly && !rule.IsActive {
			continue
		}
		out = append(out, copyRule(rule))
	}
	sortRules(out)
	return out, nil
}

func (s *MemoryRuleStore) ListActiveForType(ctx context.Context, tenantID, requestType string) ([]*ApprovalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ApprovalRule
	for _, rule := range s.rules[tenantID] {
		if !rule.IsActive || rule.RequestType != requestType {
			continue
		}
		out = append(out, copyRule(rule))
	}
	sortRules(out)
	return out, nil
}

func (s *MemoryRuleStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.rules[tenantID]
	for i, rule := range rules {
		if rule.ID == id {
			s.rules[tenantID] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return errors.NotFound("approval_rule", id)
}

func sortRules(rules []*ApprovalRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority == rules[j].Priority {
			return rules[i].RuleName < rules[j].RuleName
		}
		return rules[i].Priority < rules[j].Priority
	})
}

// ── copy helpers ─────────────────────────────────────────────────────────────

func copyRequest(r *ApprovalRequest) *ApprovalRequest {
	out := *r
	out.RequiredChain = append([]string(nil), r.RequiredChain...)
	if r.Payload != nil {
		out.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			out.Payload[k] = v
		}
	}
	out.History = make([]*TransitionRecord, len(r.History))
	for i, rec := range r.History {
		out.History[i] = copyTransition(rec)
	}
	return &out
}

func copyTransition(rec *TransitionRecord) *TransitionRecord {
	out := *rec
	return &out
}

func copyAudit(e *AuditEntry) *AuditEntry {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func copyRule(r *ApprovalRule) *ApprovalRule {
	out := *r
	out.Chain = append([]ApprovalRuleStep(nil), r.Chain...)
	return &out
}
