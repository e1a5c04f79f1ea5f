// Package policy resolves the approval chain for a new request from the
// tenant's configured rules. Resolution is deterministic: the same tenant,
// request type and payload always yield the same chain, because the chain is
// frozen into the request at creation and never recomputed.
package policy

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/edusuite/be-approvals/internal/repository"
)

// Resolver computes the ordered role chain a request must pass through.
type Resolver interface {
	ResolveChain(ctx context.Context, tenantID, requestType string, payload map[string]any) ([]string, error)
}

// defaultChains back single-tenant setups that have not configured rules yet.
var defaultChains = map[string][]string{
	repository.RequestTypeLeave:         {"manager"},
	repository.RequestTypeRecruitment:   {"manager", "director"},
	repository.RequestTypeExpense:       {"finance_manager"},
	repository.RequestTypeFeeAssignment: {"bursar", "director"},
	repository.RequestTypePolicy:        {"director"},
}

// defaultFallbackRole covers request types with no default chain of their own.
const defaultFallbackRole = "manager"

// Service resolves chains from a RuleStore.
type Service struct {
	rules repository.RuleStore
}

// New creates a resolver backed by the given rule store.
func New(rules repository.RuleStore) *Service {
	return &Service{rules: rules}
}

// ResolveChain evaluates the tenant's active rules for the request type in
// priority order and returns the first match's chain, appending the rule's
// escalation role when the payload amount reaches the escalation threshold.
// With no matching rule the per-type default chain applies.
func (s *Service) ResolveChain(ctx context.Context, tenantID, requestType string, payload map[string]any) ([]string, error) {
	amount := amountFromPayload(payload)

	rules, err := s.rules.ListActiveForType(ctx, tenantID, requestType)
	if err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if !ruleMatches(rule, amount) {
			continue
		}
		chain := chainRoles(rule.Chain)
		if rule.EscalateAbove != nil && rule.EscalationRole != nil &&
			amount != nil && *amount >= *rule.EscalateAbove {
			chain = append(chain, *rule.EscalationRole)
		}
		if len(chain) > 0 {
			return chain, nil
		}
	}

	if chain, ok := defaultChains[requestType]; ok {
		return append([]string(nil), chain...), nil
	}
	return []string{defaultFallbackRole}, nil
}

// ruleMatches applies the rule's amount band. A rule without bounds matches
// everything; bounds against a payload without an amount never match.
func ruleMatches(rule *repository.ApprovalRule, amount *int64) bool {
	if rule.MinAmount == nil && rule.MaxAmount == nil {
		return true
	}
	if amount == nil {
		return false
	}
	if rule.MinAmount != nil && *amount < *rule.MinAmount {
		return false
	}
	if rule.MaxAmount != nil && *amount >= *rule.MaxAmount {
		return false
	}
	return true
}

// chainRoles flattens the stored steps into an ordered role slice.
func chainRoles(steps []repository.ApprovalRuleStep) []string {
	ordered := append([]repository.ApprovalRuleStep(nil), steps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Step < ordered[j].Step })

	roles := make([]string, 0, len(ordered))
	for _, s := range ordered {
		roles = append(roles, s.Role)
	}
	return roles
}

// amountFromPayload pulls an integer amount (cents) out of the opaque
// payload. JSON decoding hands numbers over as float64 or json.Number
// depending on the decoder; tests often use native ints.
func amountFromPayload(payload map[string]any) *int64 {
	raw, ok := payload["amount"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		n := int64(v)
		return &n
	case int:
		n := int64(v)
		return &n
	case int64:
		return &v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return &n
		}
	}
	return nil
}
