package audience

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"campaign-dispatch/internal/engine"
	"campaign-dispatch/internal/observability"
)

type CustomerStore interface {
	ListCustomers(ctx context.Context) ([]engine.Customer, error)
	GetCustomersByIDs(ctx context.Context, ids []string) ([]engine.Customer, error)
}

type RuleStore interface {
	GetRule(ctx context.Context, id string) (engine.SegmentRule, error)
}

// Request names where the audience comes from. When both fields are set the
// explicit ids win and the rule is ignored.
type Request struct {
	RuleID      string
	CustomerIDs []string
}

type Source string

const (
	SourceExplicit Source = "explicit"
	SourceRule     Source = "rule"
)

// Audience is a deduplicated recipient set sorted by customer id.
type Audience struct {
	Source    Source
	RuleID    string
	Customers []engine.Customer
	// Missing lists explicit ids the store did not know; they are dropped.
	Missing []string
}

func (a Audience) Size() int { return len(a.Customers) }

func (a Audience) IDs() []string {
	out := make([]string, len(a.Customers))
	for i, c := range a.Customers {
		out[i] = c.ID
	}
	return out
}

type Resolver struct {
	customers CustomerStore
	rules     RuleStore
}

func NewResolver(customers CustomerStore, rules RuleStore) *Resolver {
	return &Resolver{customers: customers, rules: rules}
}

func (r *Resolver) Resolve(ctx context.Context, req Request) (Audience, error) {
	ids := dedupe(req.CustomerIDs)
	ruleID := strings.TrimSpace(req.RuleID)

	switch {
	case len(ids) > 0:
		if ruleID != "" {
			log.Warn().Str("rule_id", ruleID).Int("explicit_ids", len(ids)).
				Msg("audience has both rule and explicit ids; using explicit ids")
		}
		return r.resolveExplicit(ctx, ids)
	case ruleID != "":
		rule, err := r.rules.GetRule(ctx, ruleID)
		if err != nil {
			return Audience{}, fmt.Errorf("get rule %s: %w", ruleID, err)
		}
		aud, err := r.Preview(ctx, rule)
		if err != nil {
			return Audience{}, err
		}
		aud.RuleID = rule.ID
		return aud, nil
	default:
		return Audience{}, engine.ErrInvalidAudienceSpec
	}
}

// Preview evaluates a rule, saved or not, against the full customer
// collection.
func (r *Resolver) Preview(ctx context.Context, rule engine.SegmentRule) (Audience, error) {
	all, err := r.customers.ListCustomers(ctx)
	if err != nil {
		return Audience{}, fmt.Errorf("list customers: %w", err)
	}
	seen := make(map[string]struct{}, len(all))
	var out []engine.Customer
	for _, c := range all {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		if engine.Evaluate(rule, c) {
			out = append(out, c)
		}
	}
	sortByID(out)
	observability.AudienceResolutions.WithLabelValues(string(SourceRule)).Inc()
	log.Debug().Str("rule_id", rule.ID).Int("candidates", len(all)).Int("matched", len(out)).
		Msg("rule audience resolved")
	return Audience{Source: SourceRule, Customers: out}, nil
}

func (r *Resolver) resolveExplicit(ctx context.Context, ids []string) (Audience, error) {
	found, err := r.customers.GetCustomersByIDs(ctx, ids)
	if err != nil {
		return Audience{}, fmt.Errorf("get customers by ids: %w", err)
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	got := make(map[string]struct{}, len(found))
	out := make([]engine.Customer, 0, len(found))
	for _, c := range found {
		if _, ok := want[c.ID]; !ok {
			continue
		}
		if _, dup := got[c.ID]; dup {
			continue
		}
		got[c.ID] = struct{}{}
		out = append(out, c)
	}
	var missing []string
	for _, id := range ids {
		if _, ok := got[id]; !ok {
			missing = append(missing, id)
		}
	}
	sortByID(out)
	if len(missing) > 0 {
		observability.AudienceWarnings.Add(float64(len(missing)))
		log.Warn().Strs("missing_ids", missing).Msg("explicit audience references unknown customers")
	}
	observability.AudienceResolutions.WithLabelValues(string(SourceExplicit)).Inc()
	return Audience{Source: SourceExplicit, Customers: out, Missing: missing}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortByID(cs []engine.Customer) {
	slices.SortFunc(cs, func(a, b engine.Customer) int { return strings.Compare(a.ID, b.ID) })
}
