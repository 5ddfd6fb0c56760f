package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"campaign-dispatch/internal/engine"
)

// Memory is an in-process store for development and tests. It implements the
// same contracts as Postgres.
type Memory struct {
	mu         sync.RWMutex
	customers  map[string]engine.Customer
	rules      map[string]engine.SegmentRule
	campaigns  map[string]engine.Campaign
	deliveries map[string]map[string]engine.DeliveryResult
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		customers:  map[string]engine.Customer{},
		rules:      map[string]engine.SegmentRule{},
		campaigns:  map[string]engine.Campaign{},
		deliveries: map[string]map[string]engine.DeliveryResult{},
		now:        time.Now,
	}
}

func (m *Memory) UpsertCustomers(_ context.Context, customers []engine.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range customers {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("upsert customer: empty id")
		}
		c.Attributes = cloneAttrs(c.Attributes)
		m.customers[c.ID] = c
	}
	return nil
}

func (m *Memory) ListCustomers(_ context.Context) ([]engine.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Customer, 0, len(m.customers))
	for _, c := range m.customers {
		c.Attributes = cloneAttrs(c.Attributes)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b engine.Customer) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) GetCustomersByIDs(_ context.Context, ids []string) ([]engine.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Customer, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.customers[id]; ok {
			c.Attributes = cloneAttrs(c.Attributes)
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) CreateRule(_ context.Context, rule engine.SegmentRule) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rule.ID == "" {
		return "", fmt.Errorf("create rule: empty id")
	}
	if _, exists := m.rules[rule.ID]; exists {
		return "", fmt.Errorf("create rule %s: already exists", rule.ID)
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = m.now().UTC()
	}
	rule.Conditions = slices.Clone(rule.Conditions)
	m.rules[rule.ID] = rule
	return rule.ID, nil
}

func (m *Memory) GetRule(_ context.Context, id string) (engine.SegmentRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return engine.SegmentRule{}, fmt.Errorf("rule %s: %w", id, engine.ErrNotFound)
	}
	r.Conditions = slices.Clone(r.Conditions)
	return r, nil
}

func (m *Memory) ListRules(_ context.Context) ([]engine.SegmentRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.SegmentRule, 0, len(m.rules))
	for _, r := range m.rules {
		r.Conditions = slices.Clone(r.Conditions)
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b engine.SegmentRule) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) CreateCampaign(_ context.Context, c engine.Campaign) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		return "", fmt.Errorf("create campaign: empty id")
	}
	if _, exists := m.campaigns[c.ID]; exists {
		return "", fmt.Errorf("create campaign %s: already exists", c.ID)
	}
	now := m.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.ExplicitCustomerIDs = slices.Clone(c.ExplicitCustomerIDs)
	m.campaigns[c.ID] = c
	return c.ID, nil
}

func (m *Memory) GetCampaign(_ context.Context, id string) (engine.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return engine.Campaign{}, fmt.Errorf("campaign %s: %w", id, engine.ErrNotFound)
	}
	c.ExplicitCustomerIDs = slices.Clone(c.ExplicitCustomerIDs)
	return c, nil
}

func (m *Memory) ListCampaigns(_ context.Context) ([]engine.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		c.ExplicitCustomerIDs = slices.Clone(c.ExplicitCustomerIDs)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b engine.Campaign) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) UpdateCampaignStatus(_ context.Context, id string, status engine.Status, counters engine.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, engine.ErrNotFound)
	}
	c.Status = status
	c.Counters = counters
	c.UpdatedAt = m.now().UTC()
	m.campaigns[id] = c
	return nil
}

// TransitionCampaignStatus moves a campaign from one status to another only
// if it is still in from.
func (m *Memory) TransitionCampaignStatus(_ context.Context, id string, from, to engine.Status, counters engine.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, engine.ErrNotFound)
	}
	if c.Status != from {
		return fmt.Errorf("%w: campaign %s is %s, not %s", engine.ErrInvalidTransition, id, c.Status, from)
	}
	c.Status = to
	c.Counters = counters
	c.UpdatedAt = m.now().UTC()
	m.campaigns[id] = c
	return nil
}

func (m *Memory) RecordDeliveries(_ context.Context, campaignID string, results []engine.DeliveryResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCustomer, ok := m.deliveries[campaignID]
	if !ok {
		byCustomer = map[string]engine.DeliveryResult{}
		m.deliveries[campaignID] = byCustomer
	}
	for _, r := range results {
		byCustomer[r.CustomerID] = r
	}
	return nil
}

func (m *Memory) ListDeliveries(_ context.Context, campaignID string) ([]engine.DeliveryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.DeliveryResult, 0, len(m.deliveries[campaignID]))
	for _, r := range m.deliveries[campaignID] {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b engine.DeliveryResult) int { return strings.Compare(a.CustomerID, b.CustomerID) })
	return out, nil
}

func cloneAttrs(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
