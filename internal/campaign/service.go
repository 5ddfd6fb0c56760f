// Package campaign is the operator-facing side of campaigns and segment
// rules: drafting, listing, statistics and message suggestions. Dispatch
// itself lives in package dispatch.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"campaign-dispatch/internal/auth"
	"campaign-dispatch/internal/dispatch"
	"campaign-dispatch/internal/engine"
	"campaign-dispatch/internal/textgen"
)

type RuleStore interface {
	CreateRule(ctx context.Context, rule engine.SegmentRule) (string, error)
	GetRule(ctx context.Context, id string) (engine.SegmentRule, error)
	ListRules(ctx context.Context) ([]engine.SegmentRule, error)
}

type CampaignStore interface {
	CreateCampaign(ctx context.Context, c engine.Campaign) (string, error)
	GetCampaign(ctx context.Context, id string) (engine.Campaign, error)
	ListCampaigns(ctx context.Context) ([]engine.Campaign, error)
}

type Store interface {
	RuleStore
	CampaignStore
}

type Service struct {
	store Store
	gen   textgen.Generator
	now   func() time.Time
	newID func() string
}

func NewService(store Store, gen textgen.Generator) *Service {
	if gen == nil {
		gen = textgen.Static{}
	}
	return &Service{store: store, gen: gen, now: time.Now, newID: uuid.NewString}
}

// Draft is the operator input for a new campaign.
type Draft struct {
	Name        string   `json:"name"`
	Message     string   `json:"message"`
	Intent      string   `json:"intent,omitempty"`
	RuleID      string   `json:"ruleId,omitempty"`
	CustomerIDs []string `json:"customerIds,omitempty"`
}

// CreateDraft stores a campaign in status draft. The audience is not
// resolved here; it is fixed when the campaign is dispatched.
func (s *Service) CreateDraft(ctx context.Context, d Draft) (engine.Campaign, error) {
	name := strings.TrimSpace(d.Name)
	msg := strings.TrimSpace(d.Message)
	if name == "" {
		return engine.Campaign{}, fmt.Errorf("%w: name is required", engine.ErrInvalidCampaign)
	}
	if msg == "" {
		return engine.Campaign{}, fmt.Errorf("%w: message is required", engine.ErrInvalidCampaign)
	}
	if err := dispatch.ValidateMessage(msg); err != nil {
		return engine.Campaign{}, err
	}

	ids := cleanIDs(d.CustomerIDs)
	ruleID := strings.TrimSpace(d.RuleID)
	if ruleID == "" && len(ids) == 0 {
		return engine.Campaign{}, engine.ErrInvalidAudienceSpec
	}
	if ruleID != "" {
		if _, err := s.store.GetRule(ctx, ruleID); errors.Is(err, engine.ErrNotFound) {
			return engine.Campaign{}, fmt.Errorf("%w: rule %s does not exist", engine.ErrInvalidCampaign, ruleID)
		} else if err != nil {
			return engine.Campaign{}, err
		}
	}

	c := engine.Campaign{
		ID:                  s.newID(),
		Name:                name,
		Message:             msg,
		Intent:              strings.TrimSpace(d.Intent),
		RuleID:              ruleID,
		ExplicitCustomerIDs: ids,
		Status:              engine.StatusDraft,
		CreatedBy:           auth.FromContext(ctx).Subject,
		CreatedAt:           s.now().UTC(),
	}
	id, err := s.store.CreateCampaign(ctx, c)
	if err != nil {
		return engine.Campaign{}, fmt.Errorf("create campaign: %w", err)
	}
	log.Info().Str("campaign_id", id).Str("created_by", c.CreatedBy).Str("rule_id", ruleID).
		Int("explicit_ids", len(ids)).Msg("campaign drafted")
	return s.store.GetCampaign(ctx, id)
}

// Duplicate drafts a copy of an existing campaign, whatever its status.
func (s *Service) Duplicate(ctx context.Context, id string) (engine.Campaign, error) {
	src, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return engine.Campaign{}, err
	}
	return s.CreateDraft(ctx, Draft{
		Name:        src.Name + " (copy)",
		Message:     src.Message,
		Intent:      src.Intent,
		RuleID:      src.RuleID,
		CustomerIDs: src.ExplicitCustomerIDs,
	})
}

func (s *Service) Get(ctx context.Context, id string) (engine.Campaign, error) {
	return s.store.GetCampaign(ctx, id)
}

type Filter struct {
	// Query matches name, message or intent, case-insensitively.
	Query  string
	Status engine.Status
}

func (f Filter) match(c engine.Campaign) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(c.Name), q) ||
		strings.Contains(strings.ToLower(c.Message), q) ||
		strings.Contains(strings.ToLower(c.Intent), q)
}

func (s *Service) List(ctx context.Context, f Filter) ([]engine.Campaign, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", engine.ErrInvalidCampaign, f.Status)
	}
	all, err := s.store.ListCampaigns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]engine.Campaign, 0, len(all))
	for _, c := range all {
		if f.match(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

type Stats struct {
	Total         int `json:"total"`
	Draft         int `json:"draft"`
	Active        int `json:"active"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	TotalAudience int `json:"totalAudience"`
	TotalSent     int `json:"totalSent"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	all, err := s.store.ListCampaigns(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, c := range all {
		st.Total++
		switch {
		case c.Status == engine.StatusDraft:
			st.Draft++
		case c.Status.InProgress():
			st.Active++
		case c.Status == engine.StatusSent, c.Status == engine.StatusCompletedWithErrors:
			st.Completed++
		case c.Status == engine.StatusError:
			st.Failed++
		}
		st.TotalAudience += c.AudienceSize
		st.TotalSent += c.SentCount
	}
	return st, nil
}

// SuggestMessage asks the generator for draft copy. ruleID is optional.
func (s *Service) SuggestMessage(ctx context.Context, name, ruleID string) (string, error) {
	desc := ""
	if ruleID = strings.TrimSpace(ruleID); ruleID != "" {
		rule, err := s.store.GetRule(ctx, ruleID)
		if err != nil {
			return "", err
		}
		desc = engine.Describe(rule)
	}
	msg, err := s.gen.Generate(ctx, name, desc)
	if errors.Is(err, textgen.ErrEmptyInput) {
		return "", fmt.Errorf("%w: %w", engine.ErrInvalidCampaign, err)
	}
	if err != nil {
		return "", fmt.Errorf("suggest message: %w", err)
	}
	return msg, nil
}

func (s *Service) CreateRule(ctx context.Context, rule engine.SegmentRule) (engine.SegmentRule, error) {
	rule, err := engine.NormalizeRule(rule)
	if err != nil {
		return engine.SegmentRule{}, err
	}
	rule.ID = s.newID()
	rule.Name = strings.TrimSpace(rule.Name)
	rule.CreatedBy = auth.FromContext(ctx).Subject
	rule.CreatedAt = s.now().UTC()
	if _, err := s.store.CreateRule(ctx, rule); err != nil {
		return engine.SegmentRule{}, fmt.Errorf("create rule: %w", err)
	}
	log.Info().Str("rule_id", rule.ID).Str("rule", engine.Describe(rule)).Msg("rule created")
	return rule, nil
}

func (s *Service) GetRule(ctx context.Context, id string) (engine.SegmentRule, error) {
	return s.store.GetRule(ctx, id)
}

func (s *Service) ListRules(ctx context.Context) ([]engine.SegmentRule, error) {
	return s.store.ListRules(ctx)
}

func cleanIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
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
