// Package seed loads customers, rules and draft campaigns from a YAML file
// into a store. It is used for local development with the memory driver and
// for demo databases.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"campaign-dispatch/internal/engine"
)

type File struct {
	Customers []Customer `yaml:"customers"`
	Rules     []Rule     `yaml:"rules"`
	Campaigns []Campaign `yaml:"campaigns"`
}

type Customer struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name"`
	Email      string             `yaml:"email"`
	Attributes map[string]float64 `yaml:"attributes"`
}

type Condition struct {
	Field    string  `yaml:"field"`
	Operator string  `yaml:"operator"`
	Value    float64 `yaml:"value"`
}

type Rule struct {
	ID         string      `yaml:"id"`
	Name       string      `yaml:"name"`
	LogicType  string      `yaml:"logicType"`
	Conditions []Condition `yaml:"conditions"`
}

type Campaign struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Message     string   `yaml:"message"`
	Intent      string   `yaml:"intent"`
	RuleID      string   `yaml:"ruleId"`
	CustomerIDs []string `yaml:"customerIds"`
}

type Store interface {
	UpsertCustomers(ctx context.Context, customers []engine.Customer) error
	CreateRule(ctx context.Context, rule engine.SegmentRule) (string, error)
	GetRule(ctx context.Context, id string) (engine.SegmentRule, error)
	CreateCampaign(ctx context.Context, c engine.Campaign) (string, error)
	GetCampaign(ctx context.Context, id string) (engine.Campaign, error)
}

func Load(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open seed file %s: %w", path, err)
	}
	defer f.Close()

	var out File
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		return File{}, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return out, nil
}

// Apply writes the file into store. Customers are upserted; rules and
// campaigns that already exist are left untouched, so Apply can run on
// every start.
func Apply(ctx context.Context, store Store, f File) error {
	customers := make([]engine.Customer, 0, len(f.Customers))
	for _, c := range f.Customers {
		customers = append(customers, engine.Customer{ID: c.ID, Name: c.Name, Email: c.Email, Attributes: c.Attributes})
	}
	if len(customers) > 0 {
		if err := store.UpsertCustomers(ctx, customers); err != nil {
			return fmt.Errorf("seed customers: %w", err)
		}
	}

	now := time.Now().UTC()
	rules := 0
	for _, r := range f.Rules {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("seed rule %q: id is required", r.Name)
		}
		if _, err := store.GetRule(ctx, r.ID); err == nil {
			continue
		} else if !errors.Is(err, engine.ErrNotFound) {
			return fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
		rule := engine.SegmentRule{ID: r.ID, Name: r.Name, LogicType: engine.LogicType(r.LogicType), CreatedBy: "seed", CreatedAt: now}
		for _, c := range r.Conditions {
			rule.Conditions = append(rule.Conditions, engine.Condition{Field: c.Field, Operator: engine.Operator(c.Operator), Value: c.Value})
		}
		rule, err := engine.NormalizeRule(rule)
		if err != nil {
			return fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
		if _, err := store.CreateRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
		rules++
	}

	campaigns := 0
	for _, c := range f.Campaigns {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("seed campaign %q: id is required", c.Name)
		}
		if _, err := store.GetCampaign(ctx, c.ID); err == nil {
			continue
		} else if !errors.Is(err, engine.ErrNotFound) {
			return fmt.Errorf("seed campaign %s: %w", c.ID, err)
		}
		if _, err := store.CreateCampaign(ctx, engine.Campaign{
			ID: c.ID, Name: c.Name, Message: c.Message, Intent: c.Intent,
			RuleID: c.RuleID, ExplicitCustomerIDs: c.CustomerIDs,
			Status: engine.StatusDraft, CreatedBy: "seed", CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("seed campaign %s: %w", c.ID, err)
		}
		campaigns++
	}

	log.Info().Int("customers", len(customers)).Int("rules", rules).Int("campaigns", campaigns).Msg("seed applied")
	return nil
}

// LoadAndApply is Load followed by Apply.
func LoadAndApply(ctx context.Context, store Store, path string) error {
	f, err := Load(path)
	if err != nil {
		return err
	}
	return Apply(ctx, store, f)
}
