package engine

import (
	"math"
	"time"
)

// Operator is one of the six numeric comparators a condition supports.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
)

// LogicType fixes how the conditions of a rule combine.
type LogicType string

const (
	LogicAnd LogicType = "AND"
	LogicOr  LogicType = "OR"
)

// Condition is a single field/operator/value test.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

// SegmentRule is immutable once created; edits go through CreateRule again.
type SegmentRule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	LogicType  LogicType   `json:"logicType"`
	Conditions []Condition `json:"conditions"`
	CreatedBy  string      `json:"createdBy,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Customer is owned by the external store; the core only reads it.
type Customer struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Email      string             `json:"email"`
	Attributes map[string]float64 `json:"attributes"`
}

// Status is the campaign lifecycle state.
type Status string

const (
	StatusDraft               Status = "draft"
	StatusQueued              Status = "queued"
	StatusSending             Status = "sending"
	StatusSent                Status = "sent"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusError               Status = "error"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusCompletedWithErrors, StatusError:
		return true
	}
	return false
}

// InProgress reports whether a dispatch run owns the campaign.
func (s Status) InProgress() bool { return s == StatusQueued || s == StatusSending }

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusSending, StatusSent, StatusCompletedWithErrors, StatusError:
		return true
	}
	return false
}

// Counters are the aggregate delivery numbers persisted with every transition.
type Counters struct {
	AudienceSize int `json:"audienceSize"`
	SentCount    int `json:"sentCount"`
	FailedCount  int `json:"failedCount"`
}

type Campaign struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Message             string   `json:"message"`
	Intent              string   `json:"intent,omitempty"`
	RuleID              string   `json:"ruleId,omitempty"`
	ExplicitCustomerIDs []string `json:"customerIds,omitempty"`
	Status              Status   `json:"status"`
	Counters
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeliveryRate is the percentage of the audience that was delivered, rounded.
func (c Campaign) DeliveryRate() int {
	if c.AudienceSize <= 0 {
		return 0
	}
	return int(math.Round(float64(c.SentCount) / float64(c.AudienceSize) * 100))
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// DeliveryResult is the per-recipient outcome of one dispatch run.
type DeliveryResult struct {
	CustomerID string  `json:"customerId"`
	Outcome    Outcome `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`
	Attempts   int     `json:"attempts"`
}

// ConditionResult explains how one condition evaluated against a customer.
type ConditionResult struct {
	Condition
	Actual  *float64 `json:"actual,omitempty"`
	Matched bool     `json:"matched"`
}
