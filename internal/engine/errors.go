package engine

import "errors"

var (
	ErrNotFound                  = errors.New("not found")
	ErrInvalidRule               = errors.New("invalid segment rule")
	ErrInvalidCampaign           = errors.New("invalid campaign")
	ErrInvalidAudienceSpec       = errors.New("invalid audience spec: a rule id or explicit customer ids are required")
	ErrInvalidTransition         = errors.New("invalid campaign status transition")
	ErrDispatchAlreadyInProgress = errors.New("dispatch already in progress")
	ErrPersistenceFailure        = errors.New("persistence failure")
	ErrSenderUnavailable         = errors.New("sender unavailable")
)

// Kind returns a short label for a sentinel wrapped in err, used as the
// error_type log field and metric label.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRule):
		return "invalid_rule"
	case errors.Is(err, ErrInvalidCampaign):
		return "invalid_campaign"
	case errors.Is(err, ErrInvalidAudienceSpec):
		return "invalid_audience_spec"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrDispatchAlreadyInProgress):
		return "dispatch_in_progress"
	case errors.Is(err, ErrPersistenceFailure):
		return "persistence_failure"
	case errors.Is(err, ErrSenderUnavailable):
		return "sender_unavailable"
	default:
		return "internal"
	}
}
