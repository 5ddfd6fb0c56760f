// Package sender delivers rendered campaign messages to a single recipient
// and classifies delivery errors for the dispatch retry policy.
package sender

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/rs/zerolog/log"

	"campaign-dispatch/internal/engine"
)

// Sender must be safe for concurrent use; calls carry no ordering guarantee.
type Sender interface {
	Send(ctx context.Context, customer engine.Customer, message string) error
}

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrUnavailable      = errors.New("sender transport unavailable")
	ErrInvalidRecipient = errors.New("invalid recipient")
)

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error { return e.cause }

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target) || errors.Is(err, ErrInvalidRecipient)
}

// IsOutage reports whether err means the sender could not be reached at all,
// as opposed to rejecting one recipient.
func IsOutage(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

// Reason renders err as a short, stable failure reason.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRecipient):
		return "invalid_recipient"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case IsOutage(err):
		return "unavailable"
	default:
		return strings.TrimSpace(err.Error())
	}
}

// Log is a Sender for local development that writes each message to the log.
type Log struct{}

func (Log) Send(ctx context.Context, customer engine.Customer, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(customer.Email) == "" {
		return Permanent(ErrInvalidRecipient)
	}
	log.Info().Str("customer_id", customer.ID).Str("email", customer.Email).Str("message", message).Msg("message sent")
	return nil
}
