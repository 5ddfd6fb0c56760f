package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"campaign-dispatch/internal/engine"
)

// HTTPConfig configures the webhook sender.
type HTTPConfig struct {
	URL        string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTP posts each message as JSON to a delivery webhook that fronts the real
// channel (email, SMS, push).
type HTTP struct {
	cfg HTTPConfig
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("sender url is required")
	}
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &HTTP{cfg: cfg}, nil
}

type deliveryRequest struct {
	CustomerID string `json:"customerId"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Message    string `json:"message"`
}

func (h *HTTP) Send(ctx context.Context, customer engine.Customer, message string) error {
	body, err := json.Marshal(deliveryRequest{
		CustomerID: customer.ID,
		Name:       customer.Name,
		Email:      customer.Email,
		Message:    message,
	})
	if err != nil {
		return Permanent(fmt.Errorf("marshal delivery request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build delivery request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	res, err := h.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("deliver to %s: %w", customer.ID, ctx.Err())
		}
		if isTimeout(err) {
			return fmt.Errorf("deliver to %s: %w: %v", customer.ID, context.DeadlineExceeded, err)
		}
		return fmt.Errorf("deliver to %s: %w: %v", customer.ID, ErrUnavailable, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	return classifyStatus(customer.ID, res.StatusCode)
}

func classifyStatus(customerID string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("deliver to %s: %w", customerID, ErrRateLimited)
	case code == http.StatusBadGateway, code == http.StatusServiceUnavailable, code == http.StatusGatewayTimeout:
		return fmt.Errorf("deliver to %s: status %d: %w", customerID, code, ErrUnavailable)
	case code >= 500:
		return fmt.Errorf("deliver to %s: status %d", customerID, code)
	case code == http.StatusRequestTimeout:
		return fmt.Errorf("deliver to %s: %w", customerID, context.DeadlineExceeded)
	default:
		return Permanent(fmt.Errorf("deliver to %s: status %d: %w", customerID, code, ErrInvalidRecipient))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
