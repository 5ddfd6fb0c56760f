// Package textgen drafts campaign copy from a campaign name and a rule
// description. Suggestions are advisory: the operator edits or discards them
// before the draft is saved.
package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Generator interface {
	Generate(ctx context.Context, campaignName, ruleDescription string) (string, error)
}

var ErrEmptyInput = errors.New("campaign name is required")

// Static fills a fixed template; it never fails on non-empty input.
type Static struct{}

func (Static) Generate(_ context.Context, campaignName, ruleDescription string) (string, error) {
	name := strings.TrimSpace(campaignName)
	if name == "" {
		return "", ErrEmptyInput
	}
	msg := "Hi {{.FirstName}}, " + name + " is here and we saved something for you."
	if d := strings.TrimSpace(ruleDescription); d != "" {
		msg += " Picked for customers with " + d + "."
	}
	return msg, nil
}

type HTTPConfig struct {
	URL        string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTP calls an OpenAI-compatible responses endpoint.
type HTTP struct {
	cfg HTTPConfig
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("textgen url is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("textgen model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTP{cfg: cfg}, nil
}

func prompt(campaignName, ruleDescription string) string {
	var b strings.Builder
	b.WriteString("Write one short, friendly marketing message for a campaign named \"")
	b.WriteString(campaignName)
	b.WriteString("\".")
	if ruleDescription != "" {
		b.WriteString(" The audience is customers matching: ")
		b.WriteString(ruleDescription)
		b.WriteString(".")
	}
	b.WriteString(" Address the customer as {{.FirstName}}. Reply with the message only.")
	return b.String()
}

func (h *HTTP) Generate(ctx context.Context, campaignName, ruleDescription string) (string, error) {
	name := strings.TrimSpace(campaignName)
	if name == "" {
		return "", ErrEmptyInput
	}
	body, err := json.Marshal(map[string]any{
		"model": h.cfg.Model,
		"input": prompt(name, strings.TrimSpace(ruleDescription)),
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(h.cfg.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	res, err := h.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("generate request status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var payload struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if out := strings.TrimSpace(payload.OutputText); out != "" {
		return out, nil
	}
	for _, item := range payload.Output {
		for _, c := range item.Content {
			if out := strings.TrimSpace(c.Text); out != "" {
				return out, nil
			}
		}
	}
	return "", fmt.Errorf("generate response missing output text")
}

// Fallback tries Primary and answers from Secondary when it fails.
type Fallback struct {
	Primary   Generator
	Secondary Generator
}

func (f Fallback) Generate(ctx context.Context, campaignName, ruleDescription string) (string, error) {
	msg, err := f.Primary.Generate(ctx, campaignName, ruleDescription)
	if err == nil || errors.Is(err, ErrEmptyInput) {
		return msg, err
	}
	log.Warn().Err(err).Str("campaign", campaignName).Msg("text generation failed, using fallback")
	return f.Secondary.Generate(ctx, campaignName, ruleDescription)
}
