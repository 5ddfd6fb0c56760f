package dispatch

import (
	"fmt"
	"strings"
	"text/template"

	"campaign-dispatch/internal/engine"
)

// messageData is what a campaign message template can reference.
type messageData struct {
	ID     string
	Name   string
	Email  string
	Intent string

	attributes map[string]float64
}

// Attr fails rendering for a recipient missing the attribute instead of
// printing a zero.
func (d messageData) Attr(name string) (float64, error) {
	v, ok := d.attributes[name]
	if !ok {
		return 0, fmt.Errorf("customer %s has no attribute %q", d.ID, name)
	}
	return v, nil
}

// FirstName is the first word of Name, or Name when it has none.
func (d messageData) FirstName() string {
	if f := strings.Fields(d.Name); len(f) > 0 {
		return f[0]
	}
	return d.Name
}

type renderer struct {
	tmpl *template.Template
	err  error
}

// newRenderer parses the campaign message once per run. A parse error is
// kept and reported for every recipient.
func newRenderer(c engine.Campaign) *renderer {
	t, err := template.New(c.ID).Option("missingkey=error").Parse(c.Message)
	if err != nil {
		return &renderer{err: fmt.Errorf("parse message: %w", err)}
	}
	return &renderer{tmpl: t}
}

func (r *renderer) render(c engine.Campaign, cust engine.Customer) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	var b strings.Builder
	err := r.tmpl.Execute(&b, messageData{
		ID:         cust.ID,
		Name:       cust.Name,
		Email:      cust.Email,
		Intent:     c.Intent,
		attributes: cust.Attributes,
	})
	if err != nil {
		return "", fmt.Errorf("render message: %w", err)
	}
	return b.String(), nil
}

// ValidateMessage reports template syntax errors at draft time. Missing
// attributes can only be detected per recipient.
func ValidateMessage(msg string) error {
	if _, err := template.New("message").Option("missingkey=error").Parse(msg); err != nil {
		return fmt.Errorf("%w: message template: %w", engine.ErrInvalidCampaign, err)
	}
	return nil
}
