// Package campaignctl is a small operator client for the campaign API: it
// starts, resumes and cancels dispatch runs and watches their progress.
package campaignctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"campaign-dispatch/internal/dispatch"
)

// Config holds campaignctl command configuration.
type Config struct {
	BaseURL    string
	Token      string
	Interval   time.Duration
	Command    string
	CampaignID string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

var commands = map[string]bool{"dispatch": true, "resume": true, "watch": true, "status": true, "cancel": true}

// ParseConfig parses flags followed by "<command> <campaign-id>".
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{BaseURL: "http://localhost:8080", Interval: 500 * time.Millisecond}
	if v, ok := lookup("CAMPAIGN_API_URL"); ok && v != "" {
		cfg.BaseURL = v
	}
	if v, ok := lookup("CAMPAIGN_API_TOKEN"); ok {
		cfg.Token = v
	}

	fs.StringVar(&cfg.BaseURL, "url", cfg.BaseURL, "campaign API base URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "status poll interval")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	rest := fs.Args()
	if len(rest) != 2 {
		return Config{}, errors.New("usage: campaignctl [flags] dispatch|resume|watch|status|cancel <campaign-id>")
	}
	cfg.Command, cfg.CampaignID = rest[0], strings.TrimSpace(rest[1])
	if !commands[cfg.Command] {
		return Config{}, fmt.Errorf("unknown command %q", cfg.Command)
	}
	if cfg.CampaignID == "" {
		return Config{}, errors.New("campaign id is required")
	}
	if cfg.Interval <= 0 {
		return Config{}, errors.New("interval must be positive")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

type client struct {
	cfg  Config
	http *http.Client
}

type apiError struct {
	Status int
	Msg    string `json:"error"`
	Type   string `json:"type"`
}

func (e *apiError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("api returned %d", e.Status)
	}
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Msg)
}

func (c *client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 300 {
		apiErr := &apiError{Status: res.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Run executes one command. dispatch and resume keep watching until the run
// reaches a terminal status.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	c := &client{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}}
	base := "/v1/campaigns/" + cfg.CampaignID

	switch cfg.Command {
	case "dispatch", "resume":
		if err := c.do(ctx, http.MethodPost, base+"/"+cfg.Command, nil); err != nil {
			return fmt.Errorf("%s %s: %w", cfg.Command, cfg.CampaignID, err)
		}
		fmt.Fprintf(errOut, "%s started for %s\n", cfg.Command, cfg.CampaignID)
		return watch(ctx, c, base, out)
	case "watch":
		return watch(ctx, c, base, out)
	case "cancel":
		if err := c.do(ctx, http.MethodPost, base+"/cancel", nil); err != nil {
			return fmt.Errorf("cancel %s: %w", cfg.CampaignID, err)
		}
		fmt.Fprintf(out, "cancel requested for %s\n", cfg.CampaignID)
		return nil
	default:
		var p dispatch.Progress
		if err := c.do(ctx, http.MethodGet, base+"/status", &p); err != nil {
			return fmt.Errorf("status %s: %w", cfg.CampaignID, err)
		}
		printSummary(out, p)
		return nil
	}
}

// maxUnpersistedPolls bounds how long watch waits for a terminal status to be
// saved before reporting it as is.
const maxUnpersistedPolls = 10

func watch(ctx context.Context, c *client, base string, out io.Writer) error {
	var bar *progressbar.ProgressBar
	unpersisted := 0
	t := time.NewTicker(c.cfg.Interval)
	defer t.Stop()

	for {
		var p dispatch.Progress
		if err := c.do(ctx, http.MethodGet, base+"/status", &p); err != nil {
			return fmt.Errorf("status %s: %w", c.cfg.CampaignID, err)
		}

		if p.AudienceSize > 0 {
			if bar == nil {
				bar = progressbar.NewOptions(p.AudienceSize,
					progressbar.OptionSetWriter(out),
					progressbar.OptionSetDescription(c.cfg.CampaignID),
					progressbar.OptionShowCount(),
					progressbar.OptionSetPredictTime(false),
				)
			}
			_ = bar.Set(p.SentCount + p.FailedCount)
		}

		if p.Status.Terminal() {
			if !p.Persisted {
				unpersisted++
			}
			if p.Persisted || unpersisted >= maxUnpersistedPolls {
				if bar != nil {
					_ = bar.Finish()
					fmt.Fprintln(out)
				}
				printSummary(out, p)
				if !p.Persisted {
					fmt.Fprintf(out, "warning: final status of %s not yet persisted, server will keep retrying\n", c.cfg.CampaignID)
				}
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func printSummary(out io.Writer, p dispatch.Progress) {
	fmt.Fprintf(out, "%s: %s audience=%d sent=%d failed=%d rate=%d%%\n",
		p.CampaignID, p.Status, p.AudienceSize, p.SentCount, p.FailedCount, p.DeliveryRate)
}
