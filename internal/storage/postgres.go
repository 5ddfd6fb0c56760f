package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"campaign-dispatch/internal/config"
	"campaign-dispatch/internal/engine"
	"campaign-dispatch/migrations"
)

const (
	queryTimeout         = 5 * time.Second
	defaultNotifyChannel = "customer_data_change"
)

type Postgres struct {
	pool    *pgxpool.Pool
	channel string
}

func NewPostgres(ctx context.Context, cfg config.Config) (*Postgres, error) {
	dsn := cfg.DSN()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return NewPostgresFromPool(pool, cfg.Listener.Channel), nil
}

func NewPostgresFromPool(pool *pgxpool.Pool, channel string) *Postgres {
	if channel == "" {
		channel = defaultNotifyChannel
	}
	return &Postgres{pool: pool, channel: channel}
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded goose migrations.
func (s *Postgres) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Postgres) UpsertCustomers(ctx context.Context, customers []engine.Customer) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	b := &pgx.Batch{}
	for _, c := range customers {
		attrs, err := json.Marshal(nonNilAttrs(c.Attributes))
		if err != nil {
			return fmt.Errorf("marshal attributes for %s: %w", c.ID, err)
		}
		b.Queue(`
			INSERT INTO customers (id, name, email, attributes)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, email = EXCLUDED.email,
			    attributes = EXCLUDED.attributes, updated_at = NOW()
		`, c.ID, c.Name, c.Email, attrs)
	}
	return execBatch(ctx, s.pool, b, len(customers), "upsert customers")
}

func (s *Postgres) ListCustomers(ctx context.Context) ([]engine.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT id, name, email, attributes FROM customers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	return scanCustomers(rows)
}

func (s *Postgres) GetCustomersByIDs(ctx context.Context, ids []string) ([]engine.Customer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, attributes FROM customers
		WHERE id = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query customers by ids: %w", err)
	}
	return scanCustomers(rows)
}

func scanCustomers(rows pgx.Rows) ([]engine.Customer, error) {
	defer rows.Close()
	var out []engine.Customer
	for rows.Next() {
		var (
			c     engine.Customer
			attrs []byte
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &attrs); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes for %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) CreateRule(ctx context.Context, rule engine.SegmentRule) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	conds, err := json.Marshal(rule.Conditions)
	if err != nil {
		return "", fmt.Errorf("marshal conditions: %w", err)
	}
	var id string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO segment_rules (id, name, logic_type, conditions, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, rule.ID, rule.Name, string(rule.LogicType), conds, rule.CreatedBy).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create rule: %w", err)
	}
	return id, nil
}

const ruleColumns = `id, name, logic_type, conditions, created_by, created_at`

func (s *Postgres) GetRule(ctx context.Context, id string) (engine.SegmentRule, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rule, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM segment_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.SegmentRule{}, fmt.Errorf("rule %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return engine.SegmentRule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

func (s *Postgres) ListRules(ctx context.Context) ([]engine.SegmentRule, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM segment_rules ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []engine.SegmentRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanRule(row pgx.Row) (engine.SegmentRule, error) {
	var (
		r     engine.SegmentRule
		logic string
		conds []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &logic, &conds, &r.CreatedBy, &r.CreatedAt); err != nil {
		return engine.SegmentRule{}, err
	}
	r.LogicType = engine.LogicType(logic)
	if err := json.Unmarshal(conds, &r.Conditions); err != nil {
		return engine.SegmentRule{}, fmt.Errorf("decode conditions: %w", err)
	}
	return r, nil
}

func (s *Postgres) CreateCampaign(ctx context.Context, c engine.Campaign) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO campaigns (id, name, message, intent, rule_id, customer_ids, status, created_by)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		RETURNING id
	`, c.ID, c.Name, c.Message, c.Intent, c.RuleID, nonNilIDs(c.ExplicitCustomerIDs), string(c.Status), c.CreatedBy).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	return id, nil
}

const campaignColumns = `id, name, message, intent, COALESCE(rule_id, ''), customer_ids, status,
	audience_size, sent_count, failed_count, created_by, created_at, updated_at`

func (s *Postgres) GetCampaign(ctx context.Context, id string) (engine.Campaign, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	c, err := scanCampaign(s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Campaign{}, fmt.Errorf("campaign %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return engine.Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *Postgres) ListCampaigns(ctx context.Context) ([]engine.Campaign, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var out []engine.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanCampaign(row pgx.Row) (engine.Campaign, error) {
	var (
		c      engine.Campaign
		status string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Message, &c.Intent, &c.RuleID, &c.ExplicitCustomerIDs, &status,
		&c.AudienceSize, &c.SentCount, &c.FailedCount, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return engine.Campaign{}, err
	}
	c.Status = engine.Status(status)
	return c, nil
}

func (s *Postgres) UpdateCampaignStatus(ctx context.Context, id string, status engine.Status, counters engine.Counters) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, audience_size = $3, sent_count = $4, failed_count = $5, updated_at = NOW()
		WHERE id = $1
	`, id, string(status), counters.AudienceSize, counters.SentCount, counters.FailedCount)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", id, engine.ErrNotFound)
	}
	return nil
}

// TransitionCampaignStatus is a compare-and-set on status, so only one
// writer can move a campaign out of from.
func (s *Postgres) TransitionCampaignStatus(ctx context.Context, id string, from, to engine.Status, counters engine.Counters) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, audience_size = $3, sent_count = $4, failed_count = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, string(to), counters.AudienceSize, counters.SentCount, counters.FailedCount, string(from))
	if err != nil {
		return fmt.Errorf("transition campaign status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("campaign %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read campaign status: %w", err)
	}
	return fmt.Errorf("%w: campaign %s is %s, not %s", engine.ErrInvalidTransition, id, current, from)
}

func (s *Postgres) RecordDeliveries(ctx context.Context, campaignID string, results []engine.DeliveryResult) error {
	if len(results) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	b := &pgx.Batch{}
	for _, r := range results {
		b.Queue(`
			INSERT INTO campaign_deliveries (campaign_id, customer_id, outcome, reason, attempts)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (campaign_id, customer_id) DO UPDATE
			SET outcome = EXCLUDED.outcome, reason = EXCLUDED.reason,
			    attempts = campaign_deliveries.attempts + EXCLUDED.attempts, updated_at = NOW()
		`, campaignID, r.CustomerID, string(r.Outcome), r.Reason, r.Attempts)
	}
	return execBatch(ctx, s.pool, b, len(results), "record deliveries")
}

func (s *Postgres) ListDeliveries(ctx context.Context, campaignID string) ([]engine.DeliveryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT customer_id, outcome, reason, attempts
		FROM campaign_deliveries
		WHERE campaign_id = $1
		ORDER BY customer_id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []engine.DeliveryResult
	for rows.Next() {
		var (
			r       engine.DeliveryResult
			outcome string
		)
		if err := rows.Scan(&r.CustomerID, &outcome, &r.Reason, &r.Attempts); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		r.Outcome = engine.Outcome(outcome)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) ListenChannel() string {
	return s.channel
}

func (s *Postgres) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}

func execBatch(ctx context.Context, pool *pgxpool.Pool, b *pgx.Batch, n int, op string) error {
	if n == 0 {
		return nil
	}
	br := pool.SendBatch(ctx, b)
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func nonNilAttrs(in map[string]float64) map[string]float64 {
	if in == nil {
		return map[string]float64{}
	}
	return in
}

func nonNilIDs(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
