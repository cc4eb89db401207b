package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists budget configuration and closed periods.
type Store interface {
	// LoadConfig returns the stored config, or nil if none was saved.
	LoadConfig(ctx context.Context) (*Config, error)
	SaveConfig(ctx context.Context, cfg Config) error
	SavePeriod(ctx context.Context, pt PeriodTotal) error
	// ListPeriods returns up to limit closed periods, oldest first.
	ListPeriods(ctx context.Context, period string, limit int) ([]PeriodTotal, error)
	// SpendSince sums billed usage recorded at or after since.
	SpendSince(ctx context.Context, since time.Time) (cents int64, requests int64, err error)
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a new budget store backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// LoadConfig reads the singleton config row.
func (s *PGStore) LoadConfig(ctx context.Context) (*Config, error) {
	var (
		cfg   Config
		rules []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT daily_limit_cents, monthly_limit_cents, warning_threshold, emergency_threshold, auto_stop, rules
		 FROM budget_config
		 WHERE id = 1`,
	).Scan(&cfg.DailyLimitCents, &cfg.MonthlyLimitCents, &cfg.WarningThreshold, &cfg.EmergencyThreshold, &cfg.AutoStop, &rules)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting budget config: %w", err)
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &cfg.Rules); err != nil {
			return nil, fmt.Errorf("decoding budget rules: %w", err)
		}
	}
	return &cfg, nil
}

// SaveConfig upserts the singleton config row.
func (s *PGStore) SaveConfig(ctx context.Context, cfg Config) error {
	rules, err := json.Marshal(cfg.Rules)
	if err != nil {
		return fmt.Errorf("encoding budget rules: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO budget_config (id, daily_limit_cents, monthly_limit_cents, warning_threshold, emergency_threshold, auto_stop, rules, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (id)
		 DO UPDATE SET daily_limit_cents = EXCLUDED.daily_limit_cents,
		               monthly_limit_cents = EXCLUDED.monthly_limit_cents,
		               warning_threshold = EXCLUDED.warning_threshold,
		               emergency_threshold = EXCLUDED.emergency_threshold,
		               auto_stop = EXCLUDED.auto_stop,
		               rules = EXCLUDED.rules,
		               updated_at = now()`,
		cfg.DailyLimitCents, cfg.MonthlyLimitCents, cfg.WarningThreshold, cfg.EmergencyThreshold, cfg.AutoStop, rules,
	)
	if err != nil {
		return fmt.Errorf("upserting budget config: %w", err)
	}
	return nil
}

// SavePeriod upserts a closed period total.
func (s *PGStore) SavePeriod(ctx context.Context, pt PeriodTotal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_periods (period, period_start, period_end, spend_cents, requests)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (period, period_start)
		 DO UPDATE SET spend_cents = EXCLUDED.spend_cents, requests = EXCLUDED.requests`,
		pt.Period, pt.Start, pt.End, pt.SpendCents, pt.Requests,
	)
	if err != nil {
		return fmt.Errorf("upserting budget period: %w", err)
	}
	return nil
}

// ListPeriods returns the most recent closed periods of a kind, oldest first.
func (s *PGStore) ListPeriods(ctx context.Context, period string, limit int) ([]PeriodTotal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT period, period_start, period_end, spend_cents, requests
		 FROM (
		     SELECT period, period_start, period_end, spend_cents, requests
		     FROM budget_periods
		     WHERE period = $1
		     ORDER BY period_start DESC
		     LIMIT $2
		 ) recent
		 ORDER BY period_start`,
		period, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing budget periods: %w", err)
	}
	defer rows.Close()

	var out []PeriodTotal
	for rows.Next() {
		var pt PeriodTotal
		if err := rows.Scan(&pt.Period, &pt.Start, &pt.End, &pt.SpendCents, &pt.Requests); err != nil {
			return nil, fmt.Errorf("scanning budget period row: %w", err)
		}
		out = append(out, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating budget period rows: %w", err)
	}
	return out, nil
}

// spendSinceQuery counts only billed model calls, matching what RecordSpend
// counts live. Cache hits and failed or rejected calls are excluded.
const spendSinceQuery = `SELECT COALESCE(SUM(cost_cents), 0), COUNT(*)
	FROM usage_records
	WHERE timestamp >= $1 AND cache_hit = false AND success = true`

// SpendSince sums the usage ledger from since onwards.
func (s *PGStore) SpendSince(ctx context.Context, since time.Time) (int64, int64, error) {
	var cents, requests int64
	err := s.pool.QueryRow(ctx, spendSinceQuery, since).Scan(&cents, &requests)
	if err != nil {
		return 0, 0, fmt.Errorf("summing spend: %w", err)
	}
	return cents, requests, nil
}
