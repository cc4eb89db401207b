package metering

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the usage ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const recordCols = 13 // per row, excluding server-generated id

// BatchInsert writes records in a single multi-row INSERT. It is a no-op when
// records is empty.
func (s *Store) BatchInsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	query, args := buildInsert(records)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting usage records: %w", err)
	}
	return nil
}

func buildInsert(records []Record) (string, []any) {
	args := make([]any, 0, len(records)*recordCols)
	rows := make([]string, 0, len(records))

	for i, r := range records {
		placeholders := make([]string, recordCols)
		for j := range placeholders {
			placeholders[j] = "$" + strconv.Itoa(i*recordCols+j+1)
		}
		rows = append(rows, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.RequestID,
			r.Identity,
			r.Operation,
			r.Provider,
			r.Model,
			r.PromptTokens,
			r.CompletionTokens,
			r.CostCents,
			r.LatencyMs,
			r.Success,
			r.CacheHit,
			r.ErrorKind,
			r.Timestamp,
		)
	}

	return `INSERT INTO usage_records
		(request_id, identity, operation, provider, model, prompt_tokens,
		 completion_tokens, cost_cents, latency_ms, success, cache_hit,
		 error_kind, timestamp)
		VALUES ` + strings.Join(rows, ", "), args
}

// GetSummary returns aggregate usage matching the query filters.
func (s *Store) GetSummary(ctx context.Context, q Query) (*Summary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(cost_cents), 0),
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(prompt_tokens + completion_tokens), 0),
		COALESCE(AVG(latency_ms), 0)
	FROM usage_records` + where

	var summary Summary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalRequests,
		&summary.TotalCents,
		&summary.SuccessCount,
		&summary.ErrorCount,
		&summary.CacheHits,
		&summary.TotalTokens,
		&summary.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}

	return &summary, nil
}

// ListRecords returns a page of records matching the query filters, ordered
// by timestamp DESC, id DESC. It returns the next cursor, or an empty string
// when there are no more results.
func (s *Store) ListRecords(ctx context.Context, q Query) ([]*Record, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// The cursor encodes "timestamp|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, request_id, identity, operation, provider, model,
		prompt_tokens, completion_tokens, cost_cents, latency_ms, success,
		cache_hit, error_kind, timestamp
	FROM usage_records` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // one extra row tells us whether there is a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.Identity, &r.Operation, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.CostCents, &r.LatencyMs, &r.Success,
			&r.CacheHit, &r.ErrorKind, &r.Timestamp,
		); err != nil {
			return nil, "", fmt.Errorf("scanning usage record: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage records: %w", err)
	}

	var nextCursor string
	if len(records) > limit {
		last := records[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.ID)
		records = records[:limit]
	}

	return records, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.Identity != "" {
		args = append(args, q.Identity)
		conditions = append(conditions, fmt.Sprintf("identity = $%d", len(args)))
	}
	if q.Operation != "" {
		args = append(args, q.Operation)
		conditions = append(conditions, fmt.Sprintf("operation = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// ErrInvalidCursor is returned by ListRecords for an undecodable cursor.
var ErrInvalidCursor = errors.New("invalid cursor")

func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
