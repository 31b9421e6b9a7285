package archive

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the request archive.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of rows to the database in a single multi-row
// INSERT statement. It is a no-op when rows is empty. Replayed request ids
// are ignored so a collector retry after a partial failure stays safe.
func (s *Store) BatchInsert(ctx context.Context, batch []Row) error {
	if len(batch) == 0 {
		return nil
	}

	const cols = 10 // number of columns per row
	args := make([]any, 0, len(batch)*cols)
	values := make([]string, 0, len(batch))

	for i, row := range batch {
		base := i * cols
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
			base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			row.RequestID,
			row.User,
			row.Endpoint,
			row.Timestamp,
			row.RequestCount,
			row.ResponseTime,
			row.StatusCode,
			row.Cost,
			row.Billed,
			row.IPHash,
		)
	}

	query := `INSERT INTO request_archive
		(request_id, principal, endpoint, timestamp, request_count,
		 response_time_ms, status_code, cost, billed, ip_hash)
		VALUES ` + strings.Join(values, ", ") +
		` ON CONFLICT (request_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("batch inserting archive rows: %w", err)
	}

	return nil
}

// GetSummary returns aggregate usage metrics matching the given query
// filters.
func (s *Store) GetSummary(ctx context.Context, q Query) (*Summary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COALESCE(SUM(request_count), 0),
		COALESCE(SUM(cost), 0),
		COALESCE(SUM(CASE WHEN billed THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(response_time_ms), 0)::bigint
	FROM request_archive` + where

	var summary Summary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalRequests,
		&summary.TotalCost,
		&summary.BilledCount,
		&summary.ErrorCount,
		&summary.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying archive summary: %w", err)
	}

	return &summary, nil
}

// List returns a page of archived rows matching the query filters, ordered
// by timestamp DESC, request_id DESC. It uses cursor-based pagination and
// returns the next cursor (empty string if no more results).
func (s *Store) List(ctx context.Context, q Query) ([]*Row, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// Apply cursor: the cursor encodes "timestamp|request_id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, request_id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT request_id, principal, endpoint, timestamp, request_count,
		response_time_ms, status_code, cost, billed, ip_hash
	FROM request_archive` + where +
		` ORDER BY timestamp DESC, request_id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // fetch one extra to determine if there's a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing archive rows: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(
			&row.RequestID, &row.User, &row.Endpoint, &row.Timestamp,
			&row.RequestCount, &row.ResponseTime, &row.StatusCode,
			&row.Cost, &row.Billed, &row.IPHash,
		); err != nil {
			return nil, "", fmt.Errorf("scanning archive row: %w", err)
		}
		out = append(out, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating archive rows: %w", err)
	}

	var nextCursor string
	if len(out) > limit {
		last := out[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.RequestID)
		out = out[:limit]
	}

	return out, nextCursor, nil
}

// DeleteBefore removes archived rows older than the threshold, mirroring the
// in-memory log's retention cleanup. Returns the number of rows removed.
func (s *Store) DeleteBefore(ctx context.Context, threshold time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM request_archive WHERE timestamp < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("deleting archive rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.User != "" {
		args = append(args, q.User)
		conditions = append(conditions, fmt.Sprintf("principal = $%d", len(args)))
	}
	if q.Endpoint != "" {
		args = append(args, q.Endpoint)
		conditions = append(conditions, fmt.Sprintf("endpoint = $%d", len(args)))
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

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
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
