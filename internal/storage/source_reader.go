package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/schmalle/secman-snapshot/internal/snapshot"
)

// ErrSourceQueryFailed is returned when a source-of-truth query fails.
var ErrSourceQueryFailed = errors.New("source query failed")

// SourceStore reads refresh candidates from the live asset and finding
// tables. It is a pure query facade: the refresh engine never writes to the
// source schema.
//
// A candidate is an asset with at least one open finding detected before the
// staleness cutoff. Counts and ages aggregate only those overdue findings.
type SourceStore struct {
	conn        *Connection
	logger      *slog.Logger
	groupFilter []int64
}

// SourceStoreOption configures a SourceStore.
type SourceStoreOption func(*SourceStore)

// WithGroupFilter restricts the candidate set to assets belonging to the
// given groups. An empty filter (the default) considers every asset.
// This is a deployment-level setting for instances that snapshot only a
// subset of the estate; per-caller scoping happens at query time instead.
func WithGroupFilter(groupIDs []int64) SourceStoreOption {
	return func(s *SourceStore) {
		s.groupFilter = groupIDs
	}
}

// NewSourceStore creates a source reader over the given connection.
func NewSourceStore(conn *Connection, logger *slog.Logger, opts ...SourceStoreOption) *SourceStore {
	if logger == nil {
		logger = slog.Default()
	}

	store := &SourceStore{conn: conn, logger: logger}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// CountCandidates implements refresh.SourceReader.
func (s *SourceStore) CountCandidates(ctx context.Context, staleBefore time.Time) (int, error) {
	query := `
		SELECT COUNT(DISTINCT f.asset_id)
		FROM finding f
		WHERE f.status = 'OPEN' AND f.detected_at < $1
	`
	args := []interface{}{staleBefore}

	if len(s.groupFilter) > 0 {
		query += `
		AND f.asset_id IN (
			SELECT m.asset_id FROM asset_group_member m WHERE m.group_id = ANY($2)
		)`
		args = append(args, pq.Array(s.groupFilter))
	}

	var count int

	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count candidates: %w", ErrSourceQueryFailed, err)
	}

	return count, nil
}

// FetchCandidates implements refresh.SourceReader. Batches walk the asset id
// in keyset fashion (id > afterID, ordered ascending), so rows inserted by a
// concurrent import never shift later batches the way LIMIT/OFFSET would;
// consecutive batches cannot overlap or skip assets that existed at run start.
func (s *SourceStore) FetchCandidates(
	ctx context.Context,
	staleBefore time.Time,
	afterID int64,
	limit int,
) ([]snapshot.Row, error) {
	start := time.Now()

	query, args := s.buildCandidateQuery(staleBefore, afterID, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch candidates: %w", ErrSourceQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var results []snapshot.Row

	for rows.Next() {
		var (
			row      snapshot.Row
			groupIDs pq.Int64Array
		)

		err := rows.Scan(
			&row.AssetID, &row.AssetName, &row.AssetType, &groupIDs,
			&row.TotalFindings,
			&row.Severities.Critical, &row.Severities.High,
			&row.Severities.Medium, &row.Severities.Low,
			&row.OldestFindingDays,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan candidate row: %w", ErrSourceQueryFailed, err)
		}

		row.GroupIDs = groupIDs
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrSourceQueryFailed, err)
	}

	s.logger.Debug("fetched candidate batch",
		slog.Int("count", len(results)),
		slog.Int64("after_id", afterID),
		slog.Duration("duration", time.Since(start)))

	return results, nil
}

// buildCandidateQuery assembles the aggregate query. Severity buckets are
// computed with FILTER clauses in one pass; group membership comes from a
// pre-aggregated lateral-free subquery to keep the GROUP BY small.
func (s *SourceStore) buildCandidateQuery(staleBefore time.Time, afterID int64, limit int) (string, []interface{}) {
	query := `
		SELECT
			a.id, a.name, a.asset_type,
			COALESCE(g.group_ids, '{}') AS group_ids,
			COUNT(f.id) AS total_findings,
			COUNT(*) FILTER (WHERE f.severity = 'critical') AS critical_count,
			COUNT(*) FILTER (WHERE f.severity = 'high') AS high_count,
			COUNT(*) FILTER (WHERE f.severity = 'medium') AS medium_count,
			COUNT(*) FILTER (WHERE f.severity = 'low') AS low_count,
			GREATEST(0, EXTRACT(DAY FROM NOW() - MIN(f.detected_at)))::int AS oldest_finding_days
		FROM asset a
		JOIN finding f
			ON f.asset_id = a.id
			AND f.status = 'OPEN'
			AND f.detected_at < $1
		LEFT JOIN (
			SELECT m.asset_id, array_agg(m.group_id ORDER BY m.group_id) AS group_ids
			FROM asset_group_member m
			GROUP BY m.asset_id
		) g ON g.asset_id = a.id
	`
	query += `
		WHERE a.id > $2`
	args := []interface{}{staleBefore, afterID}
	paramIndex := 3

	if len(s.groupFilter) > 0 {
		query += fmt.Sprintf(`
		AND a.id IN (
			SELECT m.asset_id FROM asset_group_member m WHERE m.group_id = ANY($%d)
		)`, paramIndex)
		args = append(args, pq.Array(s.groupFilter))
		paramIndex++
	}

	query += fmt.Sprintf(`
		GROUP BY a.id, a.name, a.asset_type, g.group_ids
		ORDER BY a.id
		LIMIT $%d
	`, paramIndex)
	args = append(args, limit)

	return query, args
}
