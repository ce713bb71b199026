package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/schmalle/secman-snapshot/internal/snapshot"
)

// Sentinel errors for snapshot store operations.
var (
	// ErrSnapshotSwapFailed is returned when the atomic snapshot replacement fails.
	ErrSnapshotSwapFailed = errors.New("snapshot swap failed")

	// ErrSnapshotQueryFailed is returned when a snapshot read fails.
	ErrSnapshotQueryFailed = errors.New("snapshot query failed")
)

// slowQueryThreshold flags snapshot reads worth investigating.
const slowQueryThreshold = 500 * time.Millisecond

// SnapshotStore is the PostgreSQL store for the materialized snapshot table.
// The refresh orchestrator is its only writer; reads and the swap never
// overlap destructively because the swap is one transaction.
type SnapshotStore struct {
	conn   *Connection
	logger *slog.Logger
	now    func() time.Time
}

// NewSnapshotStore creates a snapshot store over the given connection.
func NewSnapshotStore(conn *Connection, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &SnapshotStore{conn: conn, logger: logger, now: time.Now}
}

// ReplaceSnapshot implements refresh.SnapshotWriter. The delete and the bulk
// insert commit together, so readers see the old snapshot until the commit
// and the complete new snapshot after it, never a mix. On any error the
// transaction rolls back and the previous snapshot stays untouched.
func (s *SnapshotStore) ReplaceSnapshot(ctx context.Context, rows []snapshot.Row) error {
	start := s.now()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrSnapshotSwapFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM asset_risk_snapshot`); err != nil {
		return fmt.Errorf("%w: failed to clear previous snapshot: %w", ErrSnapshotSwapFailed, err)
	}

	// One timestamp for the whole generation.
	refreshedAt := s.now().UTC()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO asset_risk_snapshot (
			asset_id, asset_name, asset_type, group_ids,
			total_findings, critical_count, high_count, medium_count, low_count,
			oldest_finding_days, refreshed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	if err != nil {
		return fmt.Errorf("%w: failed to prepare insert: %w", ErrSnapshotSwapFailed, err)
	}

	defer func() {
		_ = stmt.Close()
	}()

	for _, row := range rows {
		_, err := stmt.ExecContext(ctx,
			row.AssetID,
			row.AssetName,
			row.AssetType,
			pq.Array(row.GroupIDs),
			row.TotalFindings,
			row.Severities.Critical,
			row.Severities.High,
			row.Severities.Medium,
			row.Severities.Low,
			row.OldestFindingDays,
			refreshedAt,
		)
		if err != nil {
			return fmt.Errorf("%w: failed to insert row for asset %d: %w", ErrSnapshotSwapFailed, row.AssetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %w", ErrSnapshotSwapFailed, err)
	}

	s.logger.Info("replaced snapshot",
		slog.Int("rows", len(rows)),
		slog.Duration("duration", s.now().Sub(start)))

	return nil
}

// ListSnapshot returns one page of snapshot rows visible to the caller scope.
// Scope filtering happens in SQL, in the same query as the user filters, so
// restricted and unrestricted callers share a single code path.
func (s *SnapshotStore) ListSnapshot(
	ctx context.Context,
	scope snapshot.CallerScope,
	filter snapshot.ListFilter,
	page snapshot.Page,
) (*snapshot.ListResult, error) {
	start := s.now()

	query, args := buildSnapshotQuery(scope, filter, page)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	result := &snapshot.ListResult{Rows: []snapshot.Row{}}

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
			&row.OldestFindingDays, &row.RefreshedAt,
			&result.Total,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan row: %w", ErrSnapshotQueryFailed, err)
		}

		row.GroupIDs = groupIDs
		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrSnapshotQueryFailed, err)
	}

	duration := s.now().Sub(start)
	s.logger.Debug("queried snapshot",
		slog.Duration("duration", duration),
		slog.Int("result_count", len(result.Rows)),
		slog.Int("total", result.Total),
		slog.Bool("restricted", !scope.All))

	if duration > slowQueryThreshold {
		s.logger.Warn("slow snapshot query detected",
			slog.Duration("duration", duration),
			slog.Int("result_count", len(result.Rows)))
	}

	return result, nil
}

// LastRefreshed returns the timestamp of the current snapshot generation, or
// nil when no refresh has ever completed.
func (s *SnapshotStore) LastRefreshed(ctx context.Context) (*time.Time, error) {
	var refreshedAt sql.NullTime

	err := s.conn.QueryRowContext(ctx, `SELECT MAX(refreshed_at) FROM asset_risk_snapshot`).Scan(&refreshedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read last refreshed: %w", ErrSnapshotQueryFailed, err)
	}

	if !refreshedAt.Valid {
		return nil, nil
	}

	return &refreshedAt.Time, nil
}

// severityColumns whitelists the severity filter to concrete columns.
var severityColumns = map[string]string{
	snapshot.SeverityCritical: "critical_count",
	snapshot.SeverityHigh:     "high_count",
	snapshot.SeverityMedium:   "medium_count",
	snapshot.SeverityLow:      "low_count",
}

// sortOrders whitelists the sort key to concrete ORDER BY clauses.
var sortOrders = map[string]string{
	snapshot.SortByName:     "asset_name ASC",
	snapshot.SortByFindings: "total_findings DESC, asset_name ASC",
	snapshot.SortByOldest:   "oldest_finding_days DESC, asset_name ASC",
}

// buildSnapshotQuery constructs the snapshot SELECT with scope and filter
// conditions. Uses COUNT(*) OVER() for pagination totals in the same query.
// Returns (query, args) for use with QueryContext.
func buildSnapshotQuery(
	scope snapshot.CallerScope,
	filter snapshot.ListFilter,
	page snapshot.Page,
) (string, []interface{}) {
	baseQuery := `
		SELECT
			asset_id, asset_name, asset_type, group_ids,
			total_findings, critical_count, high_count, medium_count, low_count,
			oldest_finding_days, refreshed_at,
			COUNT(*) OVER() AS total_count
		FROM asset_risk_snapshot
	`

	conditions, args, paramIndex := buildSnapshotConditions(scope, filter)

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	order, ok := sortOrders[filter.SortBy]
	if !ok {
		order = sortOrders[snapshot.SortByName]
	}

	baseQuery += " ORDER BY " + order

	baseQuery += fmt.Sprintf(" LIMIT $%d OFFSET $%d", paramIndex, paramIndex+1)
	args = append(args, page.Limit, page.Offset)

	return baseQuery, args
}

// buildSnapshotConditions extracts WHERE conditions from scope and filter.
// Returns (conditions, args, nextParamIndex).
func buildSnapshotConditions(
	scope snapshot.CallerScope,
	filter snapshot.ListFilter,
) ([]string, []interface{}, int) {
	var conditions []string

	var args []interface{}

	paramIndex := 1

	if !scope.All {
		// Ungrouped rows are visible to everyone; grouped rows require a
		// group overlap with the caller.
		if len(scope.GroupIDs) > 0 {
			conditions = append(conditions,
				fmt.Sprintf("(cardinality(group_ids) = 0 OR group_ids && $%d)", paramIndex))
			args = append(args, pq.Array(scope.GroupIDs))
			paramIndex++
		} else {
			conditions = append(conditions, "cardinality(group_ids) = 0")
		}
	}

	if column, ok := severityColumns[filter.Severity]; ok {
		conditions = append(conditions, column+" > 0")
	}

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("asset_name ILIKE $%d", paramIndex))
		args = append(args, "%"+filter.Search+"%")
		paramIndex++
	}

	return conditions, args, paramIndex
}
