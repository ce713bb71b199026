package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schmalle/secman-snapshot/internal/snapshot"
)

var testStaleBefore = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

func TestBuildSnapshotQueryUnrestricted(t *testing.T) {
	query, args := buildSnapshotQuery(
		snapshot.Unrestricted(),
		snapshot.ListFilter{},
		snapshot.Page{Limit: 20, Offset: 0},
	)

	assert.NotContains(t, query, "WHERE")
	assert.Contains(t, query, "COUNT(*) OVER() AS total_count")
	assert.Contains(t, query, "ORDER BY asset_name ASC")
	assert.Contains(t, query, "LIMIT $1 OFFSET $2")
	assert.Equal(t, []interface{}{20, 0}, args)
}

func TestBuildSnapshotQueryGroupScope(t *testing.T) {
	query, args := buildSnapshotQuery(
		snapshot.GroupScope(1, 3),
		snapshot.ListFilter{},
		snapshot.Page{Limit: 20, Offset: 40},
	)

	assert.Contains(t, query, "cardinality(group_ids) = 0 OR group_ids && $1")
	assert.Contains(t, query, "LIMIT $2 OFFSET $3")
	require.Len(t, args, 3)
	assert.Equal(t, 20, args[1])
	assert.Equal(t, 40, args[2])
}

func TestBuildSnapshotQueryEmptyGroupScope(t *testing.T) {
	// A caller with no group memberships sees only ungrouped rows.
	query, args := buildSnapshotQuery(
		snapshot.CallerScope{},
		snapshot.ListFilter{},
		snapshot.Page{Limit: 10},
	)

	assert.Contains(t, query, "cardinality(group_ids) = 0")
	assert.NotContains(t, query, "group_ids &&")
	assert.Equal(t, []interface{}{10, 0}, args)
}

func TestBuildSnapshotQueryFilters(t *testing.T) {
	query, args := buildSnapshotQuery(
		snapshot.GroupScope(7),
		snapshot.ListFilter{
			Severity: snapshot.SeverityCritical,
			Search:   "web",
			SortBy:   snapshot.SortByFindings,
		},
		snapshot.Page{Limit: 5, Offset: 10},
	)

	assert.Contains(t, query, "critical_count > 0")
	assert.Contains(t, query, "asset_name ILIKE $2")
	assert.Contains(t, query, "ORDER BY total_findings DESC, asset_name ASC")
	assert.Contains(t, query, "LIMIT $3 OFFSET $4")
	require.Len(t, args, 4)
	assert.Equal(t, "%web%", args[1])
}

func TestBuildSnapshotQueryIgnoresUnknownSeverityAndSort(t *testing.T) {
	query, args := buildSnapshotQuery(
		snapshot.Unrestricted(),
		snapshot.ListFilter{Severity: "DROP TABLE", SortBy: "id; --"},
		snapshot.Page{Limit: 20},
	)

	// Unknown values never reach the SQL text.
	assert.NotContains(t, query, "DROP TABLE")
	assert.NotContains(t, query, "--")
	assert.Contains(t, query, "ORDER BY asset_name ASC")
	assert.Equal(t, []interface{}{20, 0}, args)
}

func TestBuildSnapshotQuerySortOldest(t *testing.T) {
	query, _ := buildSnapshotQuery(
		snapshot.Unrestricted(),
		snapshot.ListFilter{SortBy: snapshot.SortByOldest},
		snapshot.Page{Limit: 20},
	)

	assert.Contains(t, query, "ORDER BY oldest_finding_days DESC, asset_name ASC")
}

func TestBuildCandidateQuery(t *testing.T) {
	t.Run("without group filter", func(t *testing.T) {
		store := &SourceStore{}

		query, args := store.buildCandidateQuery(testStaleBefore, 50, 100)

		assert.Contains(t, query, "f.status = 'OPEN'")
		assert.Contains(t, query, "f.detected_at < $1")
		assert.Contains(t, query, "FILTER (WHERE f.severity = 'critical')")
		assert.Contains(t, query, "ORDER BY a.id")
		assert.Contains(t, query, "LIMIT $2 OFFSET $3")
		assert.NotContains(t, query, "WHERE a.id IN")
		require.Len(t, args, 3)
		assert.Equal(t, 50, args[1])
		assert.Equal(t, 100, args[2])
	})

	t.Run("with group filter", func(t *testing.T) {
		store := &SourceStore{groupFilter: []int64{2, 4}}

		query, args := store.buildCandidateQuery(testStaleBefore, 50, 0)

		assert.Contains(t, query, "WHERE a.id IN")
		assert.Contains(t, query, "m.group_id = ANY($2)")
		assert.Contains(t, query, "LIMIT $3 OFFSET $4")
		require.Len(t, args, 4)
	})
}
