// Package snapshot defines the materialized asset-risk snapshot model shared by
// the refresh engine, the storage layer and the HTTP API.
//
// A snapshot row is a denormalized aggregate: one asset with open, overdue
// findings, its per-severity finding counts and the age of its oldest finding.
// The whole snapshot is rebuilt by the refresh engine and replaced atomically;
// readers never observe a partially refreshed state.
package snapshot

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Sentinel errors for snapshot row validation.
var (
	// ErrSeveritySumMismatch indicates per-severity counts that do not add up
	// to the row's total finding count.
	ErrSeveritySumMismatch = errors.New("severity counts do not sum to total findings")

	// ErrMissingAssetID indicates a row without a source asset reference.
	ErrMissingAssetID = errors.New("snapshot row requires an asset id")
)

// Severity levels used by finding counts and query filters.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// ValidSeverity reports whether s is a recognized severity filter value.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	default:
		return false
	}
}

// SeverityCounts holds per-severity open finding counts for one asset.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Sum returns the total across all severity buckets.
func (c SeverityCounts) Sum() int {
	return c.Critical + c.High + c.Medium + c.Low
}

// Row is one asset entry in the materialized snapshot.
type Row struct {
	// AssetID references the source asset the aggregate was computed from.
	AssetID int64 `json:"assetId"`

	// AssetName and AssetType are denormalized from the asset table so reads
	// never join back into the source schema.
	AssetName string `json:"assetName"`
	AssetType string `json:"assetType"`

	// GroupIDs are the asset groups the asset belonged to at refresh time.
	// An empty set means the asset is unassigned and visible to every caller.
	GroupIDs []int64 `json:"groupIds"`

	// TotalFindings is the number of open, overdue findings for the asset.
	TotalFindings int `json:"totalFindings"`

	// Severities breaks TotalFindings down by severity.
	Severities SeverityCounts `json:"severities"`

	// OldestFindingDays is the age in days of the oldest open finding.
	OldestFindingDays int `json:"oldestFindingDays"`

	// RefreshedAt is the time the snapshot containing this row was swapped in.
	// Populated on read, ignored on write (the swap stamps all rows at once).
	RefreshedAt time.Time `json:"refreshedAt"`
}

// Validate checks the row's internal consistency before it is staged for a swap.
// The severity breakdown must account for every counted finding.
func (r Row) Validate() error {
	if r.AssetID <= 0 {
		return fmt.Errorf("%w: got %d", ErrMissingAssetID, r.AssetID)
	}

	if sum := r.Severities.Sum(); sum != r.TotalFindings {
		return fmt.Errorf("%w: asset %d has total %d but severity sum %d",
			ErrSeveritySumMismatch, r.AssetID, r.TotalFindings, sum)
	}

	return nil
}

// CallerScope describes which asset groups a caller may read.
// The zero value denies everything; use Unrestricted() for admin access.
type CallerScope struct {
	// All grants visibility into every group.
	All bool

	// GroupIDs lists the groups a restricted caller belongs to.
	GroupIDs []int64
}

// Unrestricted returns a scope that can see every snapshot row.
func Unrestricted() CallerScope {
	return CallerScope{All: true}
}

// GroupScope returns a scope restricted to the given group ids.
func GroupScope(groupIDs ...int64) CallerScope {
	return CallerScope{GroupIDs: groupIDs}
}

// CanSee reports whether a row with the given group membership is visible to
// the caller. Rows without any group assignment are visible to everyone.
func (s CallerScope) CanSee(rowGroups []int64) bool {
	if s.All {
		return true
	}

	if len(rowGroups) == 0 {
		return true
	}

	for _, g := range rowGroups {
		if slices.Contains(s.GroupIDs, g) {
			return true
		}
	}

	return false
}

// Sort keys accepted by ListFilter.SortBy.
const (
	SortByName     = "name"
	SortByFindings = "findings"
	SortByOldest   = "oldest"
)

// ListFilter narrows a snapshot read. All fields are optional; the zero value
// returns every row visible to the caller.
type ListFilter struct {
	// Severity keeps only rows with at least one finding of this severity.
	Severity string

	// Search is a case-insensitive substring match on the asset name.
	Search string

	// SortBy selects the result ordering: name (default), findings (most
	// findings first) or oldest (oldest finding first).
	SortBy string
}

// Page bounds a snapshot read.
type Page struct {
	Limit  int
	Offset int
}

// ListResult is one page of snapshot rows plus the total matching count.
type ListResult struct {
	Rows  []Row
	Total int
}
