// Package backend defines the tile-service contract every storage backend
// satisfies, and the error taxonomy shared across backends.
package backend

import (
	"context"

	"github.com/paulmach/orb"

	"github.com/oceanworks/tilestore/internal/tile"
)

// TimeUnbounded is the sentinel for an absent time bound: a start or end of
// -1 means "no lower/upper bound" in every query operation.
const TimeUnbounded int64 = -1

// FetchFailure reports one tile that could not be materialized during a batch
// fetch. The batch itself carries on; callers reconcile counts themselves.
type FetchFailure struct {
	TileID string
	Err    error
}

// TileService is the contract a storage backend satisfies for one dataset.
// Query operations return tile summaries without array data;
// FetchDataForTiles materializes the arrays. All operations are read-only
// except DeleteTiles, and all are safe for concurrent use over shared
// connection handles.
type TileService interface {
	// Dataset returns the dataset this backend instance serves.
	Dataset() string

	// FindTileByID returns the summary for a single tile id, or ErrNotFound.
	FindTileByID(ctx context.Context, id string) (*tile.Tile, error)

	// FindTilesByID returns summaries for the given ids. Unknown ids are
	// skipped, not errors.
	FindTilesByID(ctx context.Context, ids []string) ([]*tile.Tile, error)

	// FindTilesInBox returns tiles whose bounding box intersects the query
	// box and whose time interval overlaps [startTime, endTime].
	FindTilesInBox(ctx context.Context, box tile.BBox, startTime, endTime int64) ([]*tile.Tile, error)

	// FindTilesInPolygon is FindTilesInBox with a polygon intersection
	// predicate instead of a box.
	FindTilesInPolygon(ctx context.Context, poly orb.Polygon, startTime, endTime int64) ([]*tile.Tile, error)

	// FindTilesByExactBounds matches the four-tuple of bounds exactly, not by
	// intersection.
	FindTilesByExactBounds(ctx context.Context, bounds tile.BBox, startTime, endTime int64) ([]*tile.Tile, error)

	// FindTileByPolygonAndMostRecentDayOfYear returns the tile with identical
	// bounds whose day-of-year is the greatest value <= dayOfYear, or
	// ErrNotFound when none exists.
	FindTileByPolygonAndMostRecentDayOfYear(ctx context.Context, bounds tile.BBox, dayOfYear int) (*tile.Tile, error)

	// FindDaysInRangeAsc lists the distinct start-of-day timestamps of
	// single-day tiles in the box and range, ascending, as epoch seconds.
	FindDaysInRangeAsc(ctx context.Context, box tile.BBox, startTime, endTime int64) ([]int64, error)

	// FindTilesByMetadata matches free-form backend filter clauses, e.g.
	// "river_id_i:1". Clauses are trusted and passed through beyond standard
	// escaping.
	FindTilesByMetadata(ctx context.Context, clauses []string, startTime, endTime int64) ([]*tile.Tile, error)

	// GetTileCount counts tiles matching the box, range and clauses. A nil
	// box means no spatial filter.
	GetTileCount(ctx context.Context, box *tile.BBox, startTime, endTime int64, clauses []string) (int64, error)

	// DateRangeForDataset returns the dataset's overall time extent, or
	// ErrNotFound when the dataset holds zero tiles.
	DateRangeForDataset(ctx context.Context) (minTime, maxTime int64, err error)

	// GetDistinctBoundingBoxesInPolygon lists the distinct tile bounding
	// boxes inside the polygon and range.
	GetDistinctBoundingBoxesInPolygon(ctx context.Context, poly orb.Polygon, startTime, endTime int64) ([]tile.BBox, error)

	// FetchDataForTiles materializes array data for the given summaries.
	// Partial failures are reported per tile; the error return is reserved
	// for whole-batch failures such as an unreachable backend.
	FetchDataForTiles(ctx context.Context, tiles []*tile.Tile) ([]*tile.Tile, []FetchFailure, error)

	// DeleteTiles removes the given tiles from the backing stores.
	DeleteTiles(ctx context.Context, ids []string) error

	// Close releases backend resources.
	Close() error
}

// TimeRangeOverlaps applies the contract's overlap rule: a tile matches when
// tile.min <= end AND tile.max >= start, with TimeUnbounded disabling a side.
func TimeRangeOverlaps(tileMin, tileMax, start, end int64) bool {
	if end != TimeUnbounded && tileMin > end {
		return false
	}
	if start != TimeUnbounded && tileMax < start {
		return false
	}
	return true
}
