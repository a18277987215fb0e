// Package columnar adapts a single dense DuckDB-backed array store to the
// tile-service contract. There is no separate search index: tile identity is
// derived deterministically from dataset, bounds and time, and one stored
// time step is one tile.
package columnar

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/oceanworks/tilestore/internal/backend"
	"github.com/oceanworks/tilestore/internal/shape"
	"github.com/oceanworks/tilestore/internal/tile"
)

// idNamespace scopes the derived tile ids so the same dataset/bounds/time
// always maps to the same id.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/oceanworks/tilestore/columnar"))

// Config describes one dense store. Coordinate columns hold degrees; the
// time column is a TIMESTAMP.
type Config struct {
	// Store is the DuckDB database path or URL. Empty opens an in-memory
	// database (tests).
	Store string `yaml:"store"`
	// Table is the table or view holding the observations.
	Table string `yaml:"table"`
	// Variable is the primary variable column.
	Variable string `yaml:"variable"`
	// MetaVariables are auxiliary variable columns fetched alongside.
	MetaVariables []string `yaml:"metaVariables"`

	TimeColumn string `yaml:"timeColumn"`
	LatColumn  string `yaml:"latColumn"`
	LonColumn  string `yaml:"lonColumn"`
}

// Store implements backend.TileService over one DuckDB store.
type Store struct {
	dataset string
	cfg     Config
	log     zerolog.Logger

	// The database handle is opened once, on first use, and shared by all
	// concurrent readers.
	openOnce sync.Once
	openErr  error
	db       *sql.DB

	// minted maps derived tile ids to their slice specs. Only ids created
	// by this adapter's query path are fetchable. Entries are never
	// evicted: ids are deterministic, so repeated queries over the same
	// window reuse their entries, and the map grows only with the number
	// of distinct (window, time step) pairs seen by this process.
	mu     sync.RWMutex
	minted map[string]chunkSpec
}

// chunkSpec records how to slice one tile out of the backing array.
type chunkSpec struct {
	queryBox tile.BBox // requested coordinate window
	extent   tile.BBox // actual coordinate extent of the chunk
	epoch    int64
	count    int
}

var _ backend.TileService = (*Store)(nil)

// New creates the adapter. The store is opened lazily on first query.
func New(dataset string, cfg Config, log zerolog.Logger) *Store {
	return &Store{
		dataset: dataset,
		cfg:     cfg,
		log:     log.With().Str("backend", "columnar").Str("dataset", dataset).Logger(),
		minted:  make(map[string]chunkSpec),
	}
}

func (s *Store) Dataset() string { return s.dataset }

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// conn opens the shared database handle exactly once, even under concurrent
// first use.
func (s *Store) conn() (*sql.DB, error) {
	s.openOnce.Do(func() {
		path := strings.TrimPrefix(s.cfg.Store, "file://")
		s.log.Info().Str("store", path).Msg("opening columnar store")
		s.db, s.openErr = sql.Open("duckdb", path)
	})
	if s.openErr != nil {
		return nil, backend.Unavailable("columnar", s.openErr)
	}
	return s.db, nil
}

func (s *Store) deriveID(extent tile.BBox, epoch int64) string {
	key := fmt.Sprintf("%s|%.6f,%.6f,%.6f,%.6f|%d",
		s.dataset, extent.MinLat, extent.MaxLat, extent.MinLon, extent.MaxLon, epoch)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

func (s *Store) FindTileByID(ctx context.Context, id string) (*tile.Tile, error) {
	s.mu.RLock()
	spec, ok := s.minted[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tile %s was not minted by this store: %w", id, backend.ErrNotFound)
	}
	return s.summary(id, spec), nil
}

func (s *Store) FindTilesByID(ctx context.Context, ids []string) ([]*tile.Tile, error) {
	var tiles []*tile.Tile
	for _, id := range ids {
		t, err := s.FindTileByID(ctx, id)
		if err != nil {
			continue
		}
		tiles = append(tiles, t)
	}
	return tiles, nil
}

func (s *Store) summary(id string, spec chunkSpec) *tile.Tile {
	return &tile.Tile{
		ID:        id,
		DatasetID: s.dataset,
		SectionSpec: fmt.Sprintf("%s[%s @ %d]",
			s.cfg.Variable, spec.extent, spec.epoch),
		BBox:    spec.extent,
		MinTime: spec.epoch,
		MaxTime: spec.epoch,
		Stats:   tile.Stats{Count: spec.count},
	}
}

// FindTilesInBox selects the distinct time steps whose observations fall in
// the box and range. Only chunk coordinates are read here; data stays on
// disk until FetchDataForTiles.
func (s *Store) FindTilesInBox(ctx context.Context, box tile.BBox, startTime, endTime int64) ([]*tile.Tile, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`
		SELECT epoch(%[1]s)::BIGINT AS t,
		       MIN(%[2]s), MAX(%[2]s), MIN(%[3]s), MAX(%[3]s), COUNT(*)
		FROM %[4]s
		WHERE %[2]s >= ? AND %[2]s <= ? AND %[3]s >= ? AND %[3]s <= ?`,
		s.cfg.TimeColumn, s.cfg.LatColumn, s.cfg.LonColumn, s.cfg.Table)
	args := []interface{}{box.MinLat, box.MaxLat, box.MinLon, box.MaxLon}

	if startTime != backend.TimeUnbounded {
		q += fmt.Sprintf(" AND %s >= to_timestamp(?)", s.cfg.TimeColumn)
		args = append(args, startTime)
	}
	if endTime != backend.TimeUnbounded {
		q += fmt.Sprintf(" AND %s <= to_timestamp(?)", s.cfg.TimeColumn)
		args = append(args, endTime)
	}
	q += " GROUP BY t ORDER BY t"

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, backend.Unavailable("columnar", err)
	}
	defer rows.Close()

	var tiles []*tile.Tile
	for rows.Next() {
		var (
			epoch int64
			ext   tile.BBox
			count int
		)
		if err := rows.Scan(&epoch, &ext.MinLat, &ext.MaxLat, &ext.MinLon, &ext.MaxLon, &count); err != nil {
			return nil, backend.Unavailable("columnar", err)
		}

		spec := chunkSpec{queryBox: box, extent: ext, epoch: epoch, count: count}
		id := s.deriveID(ext, epoch)

		s.mu.Lock()
		s.minted[id] = spec
		s.mu.Unlock()

		tiles = append(tiles, s.summary(id, spec))
	}
	return tiles, rows.Err()
}

// FindTilesInPolygon degenerates to the polygon's bounding box: the dense
// store slices by coordinate ranges, not arbitrary shapes.
func (s *Store) FindTilesInPolygon(ctx context.Context, poly orb.Polygon, startTime, endTime int64) ([]*tile.Tile, error) {
	return s.FindTilesInBox(ctx, tile.BBoxFromBound(poly.Bound()), startTime, endTime)
}

// FindDaysInRangeAsc lists the distinct calendar days with observations in
// the box, ascending. Every chunk is a single instant, so the single-day
// predicate of the indexed backend holds trivially here.
func (s *Store) FindDaysInRangeAsc(ctx context.Context, box tile.BBox, startTime, endTime int64) ([]int64, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`
		SELECT DISTINCT epoch(date_trunc('day', %[1]s))::BIGINT AS d
		FROM %[2]s
		WHERE %[3]s >= ? AND %[3]s <= ? AND %[4]s >= ? AND %[4]s <= ?
		  AND %[1]s >= to_timestamp(?) AND %[1]s <= to_timestamp(?)
		ORDER BY d`,
		s.cfg.TimeColumn, s.cfg.Table, s.cfg.LatColumn, s.cfg.LonColumn)

	rows, err := db.QueryContext(ctx, q,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon, startTime, endTime)
	if err != nil {
		return nil, backend.Unavailable("columnar", err)
	}
	defer rows.Close()

	var days []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, backend.Unavailable("columnar", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// DateRangeForDataset returns the store's time extent, or ErrNotFound for an
// empty table.
func (s *Store) DateRangeForDataset(ctx context.Context) (int64, int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, 0, err
	}

	q := fmt.Sprintf("SELECT epoch(MIN(%[1]s))::BIGINT, epoch(MAX(%[1]s))::BIGINT FROM %[2]s",
		s.cfg.TimeColumn, s.cfg.Table)

	var minT, maxT sql.NullInt64
	if err := db.QueryRowContext(ctx, q).Scan(&minT, &maxT); err != nil {
		return 0, 0, backend.Unavailable("columnar", err)
	}
	if !minT.Valid || !maxT.Valid {
		return 0, 0, fmt.Errorf("dataset %s has no data: %w", s.dataset, backend.ErrNotFound)
	}
	return minT.Int64, maxT.Int64, nil
}

// GetTileCount counts the distinct time steps intersecting the request, one
// per would-be tile.
func (s *Store) GetTileCount(ctx context.Context, box *tile.BBox, startTime, endTime int64, clauses []string) (int64, error) {
	if len(clauses) > 0 {
		return 0, backend.Unsupported("columnar", "metadata-filtered tile count")
	}
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	q := fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s WHERE 1=1", s.cfg.TimeColumn, s.cfg.Table)
	var args []interface{}
	if box != nil {
		q += fmt.Sprintf(" AND %[1]s >= ? AND %[1]s <= ? AND %[2]s >= ? AND %[2]s <= ?",
			s.cfg.LatColumn, s.cfg.LonColumn)
		args = append(args, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	}
	if startTime != backend.TimeUnbounded {
		q += fmt.Sprintf(" AND %s >= to_timestamp(?)", s.cfg.TimeColumn)
		args = append(args, startTime)
	}
	if endTime != backend.TimeUnbounded {
		q += fmt.Sprintf(" AND %s <= to_timestamp(?)", s.cfg.TimeColumn)
		args = append(args, endTime)
	}

	var n int64
	if err := db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, backend.Unavailable("columnar", err)
	}
	return n, nil
}

// Operations with no meaning for a single dense store signal Unsupported so
// callers can tell "not implemented here" from "matched nothing".

func (s *Store) FindTilesByExactBounds(ctx context.Context, bounds tile.BBox, startTime, endTime int64) ([]*tile.Tile, error) {
	return nil, backend.Unsupported("columnar", "exact-bounds search")
}

func (s *Store) FindTileByPolygonAndMostRecentDayOfYear(ctx context.Context, bounds tile.BBox, dayOfYear int) (*tile.Tile, error) {
	return nil, backend.Unsupported("columnar", "most-recent-day-of-year search")
}

func (s *Store) FindTilesByMetadata(ctx context.Context, clauses []string, startTime, endTime int64) ([]*tile.Tile, error) {
	return nil, backend.Unsupported("columnar", "metadata search")
}

func (s *Store) GetDistinctBoundingBoxesInPolygon(ctx context.Context, poly orb.Polygon, startTime, endTime int64) ([]tile.BBox, error) {
	return nil, backend.Unsupported("columnar", "distinct bounding boxes")
}

func (s *Store) DeleteTiles(ctx context.Context, ids []string) error {
	return backend.Unsupported("columnar", "tile deletion")
}

// FetchDataForTiles materializes each minted tile by slicing its coordinate
// window at its time step. The store's axes already satisfy the canonical
// layout, so reconstruction is a direct fill of a (1, lat, lon) grid.
func (s *Store) FetchDataForTiles(ctx context.Context, tiles []*tile.Tile) ([]*tile.Tile, []backend.FetchFailure, error) {
	db, err := s.conn()
	if err != nil {
		return nil, nil, err
	}

	var (
		out      []*tile.Tile
		failures []backend.FetchFailure
	)
	for _, summary := range tiles {
		s.mu.RLock()
		spec, ok := s.minted[summary.ID]
		s.mu.RUnlock()
		if !ok {
			// Ids not minted here are skipped, mirroring unknown-id
			// semantics of the indexed backend.
			continue
		}

		t, err := s.materialize(ctx, db, summary.ID, spec)
		if err != nil {
			failures = append(failures, backend.FetchFailure{TileID: summary.ID, Err: err})
			continue
		}
		out = append(out, t)
	}
	return out, failures, nil
}

func (s *Store) materialize(ctx context.Context, db *sql.DB, id string, spec chunkSpec) (*tile.Tile, error) {
	cols := []string{s.cfg.LatColumn, s.cfg.LonColumn, s.cfg.Variable}
	cols = append(cols, s.cfg.MetaVariables...)

	q := fmt.Sprintf(`
		SELECT %[1]s FROM %[2]s
		WHERE %[3]s >= ? AND %[3]s <= ? AND %[4]s >= ? AND %[4]s <= ?
		  AND epoch(%[5]s)::BIGINT = ?`,
		strings.Join(cols, ", "), s.cfg.Table,
		s.cfg.LatColumn, s.cfg.LonColumn, s.cfg.TimeColumn)

	rows, err := db.QueryContext(ctx, q,
		spec.queryBox.MinLat, spec.queryBox.MaxLat,
		spec.queryBox.MinLon, spec.queryBox.MaxLon, spec.epoch)
	if err != nil {
		return nil, backend.Unavailable("columnar", err)
	}
	defer rows.Close()

	type obs struct {
		lat, lon float64
		values   []sql.NullFloat64
	}
	var (
		observations []obs
		latSet       = map[float64]struct{}{}
		lonSet       = map[float64]struct{}{}
	)
	for rows.Next() {
		o := obs{values: make([]sql.NullFloat64, 1+len(s.cfg.MetaVariables))}
		dest := []interface{}{&o.lat, &o.lon}
		for i := range o.values {
			dest = append(dest, &o.values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, backend.Unavailable("columnar", err)
		}
		observations = append(observations, o)
		latSet[o.lat] = struct{}{}
		lonSet[o.lon] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, backend.Unavailable("columnar", err)
	}

	lats := sortedKeys(latSet)
	lons := sortedKeys(lonSet)
	latIdx := indexMap(lats)
	lonIdx := indexMap(lons)

	fill := func(col int) *shape.Array {
		a := shape.MaskedAll(shape.Float64, 1, len(lats), len(lons))
		for _, o := range observations {
			if !o.values[col].Valid {
				continue
			}
			off := a.Offset(0, latIdx[o.lat], lonIdx[o.lon])
			a.SetFloat64(off, o.values[col].Float64)
			a.SetMasked(off, false)
		}
		return a
	}

	t := &tile.Tile{
		ID:          id,
		DatasetID:   s.dataset,
		SectionSpec: s.summary(id, spec).SectionSpec,
		BBox:        spec.extent,
		MinTime:     spec.epoch,
		MaxTime:     spec.epoch,
		Latitudes:   lats,
		Longitudes:  lons,
		Times:       []int64{spec.epoch},
		Data:        fill(0),
	}
	if len(s.cfg.MetaVariables) > 0 {
		t.Meta = make(map[string]*shape.Array, len(s.cfg.MetaVariables))
		for i, name := range s.cfg.MetaVariables {
			t.Meta[name] = fill(1 + i)
		}
	}
	t.ComputeStats()
	return t, nil
}

func sortedKeys(set map[float64]struct{}) []float64 {
	out := make([]float64, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

func indexMap(vals []float64) map[float64]int {
	m := make(map[float64]int, len(vals))
	for i, v := range vals {
		m[v] = i
	}
	return m
}
