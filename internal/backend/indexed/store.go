package indexed

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/rs/zerolog"

	"github.com/oceanworks/tilestore/internal/backend"
	"github.com/oceanworks/tilestore/internal/tile"
)

// Store is the two-tier backend for one dataset: Solr for queries, a blob
// store for tile records.
type Store struct {
	dataset string
	solr    *SolrClient
	blobs   *BlobStore
	log     zerolog.Logger
}

var _ backend.TileService = (*Store)(nil)

// New creates the indexed backend for a dataset.
func New(dataset string, solr *SolrClient, blobs *BlobStore, log zerolog.Logger) *Store {
	return &Store{
		dataset: dataset,
		solr:    solr,
		blobs:   blobs,
		log:     log.With().Str("backend", "indexed").Str("dataset", dataset).Logger(),
	}
}

func (s *Store) Dataset() string { return s.dataset }

func (s *Store) Close() error { return s.blobs.Close() }

// baseParams starts a query scoped to this dataset with the given filter
// clauses.
func (s *Store) baseParams(fq ...string) url.Values {
	params := url.Values{}
	params.Set("q", "dataset_s:"+escapeSolr(s.dataset))
	for _, clause := range fq {
		params.Add("fq", clause)
	}
	return params
}

// timeClauses builds the interval-overlap filter: tile.min <= end AND
// tile.max >= start, with the -1 sentinel leaving a side unbounded.
func timeClauses(startTime, endTime int64) []string {
	var fq []string
	if endTime != backend.TimeUnbounded {
		fq = append(fq, fmt.Sprintf("tile_min_time_dt:[* TO %s]", solrTime(endTime)))
	}
	if startTime != backend.TimeUnbounded {
		fq = append(fq, fmt.Sprintf("tile_max_time_dt:[%s TO *]", solrTime(startTime)))
	}
	return fq
}

func boxClause(b tile.BBox) string {
	return fmt.Sprintf("geo:[%v,%v TO %v,%v]", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}

func polygonClause(poly orb.Polygon) string {
	return fmt.Sprintf("{!field f=geo}Intersects(%s)", wkt.MarshalString(poly))
}

// exactBoundsClauses matches the stored bound fields exactly, not by
// intersection.
func exactBoundsClauses(b tile.BBox) []string {
	return []string{
		fmt.Sprintf("tile_min_lat_d:\"%v\"", b.MinLat),
		fmt.Sprintf("tile_max_lat_d:\"%v\"", b.MaxLat),
		fmt.Sprintf("tile_min_lon_d:\"%v\"", b.MinLon),
		fmt.Sprintf("tile_max_lon_d:\"%v\"", b.MaxLon),
	}
}

// queryAll pages through every result row. Each request is capped at
// pageSize rows; the loop advances the start cursor until numFound is
// exhausted, so nothing is silently truncated.
func (s *Store) queryAll(ctx context.Context, params url.Values) ([]map[string]interface{}, error) {
	var docs []map[string]interface{}
	start := 0
	for {
		params.Set("rows", strconv.Itoa(pageSize))
		params.Set("start", strconv.Itoa(start))

		resp, err := s.solr.Search(ctx, params)
		if err != nil {
			return nil, err
		}
		docs = append(docs, resp.Response.Docs...)
		start += len(resp.Response.Docs)
		if int64(start) >= resp.Response.NumFound || len(resp.Response.Docs) == 0 {
			return docs, nil
		}
	}
}

func (s *Store) queryTiles(ctx context.Context, params url.Values) ([]*tile.Tile, error) {
	docs, err := s.queryAll(ctx, params)
	if err != nil {
		return nil, err
	}
	tiles := make([]*tile.Tile, 0, len(docs))
	for _, doc := range docs {
		t, err := docToTile(doc)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping malformed index document")
			continue
		}
		tiles = append(tiles, t)
	}
	return tiles, nil
}

func (s *Store) FindTileByID(ctx context.Context, id string) (*tile.Tile, error) {
	params := s.baseParams("id:\"" + escapeSolr(id) + "\"")
	params.Set("rows", "1")

	resp, err := s.solr.Search(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Response.Docs) == 0 {
		return nil, fmt.Errorf("tile %s: %w", id, backend.ErrNotFound)
	}
	return docToTile(resp.Response.Docs[0])
}

func (s *Store) FindTilesByID(ctx context.Context, ids []string) ([]*tile.Tile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = "\"" + escapeSolr(id) + "\""
	}
	params := s.baseParams("id:(" + strings.Join(escaped, " OR ") + ")")
	return s.queryTiles(ctx, params)
}

func (s *Store) FindTilesInBox(ctx context.Context, box tile.BBox, startTime, endTime int64) ([]*tile.Tile, error) {
	fq := append([]string{boxClause(box)}, timeClauses(startTime, endTime)...)
	return s.queryTiles(ctx, s.baseParams(fq...))
}

func (s *Store) FindTilesInPolygon(ctx context.Context, poly orb.Polygon, startTime, endTime int64) ([]*tile.Tile, error) {
	fq := append([]string{polygonClause(poly)}, timeClauses(startTime, endTime)...)
	return s.queryTiles(ctx, s.baseParams(fq...))
}

func (s *Store) FindTilesByExactBounds(ctx context.Context, bounds tile.BBox, startTime, endTime int64) ([]*tile.Tile, error) {
	fq := append(exactBoundsClauses(bounds), timeClauses(startTime, endTime)...)
	return s.queryTiles(ctx, s.baseParams(fq...))
}

// FindTileByPolygonAndMostRecentDayOfYear finds the tile with identical
// bounds whose day-of-year is the greatest value <= dayOfYear. Day-of-year
// values are injective per dataset+bounds in the index, so a single
// descending-sorted row decides the match.
func (s *Store) FindTileByPolygonAndMostRecentDayOfYear(ctx context.Context, bounds tile.BBox, dayOfYear int) (*tile.Tile, error) {
	fq := append(exactBoundsClauses(bounds),
		fmt.Sprintf("day_of_year_i:[* TO %d]", dayOfYear))
	params := s.baseParams(fq...)
	params.Set("sort", "day_of_year_i desc")
	params.Set("rows", "1")

	resp, err := s.solr.Search(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Response.Docs) == 0 {
		return nil, fmt.Errorf("no tile with bounds %s on or before day %d: %w",
			bounds, dayOfYear, backend.ErrNotFound)
	}
	return docToTile(resp.Response.Docs[0])
}

// FindDaysInRangeAsc enumerates distinct start-of-day timestamps with a
// facet on the tile start time, restricted to single-day tiles (min and max
// truncate to the same day, expressed with the frange on their millisecond
// difference).
func (s *Store) FindDaysInRangeAsc(ctx context.Context, box tile.BBox, startTime, endTime int64) ([]int64, error) {
	params := s.baseParams(
		boxClause(box),
		"{!frange l=0 u=0}ms(tile_min_time_dt,tile_max_time_dt)",
		fmt.Sprintf("tile_min_time_dt:[%s TO %s]", solrTime(startTime), solrTime(endTime)),
	)
	params.Set("rows", "0")
	params.Set("facet", "true")
	params.Set("facet.field", "tile_min_time_dt")
	params.Set("facet.mincount", "1")
	params.Set("facet.limit", "-1")

	resp, err := s.solr.Search(ctx, params)
	if err != nil {
		return nil, err
	}

	values := resp.FacetCounts.FacetFields["tile_min_time_dt"]
	days := make([]int64, 0, len(values)/2)
	// Facet arrays alternate value, count.
	for i := 0; i+1 < len(values); i += 2 {
		str, ok := values[i].(string)
		if !ok {
			continue
		}
		epoch, err := parseSolrTime(str)
		if err != nil {
			s.log.Warn().Str("value", str).Msg("skipping unparseable facet date")
			continue
		}
		days = append(days, epoch)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}

// FindTilesByMetadata passes free-form filter clauses straight through to the
// index. Clauses are trusted; only the surrounding query is escaped.
func (s *Store) FindTilesByMetadata(ctx context.Context, clauses []string, startTime, endTime int64) ([]*tile.Tile, error) {
	fq := append(append([]string(nil), clauses...), timeClauses(startTime, endTime)...)
	return s.queryTiles(ctx, s.baseParams(fq...))
}

func (s *Store) GetTileCount(ctx context.Context, box *tile.BBox, startTime, endTime int64, clauses []string) (int64, error) {
	var fq []string
	if box != nil {
		fq = append(fq, boxClause(*box))
	}
	fq = append(fq, timeClauses(startTime, endTime)...)
	fq = append(fq, clauses...)

	params := s.baseParams(fq...)
	params.Set("rows", "0")

	resp, err := s.solr.Search(ctx, params)
	if err != nil {
		return 0, err
	}
	return resp.Response.NumFound, nil
}

// DateRangeForDataset runs two single-row queries sorted on the time fields.
// A dataset with zero tiles is ErrNotFound, distinct from an empty result.
func (s *Store) DateRangeForDataset(ctx context.Context) (int64, int64, error) {
	one := func(sortSpec, field string) (string, error) {
		params := s.baseParams()
		params.Set("rows", "1")
		params.Set("sort", sortSpec)
		params.Set("fl", field)

		resp, err := s.solr.Search(ctx, params)
		if err != nil {
			return "", err
		}
		if len(resp.Response.Docs) == 0 {
			return "", fmt.Errorf("dataset %s has no tiles: %w", s.dataset, backend.ErrNotFound)
		}
		str, _ := resp.Response.Docs[0][field].(string)
		return str, nil
	}

	minStr, err := one("tile_min_time_dt asc", "tile_min_time_dt")
	if err != nil {
		return 0, 0, err
	}
	maxStr, err := one("tile_max_time_dt desc", "tile_max_time_dt")
	if err != nil {
		return 0, 0, err
	}

	minTime, err := parseSolrTime(minStr)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing dataset min time %q: %w", minStr, err)
	}
	maxTime, err := parseSolrTime(maxStr)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing dataset max time %q: %w", maxStr, err)
	}
	return minTime, maxTime, nil
}

// GetDistinctBoundingBoxesInPolygon facets on the stored tile geometry and
// parses each distinct WKT value back into a bounding box.
func (s *Store) GetDistinctBoundingBoxesInPolygon(ctx context.Context, poly orb.Polygon, startTime, endTime int64) ([]tile.BBox, error) {
	fq := append([]string{polygonClause(poly)}, timeClauses(startTime, endTime)...)
	params := s.baseParams(fq...)
	params.Set("rows", "0")
	params.Set("facet", "true")
	params.Set("facet.field", "geo_s")
	params.Set("facet.mincount", "1")
	params.Set("facet.limit", "-1")

	resp, err := s.solr.Search(ctx, params)
	if err != nil {
		return nil, err
	}

	values := resp.FacetCounts.FacetFields["geo_s"]
	boxes := make([]tile.BBox, 0, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		str, ok := values[i].(string)
		if !ok {
			continue
		}
		geom, err := wkt.Unmarshal(str)
		if err != nil {
			s.log.Warn().Str("wkt", str).Msg("skipping unparseable tile geometry")
			continue
		}
		boxes = append(boxes, tile.BBoxFromBound(geom.Bound()))
	}
	return boxes, nil
}

// FetchDataForTiles materializes the given summaries from the blob store and
// runs shape normalization. Summary attributes the record does not carry
// (dataset, granule, section spec) are preserved from the index documents.
func (s *Store) FetchDataForTiles(ctx context.Context, tiles []*tile.Tile) ([]*tile.Tile, []backend.FetchFailure, error) {
	byID := make(map[string]*tile.Tile, len(tiles))
	ids := make([]string, 0, len(tiles))
	for _, t := range tiles {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	fetched, failures, err := s.blobs.FetchTiles(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	for _, t := range fetched {
		if summary, ok := byID[t.ID]; ok {
			t.DatasetID = summary.DatasetID
			t.Granule = summary.Granule
			t.SectionSpec = summary.SectionSpec
		}
	}
	return fetched, failures, nil
}

func (s *Store) DeleteTiles(ctx context.Context, ids []string) error {
	if err := s.solr.DeleteByIDs(ctx, ids); err != nil {
		return err
	}
	return s.blobs.Delete(ctx, ids)
}
