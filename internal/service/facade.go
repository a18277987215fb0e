// Package service exposes one tile service over many datasets. Each dataset
// is served by its own backend; the facade routes every operation by dataset
// id and hides which backend kind sits behind it.
package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/oceanworks/tilestore/internal/backend"
	"github.com/oceanworks/tilestore/internal/backend/columnar"
	"github.com/oceanworks/tilestore/internal/backend/indexed"
	"github.com/oceanworks/tilestore/internal/config"
	"github.com/oceanworks/tilestore/internal/tile"
)

// Facade routes tile operations to the backend registered for each dataset.
type Facade struct {
	log      zerolog.Logger
	backends map[string]backend.TileService
	bus      *EventBus
}

// New creates an empty facade. Backends are added with Register.
func New(log zerolog.Logger) *Facade {
	return &Facade{
		log:      log.With().Str("component", "service").Logger(),
		backends: make(map[string]backend.TileService),
		bus:      NewEventBus(),
	}
}

// FromConfig builds a facade with one backend per configured dataset.
func FromConfig(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Facade, error) {
	f := New(log)
	for _, ds := range cfg.Datasets {
		switch ds.Backend {
		case config.BackendIndexed:
			solr := indexed.NewSolrClient(ds.Solr, log)
			blobs, err := indexed.OpenBlobStore(ctx, ds.Blob, log)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("dataset %s: %w", ds.ID, err)
			}
			f.Register(indexed.New(ds.ID, solr, blobs, log))
		case config.BackendColumnar:
			f.Register(columnar.New(ds.ID, ds.Columnar, log))
		default:
			f.Close()
			return nil, fmt.Errorf("dataset %s: unknown backend %q", ds.ID, ds.Backend)
		}
	}
	return f, nil
}

// Register adds a backend under its dataset id, replacing any previous one.
func (f *Facade) Register(svc backend.TileService) {
	f.backends[svc.Dataset()] = svc
}

// Datasets lists the registered dataset ids, sorted.
func (f *Facade) Datasets() []string {
	out := make([]string, 0, len(f.backends))
	for id := range f.backends {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Events exposes the change bus. Deletions are published there.
func (f *Facade) Events() *EventBus { return f.bus }

// Close closes every backend and reports the first failure.
func (f *Facade) Close() error {
	var firstErr error
	for id, svc := range f.backends {
		if err := svc.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing backend for %s: %w", id, err)
		}
	}
	return firstErr
}

func (f *Facade) backend(dataset string) (backend.TileService, error) {
	svc, ok := f.backends[dataset]
	if !ok {
		return nil, fmt.Errorf("unknown dataset %q: %w", dataset, backend.ErrNotFound)
	}
	return svc, nil
}

func (f *Facade) FindTileByID(ctx context.Context, dataset, id string) (*tile.Tile, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return nil, err
	}
	return svc.FindTileByID(ctx, id)
}

func (f *Facade) FindTilesByID(ctx context.Context, dataset string, ids []string) ([]*tile.Tile, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return nil, err
	}
	return svc.FindTilesByID(ctx, ids)
}

func (f *Facade) FindTilesInBox(ctx context.Context, dataset string, box tile.BBox, startTime, endTime int64) ([]*tile.Tile, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return nil, err
	}
	return svc.FindTilesInBox(ctx, box, startTime, endTime)
}

func (f *Facade) FindTilesInPolygon(ctx context.Context, dataset string, poly orb.Polygon, startTime, endTime int64) ([]*tile.Tile, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return nil, err
	}
	return svc.FindTilesInPolygon(ctx, poly, startTime, endTime)
}

func (f *Facade) FindTilesByExactBounds(ctx context.Context, dataset string, bounds tile.BBox, startTime, endTime int64) ([]*tile.Tile, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return nil, err
	}
	return svc.FindTilesByExactBounds(ctx, bounds, startTime, endTime)
}

func (f *Facade) FindTileByPolygonAndMostRecentDayOfYear(ctx context.Context, dataset string, bounds tile.BBox, dayOfYear int) (*tile.Tile, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return nil, err
	}
	return svc.FindTileByPolygonAndMostRecentDayOfYear(ctx, bounds, dayOfYear)
}

func (f *Facade) FindDaysInRangeAsc(ctx context.Context, dataset string, box tile.BBox, startTime, endTime int64) ([]int64, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return nil, err
	}
	return svc.FindDaysInRangeAsc(ctx, box, startTime, endTime)
}

func (f *Facade) FindTilesByMetadata(ctx context.Context, dataset string, clauses []string, startTime, endTime int64) ([]*tile.Tile, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return nil, err
	}
	return svc.FindTilesByMetadata(ctx, clauses, startTime, endTime)
}

func (f *Facade) GetTileCount(ctx context.Context, dataset string, box *tile.BBox, startTime, endTime int64, clauses []string) (int64, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return 0, err
	}
	return svc.GetTileCount(ctx, box, startTime, endTime, clauses)
}

func (f *Facade) DateRangeForDataset(ctx context.Context, dataset string) (int64, int64, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return 0, 0, err
	}
	return svc.DateRangeForDataset(ctx)
}

func (f *Facade) GetDistinctBoundingBoxesInPolygon(ctx context.Context, dataset string, poly orb.Polygon, startTime, endTime int64) ([]tile.BBox, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return nil, err
	}
	return svc.GetDistinctBoundingBoxesInPolygon(ctx, poly, startTime, endTime)
}

// FetchDataForTiles materializes array data for summaries that belong to the
// given dataset. Per-tile failures are logged and returned alongside the
// tiles that did materialize.
func (f *Facade) FetchDataForTiles(ctx context.Context, dataset string, tiles []*tile.Tile) ([]*tile.Tile, []backend.FetchFailure, error) {
	svc, err := f.backend(dataset)
	if err != nil {
		return nil, nil, err
	}
	out, failures, err := svc.FetchDataForTiles(ctx, tiles)
	for _, fail := range failures {
		f.log.Warn().Str("dataset", dataset).Str("tile", fail.TileID).
			Err(fail.Err).Msg("tile fetch failed")
	}
	return out, failures, err
}

// FindTilesInBoxWithData is the common find-then-fetch composition.
func (f *Facade) FindTilesInBoxWithData(ctx context.Context, dataset string, box tile.BBox, startTime, endTime int64) ([]*tile.Tile, []backend.FetchFailure, error) {
	summaries, err := f.FindTilesInBox(ctx, dataset, box, startTime, endTime)
	if err != nil {
		return nil, nil, err
	}
	if len(summaries) == 0 {
		return nil, nil, nil
	}
	return f.FetchDataForTiles(ctx, dataset, summaries)
}

// DeleteTiles removes tiles from the dataset's backing stores and publishes
// a deletion event.
func (f *Facade) DeleteTiles(ctx context.Context, dataset string, ids []string) error {
	svc, err := f.backend(dataset)
	if err != nil {
		return err
	}
	if err := svc.DeleteTiles(ctx, ids); err != nil {
		return err
	}
	f.bus.Publish(Event{Dataset: dataset, Action: "deleted", TileIDs: ids})
	return nil
}
