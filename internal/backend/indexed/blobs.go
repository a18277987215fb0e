package indexed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"

	"github.com/oceanworks/tilestore/internal/backend"
	"github.com/oceanworks/tilestore/internal/tile"
)

// BlobConfig configures the tile blob store.
type BlobConfig struct {
	// URL is a gocloud bucket URL, e.g. file:///data/tiles or
	// s3://bucket/tiles?region=us-west-2.
	URL string `yaml:"url"`
	// Concurrency bounds the fan-out of batch reads (default 16).
	Concurrency int `yaml:"concurrency"`
	// MaxRetries bounds retry rounds for failed sub-batches (default 3).
	MaxRetries int `yaml:"maxRetries"`
	// RetryDelay is the pause between retry rounds (default 2s).
	RetryDelay time.Duration `yaml:"retryDelay"`
}

func (c *BlobConfig) withDefaults() BlobConfig {
	out := *c
	if out.Concurrency == 0 {
		out.Concurrency = 16
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = 3
	}
	if out.RetryDelay == 0 {
		out.RetryDelay = 2 * time.Second
	}
	return out
}

// BlobStore fetches encoded tile records by id and reconstructs them.
type BlobStore struct {
	bucket *blob.Bucket
	cfg    BlobConfig
	log    zerolog.Logger
}

// OpenBlobStore opens the bucket named by the config URL.
func OpenBlobStore(ctx context.Context, cfg BlobConfig, log zerolog.Logger) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, backend.Unavailable("blob", err)
	}
	return NewBlobStore(bucket, cfg, log), nil
}

// NewBlobStore wraps an already-open bucket.
func NewBlobStore(bucket *blob.Bucket, cfg BlobConfig, log zerolog.Logger) *BlobStore {
	return &BlobStore{
		bucket: bucket,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("backend", "blob").Logger(),
	}
}

func (b *BlobStore) Close() error { return b.bucket.Close() }

type fetchResult struct {
	tile     *tile.Tile
	notFound bool
	corrupt  error
	retry    error
}

// FetchTiles reads and reconstructs the given tile ids. Unknown ids are
// skipped. A record that fails to decode is reported as a per-tile failure
// without aborting the batch. Transient read failures are retried (failed
// ids only) with a fixed delay up to the retry ceiling, after which the
// survivors are surfaced as failures rather than dropped.
func (b *BlobStore) FetchTiles(ctx context.Context, ids []string) ([]*tile.Tile, []backend.FetchFailure, error) {
	var (
		tiles    []*tile.Tile
		failures []backend.FetchFailure
	)

	pending := append([]string(nil), ids...)
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > 0 {
			b.log.Warn().Int("remaining", len(pending)).Int("attempt", attempt).
				Msg("retrying failed tile reads")
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(b.cfg.RetryDelay):
			}
		}

		results := b.fetchBatch(ctx, pending)

		var retry []string
		for i, id := range pending {
			res := results[i]
			switch {
			case res.notFound:
				// Not all requested ids are guaranteed present; callers
				// reconcile counts themselves.
			case res.corrupt != nil:
				failures = append(failures, backend.FetchFailure{TileID: id, Err: res.corrupt})
			case res.retry != nil:
				if attempt < b.cfg.MaxRetries {
					retry = append(retry, id)
				} else {
					failures = append(failures, backend.FetchFailure{
						TileID: id,
						Err:    backend.Unavailable("blob", res.retry),
					})
				}
			default:
				tiles = append(tiles, res.tile)
			}
		}
		pending = retry
	}
	return tiles, failures, nil
}

// fetchBatch reads one round of ids with bounded concurrency.
func (b *BlobStore) fetchBatch(ctx context.Context, ids []string) []fetchResult {
	results := make([]fetchResult, len(ids))

	var g errgroup.Group
	g.SetLimit(b.cfg.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = b.fetchOne(ctx, id)
			return nil
		})
	}
	g.Wait()
	return results
}

func (b *BlobStore) fetchOne(ctx context.Context, id string) fetchResult {
	payload, err := b.bucket.ReadAll(ctx, id)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fetchResult{notFound: true}
		}
		return fetchResult{retry: err}
	}

	rec, err := tile.DecodeRecord(payload)
	if err != nil {
		return fetchResult{corrupt: tagTileID(err, id)}
	}
	t, err := tile.FromRecord(id, rec)
	if err != nil {
		return fetchResult{corrupt: tagTileID(err, id)}
	}
	return fetchResult{tile: t}
}

func tagTileID(err error, id string) error {
	var ce *tile.CorruptTileError
	if errors.As(err, &ce) && ce.TileID == "" {
		ce.TileID = id
	}
	return err
}

// Delete removes tile records by id with bounded concurrency. Missing keys
// are not errors.
func (b *BlobStore) Delete(ctx context.Context, ids []string) error {
	var g errgroup.Group
	g.SetLimit(b.cfg.Concurrency)

	var mu sync.Mutex
	var firstErr error
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := b.bucket.Delete(ctx, id)
			if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
				mu.Lock()
				if firstErr == nil {
					firstErr = backend.Unavailable("blob", err)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return firstErr
}
