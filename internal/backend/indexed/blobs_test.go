package indexed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gocloud.dev/blob/memblob"

	"github.com/oceanworks/tilestore/internal/shape"
	"github.com/oceanworks/tilestore/internal/tile"
)

func testRecordBytes(t *testing.T, value float64) []byte {
	t.Helper()
	lat, err := shape.FromFloat64s(shape.Float64, []int{1}, []float64{10})
	if err != nil {
		t.Fatal(err)
	}
	lon, err := shape.FromFloat64s(shape.Float64, []int{1}, []float64{20})
	if err != nil {
		t.Fatal(err)
	}
	data, err := shape.FromFloat64s(shape.Float64, []int{1, 1}, []float64{value})
	if err != nil {
		t.Fatal(err)
	}
	b, err := tile.EncodeRecord(&tile.Record{
		Kind:      tile.KindGrid,
		GridTime:  1000,
		Latitude:  lat,
		Longitude: lon,
		Data:      data,
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newTestBlobStore(t *testing.T) *BlobStore {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	return NewBlobStore(bucket, BlobConfig{
		Concurrency: 4,
		MaxRetries:  1,
		RetryDelay:  time.Millisecond,
	}, zerolog.Nop())
}

func TestFetchTiles(t *testing.T) {
	bs := newTestBlobStore(t)
	ctx := context.Background()

	if err := bs.bucket.WriteAll(ctx, "t1", testRecordBytes(t, 1.5), nil); err != nil {
		t.Fatal(err)
	}
	if err := bs.bucket.WriteAll(ctx, "t2", testRecordBytes(t, 2.5), nil); err != nil {
		t.Fatal(err)
	}

	tiles, failures, err := bs.FetchTiles(ctx, []string{"t1", "t2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 0 {
		t.Fatalf("failures=%v", failures)
	}
	if len(tiles) != 2 {
		t.Fatalf("tiles=%d, want 2", len(tiles))
	}
	for _, tl := range tiles {
		if !tl.HasData() {
			t.Fatalf("tile %s has no data", tl.ID)
		}
	}
}

func TestFetchTilesPartialFailure(t *testing.T) {
	bs := newTestBlobStore(t)
	ctx := context.Background()

	if err := bs.bucket.WriteAll(ctx, "good1", testRecordBytes(t, 1), nil); err != nil {
		t.Fatal(err)
	}
	if err := bs.bucket.WriteAll(ctx, "good2", testRecordBytes(t, 2), nil); err != nil {
		t.Fatal(err)
	}
	if err := bs.bucket.WriteAll(ctx, "bad", []byte("not a tile record"), nil); err != nil {
		t.Fatal(err)
	}

	// One corrupt blob must not fail the batch: two valid tiles come back
	// and the corrupt one is reported.
	tiles, failures, err := bs.FetchTiles(ctx, []string{"good1", "bad", "good2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 2 {
		t.Fatalf("tiles=%d, want 2", len(tiles))
	}
	if len(failures) != 1 || failures[0].TileID != "bad" {
		t.Fatalf("failures=%v", failures)
	}
	var ce *tile.CorruptTileError
	if !errors.As(failures[0].Err, &ce) {
		t.Fatalf("failure err=%v, want *CorruptTileError", failures[0].Err)
	}
	if ce.TileID != "bad" {
		t.Fatalf("corrupt tile id=%q", ce.TileID)
	}
}

func TestFetchTilesUnknownIDSkipped(t *testing.T) {
	bs := newTestBlobStore(t)
	ctx := context.Background()

	if err := bs.bucket.WriteAll(ctx, "present", testRecordBytes(t, 1), nil); err != nil {
		t.Fatal(err)
	}

	tiles, failures, err := bs.FetchTiles(ctx, []string{"present", "absent"})
	if err != nil {
		t.Fatal(err)
	}
	// Unknown ids are skipped, not failed; callers reconcile counts.
	if len(tiles) != 1 || tiles[0].ID != "present" {
		t.Fatalf("tiles=%v", tiles)
	}
	if len(failures) != 0 {
		t.Fatalf("failures=%v", failures)
	}
}

func TestDeleteMissingKeyIgnored(t *testing.T) {
	bs := newTestBlobStore(t)
	ctx := context.Background()

	if err := bs.bucket.WriteAll(ctx, "t1", testRecordBytes(t, 1), nil); err != nil {
		t.Fatal(err)
	}
	if err := bs.Delete(ctx, []string{"t1", "never-existed"}); err != nil {
		t.Fatal(err)
	}

	tiles, _, err := bs.FetchTiles(ctx, []string{"t1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 0 {
		t.Fatalf("tiles=%v, want none after delete", tiles)
	}
}
