// Package tile defines the canonical tile representation, the three stored
// tile encodings, and the reconstruction that normalizes any encoding into a
// (time, latitude, longitude) masked array.
package tile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/oceanworks/tilestore/internal/shape"
)

// BBox is a latitude/longitude bounding box in degrees.
type BBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// Bound converts to an orb.Bound (lon/lat order).
func (b BBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinLon, b.MinLat},
		Max: orb.Point{b.MaxLon, b.MaxLat},
	}
}

// BBoxFromBound converts an orb.Bound to a BBox.
func BBoxFromBound(bound orb.Bound) BBox {
	return BBox{
		MinLat: bound.Min[1],
		MaxLat: bound.Max[1],
		MinLon: bound.Min[0],
		MaxLon: bound.Max[0],
	}
}

// Intersects reports whether two boxes overlap, boundaries included.
func (b BBox) Intersects(o BBox) bool {
	return b.MinLat <= o.MaxLat && b.MaxLat >= o.MinLat &&
		b.MinLon <= o.MaxLon && b.MaxLon >= o.MinLon
}

func (b BBox) String() string {
	return fmt.Sprintf("(%g,%g)-(%g,%g)", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}

// Stats summarizes the primary variable of a tile.
type Stats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Count int     `json:"count"`
}

// Tile is the canonical in-memory tile. Query operations return tiles without
// Data/Meta populated; FetchDataForTiles materializes them. A Tile is built
// fresh on every fetch and never mutated afterwards.
type Tile struct {
	ID          string `json:"id"`
	DatasetID   string `json:"dataset"`
	SectionSpec string `json:"sectionSpec,omitempty"`
	Granule     string `json:"granule,omitempty"`

	BBox    BBox  `json:"bbox"`
	MinTime int64 `json:"minTime"`
	MaxTime int64 `json:"maxTime"`
	IsMulti bool  `json:"isMulti,omitempty"`
	Stats   Stats `json:"stats"`

	Latitudes  []float64 `json:"-"`
	Longitudes []float64 `json:"-"`
	Times      []int64   `json:"-"`

	// Data is 3-D, shaped (len(Times), len(Latitudes), len(Longitudes)).
	Data *shape.Array            `json:"-"`
	Meta map[string]*shape.Array `json:"-"`
}

// HasData reports whether the tile's arrays have been materialized.
func (t *Tile) HasData() bool { return t.Data != nil }

// ComputeStats fills Stats from the unmasked cells of the data array.
func (t *Tile) ComputeStats() {
	if t.Data == nil {
		return
	}
	st := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	sum := 0.0
	for i, n := 0, t.Data.Len(); i < n; i++ {
		if t.Data.Masked(i) {
			continue
		}
		v := t.Data.Float64(i)
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
		sum += v
		st.Count++
	}
	if st.Count == 0 {
		t.Stats = Stats{}
		return
	}
	st.Mean = sum / float64(st.Count)
	t.Stats = st
}

// CorruptTileError reports a stored record that cannot be decoded or violates
// the exactly-one-encoding invariant. A corrupt tile is dropped from a batch;
// the batch itself continues.
type CorruptTileError struct {
	TileID string
	Reason string
	Err    error
}

func (e *CorruptTileError) Error() string {
	msg := "corrupt tile"
	if e.TileID != "" {
		msg += " " + e.TileID
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptTileError) Unwrap() error { return e.Err }

func corruptf(format string, args ...interface{}) error {
	return &CorruptTileError{Reason: fmt.Sprintf(format, args...)}
}
