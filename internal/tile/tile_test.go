package tile

import (
	"errors"
	"math"
	"testing"

	"github.com/oceanworks/tilestore/internal/shape"
)

func mustArray(t *testing.T, dtype shape.DType, dims []int, values []float64) *shape.Array {
	t.Helper()
	a, err := shape.FromFloat64s(dtype, dims, values)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func gridRecord(t *testing.T) *Record {
	return &Record{
		Kind:      KindGrid,
		GridTime:  86400,
		Latitude:  mustArray(t, shape.Float64, []int{2}, []float64{10, 11}),
		Longitude: mustArray(t, shape.Float64, []int{3}, []float64{20, 21, 22}),
		Data:      mustArray(t, shape.Float64, []int{2, 3}, []float64{1, 2, 3, 4, 5, math.NaN()}),
		Meta: []MetaVar{{
			Name: "wind_speed",
			Data: mustArray(t, shape.Float64, []int{2, 3}, []float64{9, 9, 9, 9, 9, 9}),
		}},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := gridRecord(t)
	b, err := EncodeRecord(rec)
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeRecord(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindGrid {
		t.Fatalf("kind=%s", got.Kind)
	}
	if got.GridTime != 86400 {
		t.Fatalf("time=%d", got.GridTime)
	}
	if len(got.Meta) != 1 || got.Meta[0].Name != "wind_speed" {
		t.Fatalf("meta=%v", got.Meta)
	}
	if got.Data.Len() != 6 {
		t.Fatalf("data len=%d", got.Data.Len())
	}
}

func TestRecordEncodingTagInvariant(t *testing.T) {
	rec := gridRecord(t)
	b, err := EncodeRecord(rec)
	if err != nil {
		t.Fatal(err)
	}

	for _, tag := range []byte{0, KindGridByte | KindSwathByte, 0xff} {
		bad := append([]byte(nil), b...)
		bad[5] = tag
		_, err := DecodeRecord(bad)
		var ce *CorruptTileError
		if !errors.As(err, &ce) {
			t.Fatalf("tag %#x: error %v, want *CorruptTileError", tag, err)
		}
	}
}

const (
	KindGridByte  = byte(KindGrid)
	KindSwathByte = byte(KindSwath)
)

func TestRecordCorruptEmbeddedArray(t *testing.T) {
	rec := gridRecord(t)
	b, err := EncodeRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	// Clobber the first embedded array's magic (header 8 + grid time 8 +
	// blob length prefix 4).
	b[20] = 'X'

	_, err = DecodeRecord(b)
	var ce *CorruptTileError
	if !errors.As(err, &ce) {
		t.Fatalf("error %v, want *CorruptTileError", err)
	}
	var codecErr *shape.CodecError
	if !errors.As(err, &codecErr) {
		t.Fatalf("error %v does not wrap the codec failure", err)
	}
}

func TestGridReconstruction(t *testing.T) {
	tl, err := FromRecord("tile-1", gridRecord(t))
	if err != nil {
		t.Fatal(err)
	}

	wantShape := []int{1, 2, 3}
	for i, d := range tl.Data.Shape() {
		if d != wantShape[i] {
			t.Fatalf("shape=%v, want %v", tl.Data.Shape(), wantShape)
		}
	}
	if len(tl.Times) != 1 || tl.Times[0] != 86400 {
		t.Fatalf("times=%v", tl.Times)
	}
	if tl.MinTime != 86400 || tl.MaxTime != 86400 {
		t.Fatalf("time range=[%d,%d]", tl.MinTime, tl.MaxTime)
	}

	// The NaN cell must be masked, the rest valid.
	if tl.Data.CountUnmasked() != 5 {
		t.Fatalf("unmasked=%d, want 5", tl.Data.CountUnmasked())
	}
	if tl.Data.Masked(tl.Data.Offset(0, 0, 1)) {
		t.Fatal("valid cell masked")
	}
	if !tl.Data.Masked(tl.Data.Offset(0, 1, 2)) {
		t.Fatal("NaN cell not masked")
	}

	if tl.BBox != (BBox{MinLat: 10, MaxLat: 11, MinLon: 20, MaxLon: 22}) {
		t.Fatalf("bbox=%v", tl.BBox)
	}
	if tl.Stats.Count != 5 || tl.Stats.Min != 1 || tl.Stats.Max != 5 || tl.Stats.Mean != 3 {
		t.Fatalf("stats=%+v", tl.Stats)
	}

	if m, ok := tl.Meta["wind_speed"]; !ok || m.NDim() != 3 {
		t.Fatalf("meta not promoted: %v", tl.Meta)
	}
}

func TestGridRejectsMultiStepData(t *testing.T) {
	// A grid record carries one scalar time, so 3-D data with more than one
	// time step can never line up with the time axis.
	rec := gridRecord(t)
	rec.Data = mustArray(t, shape.Float64, []int{2, 2, 3},
		[]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})

	_, err := FromRecord("tile-bad", rec)
	var ce *CorruptTileError
	if !errors.As(err, &ce) {
		t.Fatalf("error %v, want *CorruptTileError", err)
	}
	if ce.TileID != "tile-bad" {
		t.Fatalf("tile id=%q", ce.TileID)
	}

	// A unit time axis stays accepted.
	rec = gridRecord(t)
	rec.Data = mustArray(t, shape.Float64, []int{1, 2, 3}, []float64{1, 2, 3, 4, 5, 6})
	tl, err := FromRecord("tile-ok", rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(tl.Times) != 1 || tl.Data.Dim(0) != 1 {
		t.Fatalf("times=%v shape=%v", tl.Times, tl.Data.Shape())
	}
}

func TestSwathReconstruction(t *testing.T) {
	// 4 observations over 2 distinct latitudes and 3 distinct longitudes.
	rec := &Record{
		Kind:      KindSwath,
		Latitude:  mustArray(t, shape.Float64, []int{4}, []float64{10, 10, 11, 11}),
		Longitude: mustArray(t, shape.Float64, []int{4}, []float64{20, 21, 21, 22}),
		Time:      mustArray(t, shape.Int64, []int{4}, []float64{500, 500, 500, 500}),
		Data:      mustArray(t, shape.Float64, []int{4}, []float64{1, 2, 3, 4}),
		Meta: []MetaVar{{
			Name: "quality",
			Data: mustArray(t, shape.Float64, []int{4}, []float64{7, 7, 7, 7}),
		}},
	}

	tl, err := FromRecord("tile-2", rec)
	if err != nil {
		t.Fatal(err)
	}

	wantShape := []int{1, 2, 3}
	for i, d := range tl.Data.Shape() {
		if d != wantShape[i] {
			t.Fatalf("shape=%v, want %v", tl.Data.Shape(), wantShape)
		}
	}
	if len(tl.Times) != 1 || tl.Times[0] != 500 {
		t.Fatalf("times=%v", tl.Times)
	}

	// No observation lost or duplicated.
	if tl.Data.CountUnmasked() != 4 {
		t.Fatalf("unmasked=%d, want 4", tl.Data.CountUnmasked())
	}

	// Each observation sits at its exact coordinate cell.
	want := map[[2]int]float64{
		{0, 0}: 1, // lat 10, lon 20
		{0, 1}: 2, // lat 10, lon 21
		{1, 1}: 3, // lat 11, lon 21
		{1, 2}: 4, // lat 11, lon 22
	}
	for ij, v := range want {
		off := tl.Data.Offset(0, ij[0], ij[1])
		if tl.Data.Masked(off) {
			t.Fatalf("cell %v masked", ij)
		}
		if got := tl.Data.Float64(off); got != v {
			t.Fatalf("cell %v = %v, want %v", ij, got, v)
		}
	}

	if tl.Meta["quality"].CountUnmasked() != 4 {
		t.Fatalf("meta unmasked=%d, want 4", tl.Meta["quality"].CountUnmasked())
	}
}

func TestSwathTimeExtent(t *testing.T) {
	rec := &Record{
		Kind:      KindSwath,
		Latitude:  mustArray(t, shape.Float64, []int{2}, []float64{10, 11}),
		Longitude: mustArray(t, shape.Float64, []int{2}, []float64{20, 21}),
		Time:      mustArray(t, shape.Int64, []int{2}, []float64{100, 300}),
		Data:      mustArray(t, shape.Float64, []int{2}, []float64{1, 2}),
	}

	tl, err := FromRecord("tile-3", rec)
	if err != nil {
		t.Fatal(err)
	}
	// One implicit time span anchored at the earliest observation.
	if len(tl.Times) != 1 || tl.Times[0] != 100 {
		t.Fatalf("times=%v", tl.Times)
	}
	if tl.MinTime != 100 || tl.MaxTime != 300 {
		t.Fatalf("time range=[%d,%d]", tl.MinTime, tl.MaxTime)
	}
}

func TestTimeSeriesReconstruction(t *testing.T) {
	// 3 samples, 2 time steps.
	rec := &Record{
		Kind:      KindTimeSeries,
		Latitude:  mustArray(t, shape.Float64, []int{3}, []float64{10, 11, 12}),
		Longitude: mustArray(t, shape.Float64, []int{3}, []float64{20, 21, 22}),
		Time:      mustArray(t, shape.Int64, []int{2}, []float64{1000, 2000}),
		Data:      mustArray(t, shape.Float64, []int{2, 3}, []float64{1, 2, 3, 4, 5, 6}),
	}

	tl, err := FromRecord("tile-4", rec)
	if err != nil {
		t.Fatal(err)
	}

	wantShape := []int{2, 3, 3}
	for i, d := range tl.Data.Shape() {
		if d != wantShape[i] {
			t.Fatalf("shape=%v, want %v", tl.Data.Shape(), wantShape)
		}
	}

	// Exactly N*T unmasked cells, all on the diagonal.
	if tl.Data.CountUnmasked() != 6 {
		t.Fatalf("unmasked=%d, want 6", tl.Data.CountUnmasked())
	}
	for tm := 0; tm < 2; tm++ {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				off := tl.Data.Offset(tm, i, j)
				if i == j {
					if tl.Data.Masked(off) {
						t.Fatalf("diagonal [%d,%d,%d] masked", tm, i, j)
					}
					want := float64(tm*3 + i + 1)
					if got := tl.Data.Float64(off); got != want {
						t.Fatalf("[%d,%d,%d]=%v, want %v", tm, i, j, got, want)
					}
				} else if !tl.Data.Masked(off) {
					t.Fatalf("off-diagonal [%d,%d,%d] unmasked", tm, i, j)
				}
			}
		}
	}

	if tl.MinTime != 1000 || tl.MaxTime != 2000 {
		t.Fatalf("time range=[%d,%d]", tl.MinTime, tl.MaxTime)
	}
	if len(tl.Times) != 2 {
		t.Fatalf("times=%v", tl.Times)
	}
}

func TestShapeInvariantAcrossEncodings(t *testing.T) {
	recs := []*Record{
		gridRecord(t),
		{
			Kind:      KindSwath,
			Latitude:  mustArray(t, shape.Float64, []int{2}, []float64{1, 2}),
			Longitude: mustArray(t, shape.Float64, []int{2}, []float64{3, 4}),
			Time:      mustArray(t, shape.Int64, []int{2}, []float64{9, 9}),
			Data:      mustArray(t, shape.Float64, []int{2}, []float64{5, 6}),
		},
		{
			Kind:      KindTimeSeries,
			Latitude:  mustArray(t, shape.Float64, []int{2}, []float64{1, 2}),
			Longitude: mustArray(t, shape.Float64, []int{2}, []float64{3, 4}),
			Time:      mustArray(t, shape.Int64, []int{1}, []float64{9}),
			Data:      mustArray(t, shape.Float64, []int{2}, []float64{5, 6}),
		},
	}

	for _, rec := range recs {
		tl, err := FromRecord("t", rec)
		if err != nil {
			t.Fatalf("%s: %v", rec.Kind, err)
		}
		s := tl.Data.Shape()
		if s[0] != len(tl.Times) || s[1] != len(tl.Latitudes) || s[2] != len(tl.Longitudes) {
			t.Fatalf("%s: shape %v vs times=%d lats=%d lons=%d",
				rec.Kind, s, len(tl.Times), len(tl.Latitudes), len(tl.Longitudes))
		}
	}
}

func TestBBoxIntersects(t *testing.T) {
	a := BBox{MinLat: 0, MaxLat: 1, MinLon: 0, MaxLon: 1}
	if !a.Intersects(BBox{MinLat: 0.5, MaxLat: 2, MinLon: 0.5, MaxLon: 2}) {
		t.Fatal("overlapping boxes reported disjoint")
	}
	if a.Intersects(BBox{MinLat: 2, MaxLat: 3, MinLon: 2, MaxLon: 3}) {
		t.Fatal("disjoint boxes reported overlapping")
	}
	// Shared edge counts as intersection.
	if !a.Intersects(BBox{MinLat: 1, MaxLat: 2, MinLon: 0, MaxLon: 1}) {
		t.Fatal("edge-touching boxes reported disjoint")
	}
}
