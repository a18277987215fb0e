package tile

import (
	"sort"

	"github.com/oceanworks/tilestore/internal/shape"
)

// FromRecord reconstructs the canonical (time, latitude, longitude) tile from
// a decoded record. The returned tile always satisfies
// Data.Shape() == [len(Times), len(Latitudes), len(Longitudes)].
func FromRecord(id string, r *Record) (*Tile, error) {
	var (
		t   *Tile
		err error
	)
	switch r.Kind {
	case KindGrid:
		t, err = fromGrid(r)
	case KindSwath:
		t, err = fromSwath(r)
	case KindTimeSeries:
		t, err = fromTimeSeries(r)
	default:
		err = corruptf("encoding tag %#x does not name exactly one encoding", uint8(r.Kind))
	}
	if err != nil {
		if ce, ok := err.(*CorruptTileError); ok {
			ce.TileID = id
		}
		return nil, err
	}

	t.ID = id
	t.IsMulti = r.Multi
	t.BBox = coordBounds(t.Latitudes, t.Longitudes)
	t.ComputeStats()
	return t, nil
}

// fromGrid handles records whose data is already a regular raster: a 2-D
// (lat, lon) array is promoted to (1, lat, lon); 3-D data passes through.
func fromGrid(r *Record) (*Tile, error) {
	lat := r.Latitude.MaskInvalid()
	lon := r.Longitude.MaskInvalid()
	data := r.Data.MaskInvalid()

	if err := promoteGrid(data, lat.Len(), lon.Len()); err != nil {
		return nil, err
	}

	meta := make(map[string]*shape.Array, len(r.Meta))
	for _, mv := range r.Meta {
		m := mv.Data.MaskInvalid()
		if err := promoteGrid(m, lat.Len(), lon.Len()); err != nil {
			return nil, err
		}
		meta[mv.Name] = m
	}

	return &Tile{
		Latitudes:  lat.Float64s(),
		Longitudes: lon.Float64s(),
		Times:      []int64{r.GridTime},
		MinTime:    r.GridTime,
		MaxTime:    r.GridTime,
		Data:       data,
		Meta:       meta,
	}, nil
}

func promoteGrid(a *shape.Array, nLat, nLon int) error {
	switch a.NDim() {
	case 2:
		if err := a.Reshape(1, a.Dim(0), a.Dim(1)); err != nil {
			return &CorruptTileError{Reason: "promoting grid data", Err: err}
		}
	case 3:
		// A grid record carries exactly one scalar time, so 3-D data must
		// have a unit time axis.
		if a.Dim(0) != 1 {
			return corruptf("grid data has %d time steps, want 1", a.Dim(0))
		}
	default:
		return corruptf("grid data has %d dimensions, want 2 or 3", a.NDim())
	}
	if a.Dim(1) != nLat || a.Dim(2) != nLon {
		return corruptf("grid data shape %v does not match %d latitudes x %d longitudes",
			a.Shape(), nLat, nLon)
	}
	return nil
}

// fromSwath handles ungridded observations: latitude, longitude, time and
// data are parallel arrays of length N. The distinct coordinate values form
// the output axes and each observation is placed at its exact (i, j) cell;
// everything else stays masked. A swath is stored as one implicit time span,
// so the time axis always has length 1.
func fromSwath(r *Record) (*Tile, error) {
	lat := r.Latitude.MaskInvalid()
	lon := r.Longitude.MaskInvalid()
	tim := r.Time.MaskInvalid()
	data := r.Data.MaskInvalid()

	n := data.Len()
	if lat.Len() != n || lon.Len() != n || tim.Len() != n {
		return nil, corruptf("swath arrays disagree: lat=%d lon=%d time=%d data=%d",
			lat.Len(), lon.Len(), tim.Len(), n)
	}
	if n == 0 {
		return nil, corruptf("swath record has no observations")
	}

	lats := distinctSorted(lat)
	lons := distinctSorted(lon)
	latIdx := indexOf(lats)
	lonIdx := indexOf(lons)

	place := func(src *shape.Array) *shape.Array {
		out := shape.MaskedAll(src.DType(), 1, len(lats), len(lons))
		for k := 0; k < n; k++ {
			if src.Masked(k) || lat.Masked(k) || lon.Masked(k) {
				continue
			}
			i := latIdx[lat.Float64(k)]
			j := lonIdx[lon.Float64(k)]
			off := out.Offset(0, i, j)
			out.SetFloat64(off, src.Float64(k))
			out.SetMasked(off, false)
		}
		return out
	}

	meta := make(map[string]*shape.Array, len(r.Meta))
	for _, mv := range r.Meta {
		m := mv.Data.MaskInvalid()
		if m.Len() != n {
			return nil, corruptf("swath meta %q has %d samples, want %d", mv.Name, m.Len(), n)
		}
		meta[mv.Name] = place(m)
	}

	minT, maxT := timeExtent(tim)
	return &Tile{
		Latitudes:  lats,
		Longitudes: lons,
		Times:      []int64{minT},
		MinTime:    minT,
		MaxTime:    maxT,
		Data:       place(data),
		Meta:       meta,
	}, nil
}

// fromTimeSeries handles diagonal series: the k-th sample corresponds to the
// k-th (lat, lon) pair, so data[t,k] lands at [t,k,k] on a square all-masked
// (T, N, N) array.
func fromTimeSeries(r *Record) (*Tile, error) {
	lat := r.Latitude.MaskInvalid()
	lon := r.Longitude.MaskInvalid()
	tim := r.Time.MaskInvalid()
	data := r.Data.MaskInvalid()

	n := lat.Len()
	if lon.Len() != n {
		return nil, corruptf("time-series arrays disagree: lat=%d lon=%d", n, lon.Len())
	}
	nT := tim.Len()

	if data.NDim() == 1 && nT == 1 {
		if err := data.Reshape(1, data.Dim(0)); err != nil {
			return nil, &CorruptTileError{Reason: "promoting time-series data", Err: err}
		}
	}
	if data.NDim() != 2 || data.Dim(0) != nT || data.Dim(1) != n {
		return nil, corruptf("time-series data shape %v, want [%d %d]", data.Shape(), nT, n)
	}

	diag := func(src *shape.Array) *shape.Array {
		out := shape.MaskedAll(src.DType(), nT, n, n)
		for t := 0; t < nT; t++ {
			for k := 0; k < n; k++ {
				in := src.Offset(t, k)
				if src.Masked(in) {
					continue
				}
				off := out.Offset(t, k, k)
				out.SetFloat64(off, src.Float64(in))
				out.SetMasked(off, false)
			}
		}
		return out
	}

	meta := make(map[string]*shape.Array, len(r.Meta))
	for _, mv := range r.Meta {
		m := mv.Data.MaskInvalid()
		if m.NDim() == 1 && nT == 1 {
			if err := m.Reshape(1, m.Dim(0)); err != nil {
				return nil, &CorruptTileError{Reason: "promoting time-series meta " + mv.Name, Err: err}
			}
		}
		if m.NDim() != 2 || m.Dim(0) != nT || m.Dim(1) != n {
			return nil, corruptf("time-series meta %q shape %v, want [%d %d]", mv.Name, m.Shape(), nT, n)
		}
		meta[mv.Name] = diag(m)
	}

	times := make([]int64, nT)
	for t := 0; t < nT; t++ {
		times[t] = tim.Int64(t)
	}
	minT, maxT := timeExtent(tim)

	return &Tile{
		Latitudes:  lat.Float64s(),
		Longitudes: lon.Float64s(),
		Times:      times,
		MinTime:    minT,
		MaxTime:    maxT,
		Data:       diag(data),
		Meta:       meta,
	}, nil
}

func distinctSorted(a *shape.Array) []float64 {
	seen := make(map[float64]struct{}, a.Len())
	var out []float64
	for i, n := 0, a.Len(); i < n; i++ {
		if a.Masked(i) {
			continue
		}
		v := a.Float64(i)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

func indexOf(vals []float64) map[float64]int {
	idx := make(map[float64]int, len(vals))
	for i, v := range vals {
		idx[v] = i
	}
	return idx
}

func timeExtent(tim *shape.Array) (int64, int64) {
	var minT, maxT int64
	first := true
	for i, n := 0, tim.Len(); i < n; i++ {
		if tim.Masked(i) {
			continue
		}
		v := tim.Int64(i)
		if first {
			minT, maxT = v, v
			first = false
			continue
		}
		if v < minT {
			minT = v
		}
		if v > maxT {
			maxT = v
		}
	}
	return minT, maxT
}

func coordBounds(lats, lons []float64) BBox {
	var b BBox
	for i, v := range lats {
		if i == 0 || v < b.MinLat {
			b.MinLat = v
		}
		if i == 0 || v > b.MaxLat {
			b.MaxLat = v
		}
	}
	for i, v := range lons {
		if i == 0 || v < b.MinLon {
			b.MinLon = v
		}
		if i == 0 || v > b.MaxLon {
			b.MaxLon = v
		}
	}
	return b
}
