package backend

import (
	"errors"
	"fmt"
	"testing"
)

func TestTimeRangeOverlaps(t *testing.T) {
	cases := []struct {
		name                      string
		tileMin, tileMax          int64
		start, end                int64
		want                      bool
	}{
		{"inside", 100, 200, 50, 250, true},
		{"overlap start", 100, 200, 150, 250, true},
		{"overlap end", 100, 200, 50, 150, true},
		{"touching end", 100, 200, 200, 300, true},
		{"touching start", 100, 200, 0, 100, true},
		{"before", 100, 200, 300, 400, false},
		{"after", 100, 200, 0, 50, false},
		{"unbounded both", 100, 200, TimeUnbounded, TimeUnbounded, true},
		{"unbounded start", 100, 200, TimeUnbounded, 150, true},
		{"unbounded start miss", 100, 200, TimeUnbounded, 50, false},
		{"unbounded end", 100, 200, 150, TimeUnbounded, true},
		{"unbounded end miss", 100, 200, 300, TimeUnbounded, false},
	}
	for _, c := range cases {
		if got := TimeRangeOverlaps(c.tileMin, c.tileMax, c.start, c.end); got != c.want {
			t.Errorf("%s: overlaps=%v, want %v", c.name, got, c.want)
		}
	}
}

func TestUnsupportedWraps(t *testing.T) {
	err := Unsupported("columnar", "metadata search")
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err=%v does not wrap ErrUnsupported", err)
	}
	if err.Error() != "columnar backend: metadata search: operation not supported by this backend" {
		t.Fatalf("message=%q", err.Error())
	}
}

func TestUnavailableIdempotent(t *testing.T) {
	inner := Unavailable("solr", fmt.Errorf("connection refused"))
	outer := Unavailable("blob", inner)
	if outer != inner {
		t.Fatalf("rewrapped an already-unavailable error: %v", outer)
	}
	var be *BackendUnavailableError
	if !errors.As(outer, &be) || be.Backend != "solr" {
		t.Fatalf("err=%v", outer)
	}
}
