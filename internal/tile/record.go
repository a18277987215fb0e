package tile

import (
	"encoding/binary"

	"github.com/oceanworks/tilestore/internal/shape"
)

// Kind tags the stored encoding of a tile record. Exactly one kind applies to
// any stored record; the tag byte is a bitmask so a corrupted record can be
// detected when zero or more than one bit is set.
type Kind uint8

const (
	KindGrid       Kind = 1 << 0
	KindSwath      Kind = 1 << 1
	KindTimeSeries Kind = 1 << 2
)

func (k Kind) String() string {
	switch k {
	case KindGrid:
		return "grid"
	case KindSwath:
		return "swath"
	case KindTimeSeries:
		return "timeseries"
	}
	return "invalid"
}

func (k Kind) exactlyOne() bool {
	return k == KindGrid || k == KindSwath || k == KindTimeSeries
}

// MetaVar is a named auxiliary variable stored alongside the primary one.
type MetaVar struct {
	Name string
	Data *shape.Array
}

// Record is the decoded form of a stored tile blob: one of the three
// encodings plus auxiliary variables. Grid records carry a single scalar
// time; swath and time-series records carry a time array.
type Record struct {
	Kind  Kind
	Multi bool

	GridTime int64 // grid records only

	Latitude  *shape.Array
	Longitude *shape.Array
	Time      *shape.Array // nil for grid records
	Data      *shape.Array

	Meta []MetaVar
}

// Record framing, integers little-endian:
//
//	0:4  magic "TREC"
//	4    version (1)
//	5    kind bitmask
//	6    flags (bit 0: multi-variable)
//	7    reserved
//	8..  grid only: int64 time
//	..   length-prefixed shape blobs: latitude, longitude, [time,] data
//	..   uint16 meta count, then per variable: uint16 name length, name,
//	     length-prefixed shape blob
const (
	recordMagic     = "TREC"
	recordVersion   = 1
	recordHeaderLen = 8

	flagMulti = 1 << 0
)

// EncodeRecord serializes a record to the stored blob format.
func EncodeRecord(r *Record) ([]byte, error) {
	if !r.Kind.exactlyOne() {
		return nil, corruptf("encoding tag %#x does not name exactly one encoding", uint8(r.Kind))
	}

	var flags byte
	if r.Multi {
		flags |= flagMulti
	}

	b := make([]byte, 0, 256)
	b = append(b, recordMagic...)
	b = append(b, recordVersion, byte(r.Kind), flags, 0)

	if r.Kind == KindGrid {
		var ts [8]byte
		binary.LittleEndian.PutUint64(ts[:], uint64(r.GridTime))
		b = append(b, ts[:]...)
	}

	b = appendBlob(b, shape.Encode(r.Latitude))
	b = appendBlob(b, shape.Encode(r.Longitude))
	if r.Kind != KindGrid {
		b = appendBlob(b, shape.Encode(r.Time))
	}
	b = appendBlob(b, shape.Encode(r.Data))

	var cnt [2]byte
	binary.LittleEndian.PutUint16(cnt[:], uint16(len(r.Meta)))
	b = append(b, cnt[:]...)
	for _, mv := range r.Meta {
		binary.LittleEndian.PutUint16(cnt[:], uint16(len(mv.Name)))
		b = append(b, cnt[:]...)
		b = append(b, mv.Name...)
		b = appendBlob(b, shape.Encode(mv.Data))
	}
	return b, nil
}

func appendBlob(b, blob []byte) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(blob)))
	b = append(b, n[:]...)
	return append(b, blob...)
}

// DecodeRecord parses a stored tile blob. Any framing violation, unknown or
// ambiguous encoding tag, or embedded array that fails to decode yields a
// *CorruptTileError.
func DecodeRecord(b []byte) (*Record, error) {
	if len(b) < recordHeaderLen {
		return nil, corruptf("truncated record header: %d bytes", len(b))
	}
	if string(b[0:4]) != recordMagic {
		return nil, corruptf("bad record magic %q", b[0:4])
	}
	if b[4] != recordVersion {
		return nil, corruptf("unsupported record version %d", b[4])
	}

	kind := Kind(b[5])
	if !kind.exactlyOne() {
		return nil, corruptf("encoding tag %#x does not name exactly one encoding", b[5])
	}

	r := &Record{
		Kind:  kind,
		Multi: b[6]&flagMulti != 0,
	}

	d := decoder{buf: b, off: recordHeaderLen}

	if kind == KindGrid {
		r.GridTime = d.int64()
	}

	r.Latitude = d.array("latitude")
	r.Longitude = d.array("longitude")
	if kind != KindGrid {
		r.Time = d.array("time")
	}
	r.Data = d.array("data")

	nMeta := int(d.uint16())
	for i := 0; i < nMeta; i++ {
		name := d.str()
		r.Meta = append(r.Meta, MetaVar{Name: name, Data: d.array(name)})
	}

	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(b) {
		return nil, corruptf("%d trailing bytes after record", len(b)-d.off)
	}
	return r, nil
}

// decoder walks the record buffer, latching the first error.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = corruptf("truncated record: reading %s", what)
		return nil
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out
}

func (d *decoder) int64() int64 {
	b := d.take(8, "timestamp")
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (d *decoder) uint16() uint16 {
	b := d.take(2, "count")
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) str() string {
	n := int(d.uint16())
	b := d.take(n, "name")
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *decoder) array(what string) *shape.Array {
	if d.err != nil {
		return nil
	}
	lb := d.take(4, what+" length")
	if lb == nil {
		return nil
	}
	blob := d.take(int(binary.LittleEndian.Uint32(lb)), what)
	if blob == nil {
		return nil
	}
	a, err := shape.Decode(blob)
	if err != nil {
		d.err = &CorruptTileError{Reason: "decoding " + what, Err: err}
		return nil
	}
	return a
}
