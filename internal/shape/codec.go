package shape

import (
	"encoding/binary"
)

// Binary layout, all integers little-endian:
//
//	0:4   magic "SHPD"
//	4     format version (1)
//	5     dtype
//	6     mask flag (0 or 1)
//	7     ndim
//	8..   ndim uint32 dimension sizes
//	..    element payload, Len()*dtype.Size() bytes
//	..    mask payload, Len() bytes of 0/1, present only when flagged
const (
	codecMagic   = "SHPD"
	codecVersion = 1
	headerLen    = 8
	maxDims      = 16
)

// Encode serializes an array, including its mask when present.
func Encode(a *Array) []byte {
	n := a.Len()
	size := headerLen + 4*len(a.shape) + n*a.dtype.Size()
	if a.mask != nil {
		size += n
	}

	b := make([]byte, 0, size)
	b = append(b, codecMagic...)
	b = append(b, codecVersion, byte(a.dtype))
	if a.mask != nil {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = append(b, byte(len(a.shape)))

	var dim [4]byte
	for _, d := range a.shape {
		binary.LittleEndian.PutUint32(dim[:], uint32(d))
		b = append(b, dim[:]...)
	}

	b = append(b, a.data...)

	if a.mask != nil {
		for _, m := range a.mask {
			if m {
				b = append(b, 1)
			} else {
				b = append(b, 0)
			}
		}
	}
	return b
}

// Decode parses bytes produced by Encode. Any header or length mismatch is a
// *CodecError; bytes are never silently reinterpreted.
func Decode(b []byte) (*Array, error) {
	if len(b) < headerLen {
		return nil, codecErrf("truncated header: %d bytes", len(b))
	}
	if string(b[0:4]) != codecMagic {
		return nil, codecErrf("bad magic %q", b[0:4])
	}
	if b[4] != codecVersion {
		return nil, codecErrf("unsupported version %d", b[4])
	}

	dtype := DType(b[5])
	if !dtype.valid() {
		return nil, codecErrf("unsupported dtype %d", b[5])
	}

	hasMask := b[6] != 0
	if b[6] > 1 {
		return nil, codecErrf("invalid mask flag %d", b[6])
	}

	ndim := int(b[7])
	if ndim > maxDims {
		return nil, codecErrf("too many dimensions: %d", ndim)
	}

	off := headerLen
	if len(b) < off+4*ndim {
		return nil, codecErrf("truncated shape: want %d dims", ndim)
	}

	dims := make([]int, ndim)
	n := 1
	for i := range dims {
		dims[i] = int(binary.LittleEndian.Uint32(b[off:]))
		n *= dims[i]
		off += 4
	}

	want := off + n*dtype.Size()
	if hasMask {
		want += n
	}
	if len(b) != want {
		return nil, codecErrf("payload length %d, want %d for %s%v", len(b), want, dtype, dims)
	}

	a := &Array{
		dtype: dtype,
		shape: dims,
		data:  append([]byte(nil), b[off:off+n*dtype.Size()]...),
	}
	off += n * dtype.Size()

	if hasMask {
		a.mask = make([]bool, n)
		for i := 0; i < n; i++ {
			switch b[off+i] {
			case 0:
			case 1:
				a.mask[i] = true
			default:
				return nil, codecErrf("invalid mask byte %d at cell %d", b[off+i], i)
			}
		}
	}
	return a, nil
}
