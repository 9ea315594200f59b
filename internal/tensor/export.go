package tensor

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Exported is the device-independent form of a tensor: shape, dtype and packed
// row-major little-endian bytes. It is the only persistence boundary of the core.
type Exported struct {
	Shape Shape
	DType DataType
	Data  []byte
}

// Export synchronizes x and externalizes it.
func Export(x *RawTensor) (Exported, error) {
	native, err := x.Bytes()
	if err != nil {
		return Exported{}, errors.Wrap(err, "export")
	}
	return Exported{
		Shape: x.Shape().Clone(),
		DType: x.DType(),
		Data:  toLittleEndian(native, x.DType()),
	}, nil
}

// Import reconstructs an exported tensor on backend b.
func Import(e Exported, b Backend) (*RawTensor, error) {
	if err := e.Shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "import")
	}
	if want := e.Shape.NumElements() * e.DType.Size(); len(e.Data) != want {
		return nil, errors.Wrapf(ErrShapeMismatch, "import: %d bytes for shape %v %s, want %d",
			len(e.Data), e.Shape, e.DType, want)
	}
	return b.FromHost(fromLittleEndian(e.Data, e.DType), e.Shape, e.DType)
}

func toLittleEndian(native []byte, dt DataType) []byte {
	out := make([]byte, len(native))
	switch dt.Size() {
	case 1:
		copy(out, native)
	case 4:
		for i := 0; i < len(native); i += 4 {
			binary.LittleEndian.PutUint32(out[i:], binary.NativeEndian.Uint32(native[i:]))
		}
	case 8:
		for i := 0; i < len(native); i += 8 {
			binary.LittleEndian.PutUint64(out[i:], binary.NativeEndian.Uint64(native[i:]))
		}
	}
	return out
}

func fromLittleEndian(le []byte, dt DataType) []byte {
	out := make([]byte, len(le))
	switch dt.Size() {
	case 1:
		copy(out, le)
	case 4:
		for i := 0; i < len(le); i += 4 {
			binary.NativeEndian.PutUint32(out[i:], binary.LittleEndian.Uint32(le[i:]))
		}
	case 8:
		for i := 0; i < len(le); i += 8 {
			binary.NativeEndian.PutUint64(out[i:], binary.LittleEndian.Uint64(le[i:]))
		}
	}
	return out
}

// Float32Bits is a convenience for building Exported payloads by hand.
func Float32Bits(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}
