package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Cast returns a copy of t converted to dtype, following torch's Tensor.to
// rules: floats round to nearest, floats to integers truncate toward zero,
// anything non-zero becomes true, complex to real keeps the real part.
func (t *Tensor) Cast(to DType) (*Tensor, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("tensor: cannot cast to %s", to)
	}
	out := &Tensor{
		DType:        to,
		Shape:        slices.Clone(t.Shape),
		RequiresGrad: t.RequiresGrad,
	}
	if t.DType == to {
		out.Data = slices.Clone(t.Data)
		return out, nil
	}

	n := t.NumElements()
	ie, oe := t.DType.Size(), to.Size()
	out.Data = make([]byte, n*oe)

	switch {
	case to == BFloat16 && t.DType == Float32:
		for i := range n {
			f := math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
			binary.LittleEndian.PutUint16(out.Data[i*2:], bf16FromF32(f))
		}
	case to == Float16 && t.DType == Float32:
		for i := range n {
			f := math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
			binary.LittleEndian.PutUint16(out.Data[i*2:], float16.Fromfloat32(f).Bits())
		}
	case to == Float32 && t.DType == BFloat16:
		for i, f := range bfloat16.DecodeFloat32(t.Data) {
			binary.LittleEndian.PutUint32(out.Data[i*4:], math.Float32bits(f))
		}
	case isIntegral(t.DType) && isIntegral(to):
		for i := range n {
			storeInt(to, out.Data[i*oe:], loadInt(t.DType, t.Data[i*ie:]))
		}
	default:
		for i := range n {
			storeFloat(to, out.Data[i*oe:], loadFloat(t.DType, t.Data[i*ie:]))
		}
	}
	return out, nil
}

func isIntegral(d DType) bool {
	switch d {
	case Int64, Int32, Int16, Int8, Uint8, Bool:
		return true
	}
	return false
}

func loadInt(d DType, b []byte) int64 {
	switch d {
	case Int64:
		return int64(binary.LittleEndian.Uint64(b))
	case Int32:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case Int16:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case Int8:
		return int64(int8(b[0]))
	case Uint8:
		return int64(b[0])
	case Bool:
		if b[0] != 0 {
			return 1
		}
		return 0
	}
	return int64(loadFloat(d, b))
}

func storeInt(d DType, b []byte, v int64) {
	switch d {
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case Int8, Uint8:
		b[0] = byte(v)
	case Bool:
		b[0] = 0
		if v != 0 {
			b[0] = 1
		}
	default:
		storeFloat(d, b, float64(v))
	}
}

func loadFloat(d DType, b []byte) float64 {
	switch d {
	case Float64, Complex128:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case Float32, Complex64:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
	case BFloat16:
		return float64(bfloat16.ToFloat32(bfloat16.FromBytes(b)))
	}
	return float64(loadInt(d, b))
}

func storeFloat(d DType, b []byte, v float64) {
	switch d {
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case Complex128:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		binary.LittleEndian.PutUint64(b[8:], 0)
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Complex64:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		binary.LittleEndian.PutUint32(b[4:], 0)
	case Float16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case BFloat16:
		binary.LittleEndian.PutUint16(b, bf16FromF32(float32(v)))
	case Bool:
		b[0] = 0
		if v != 0 {
			b[0] = 1
		}
	default:
		if math.IsNaN(v) {
			v = 0
		}
		storeInt(d, b, int64(v))
	}
}

// bf16FromF32 rounds to nearest-even on the dropped 16 bits, as torch does.
// bfloat16.FromFloat32 truncates.
func bf16FromF32(f float32) uint16 {
	if f != f {
		return 0x7fc0
	}
	u := math.Float32bits(f)
	rnd := uint32(0x7fff + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}
