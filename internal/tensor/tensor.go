package tensor

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
)

var (
	ErrShape  = errors.New("tensor: invalid shape")
	ErrBounds = errors.New("tensor: view out of bounds")
)

// Tensor is a dense, contiguous, row-major array. Data holds the elements in
// little-endian byte order, the layout torch uses for CPU storages.
type Tensor struct {
	DType        DType
	Shape        []int
	Data         []byte
	RequiresGrad bool
}

// NumElements returns the product of dims. A rank-0 shape is a scalar.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dim %d in %v", ErrShape, d, shape)
		}
		if d != 0 && n > int(^uint(0)>>1)/d {
			return 0, fmt.Errorf("%w: %v overflows", ErrShape, shape)
		}
		n *= d
	}
	return n, nil
}

// ContiguousStrides returns the element strides of a row-major layout.
func ContiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= max(shape[i], 1)
	}
	return strides
}

// Empty allocates a zero-filled tensor of the given dtype and shape.
func Empty(dtype DType, shape []int) (*Tensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("tensor: cannot allocate %s", dtype)
	}
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		DType: dtype,
		Shape: slices.Clone(shape),
		Data:  make([]byte, n*dtype.Size()),
	}, nil
}

func (t *Tensor) NumElements() int {
	return len(t.Data) / t.DType.Size()
}

func (t *Tensor) Strides() []int {
	return ContiguousStrides(t.Shape)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor(%s, shape=%v)", t.DType, t.Shape)
}

// Equal reports whether both tensors have the same dtype, shape and bytes.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.DType == o.DType && slices.Equal(t.Shape, o.Shape) && bytes.Equal(t.Data, o.Data)
}

// FromStorage materialises the strided view (offset, shape, stride) of a
// flat storage into a new contiguous tensor. offset and stride count elements.
func FromStorage(dtype DType, storage []byte, offset int, shape, stride []int) (*Tensor, error) {
	if len(shape) != len(stride) {
		return nil, fmt.Errorf("%w: shape %v and stride %v differ in rank", ErrShape, shape, stride)
	}
	out, err := Empty(dtype, shape)
	if err != nil {
		return nil, err
	}
	n := out.NumElements()
	if n == 0 {
		return out, nil
	}

	es := dtype.Size()
	numel := len(storage) / es
	last := offset
	for i, d := range shape {
		if stride[i] < 0 {
			return nil, fmt.Errorf("%w: negative stride %v", ErrShape, stride)
		}
		last += (d - 1) * stride[i]
	}
	if offset < 0 || last >= numel {
		return nil, fmt.Errorf("%w: offset %d shape %v stride %v over %d elements", ErrBounds, offset, shape, stride, numel)
	}

	if slices.Equal(stride, ContiguousStrides(shape)) {
		copy(out.Data, storage[offset*es:(offset+n)*es])
		return out, nil
	}

	dst := 0
	forEachIndex(shape, func(idx []int) {
		src := offset
		for i, v := range idx {
			src += v * stride[i]
		}
		copy(out.Data[dst*es:(dst+1)*es], storage[src*es:(src+1)*es])
		dst++
	})
	return out, nil
}

// CopyRegion writes src into t starting at offsets, the equivalent of
// t.narrow(...).copy_(src) over every dim. src is cast when dtypes differ.
func (t *Tensor) CopyRegion(src *Tensor, offsets []int) error {
	if len(src.Shape) != len(t.Shape) || len(offsets) != len(t.Shape) {
		return fmt.Errorf("%w: cannot copy %v at %v into %v", ErrShape, src.Shape, offsets, t.Shape)
	}
	for i := range t.Shape {
		if offsets[i] < 0 || offsets[i]+src.Shape[i] > t.Shape[i] {
			return fmt.Errorf("%w: region %v at %v exceeds %v", ErrBounds, src.Shape, offsets, t.Shape)
		}
	}
	if src.DType != t.DType {
		cast, err := src.Cast(t.DType)
		if err != nil {
			return err
		}
		src = cast
	}
	if src.NumElements() == 0 {
		return nil
	}

	es := t.DType.Size()
	if len(t.Shape) == 0 {
		copy(t.Data[:es], src.Data[:es])
		return nil
	}

	dstStrides := t.Strides()
	rank := len(t.Shape)
	run := src.Shape[rank-1] * es
	outer := src.Shape[:rank-1]

	pos := 0
	forEachIndex(outer, func(idx []int) {
		dst := offsets[rank-1] * dstStrides[rank-1]
		for i, v := range idx {
			dst += (offsets[i] + v) * dstStrides[i]
		}
		copy(t.Data[dst*es:dst*es+run], src.Data[pos:pos+run])
		pos += run
	})
	return nil
}

// forEachIndex visits every multi-index of shape in row-major order. A
// rank-0 shape is visited once with an empty index.
func forEachIndex(shape []int, fn func(idx []int)) {
	for _, d := range shape {
		if d == 0 {
			return
		}
	}
	idx := make([]int, len(shape))
	for {
		fn(idx)
		i := len(shape) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < shape[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}
