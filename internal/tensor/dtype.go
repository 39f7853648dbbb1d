package tensor

import (
	"fmt"
	"strings"
)

// DType identifies a tensor element encoding by its torch name.
type DType uint8

const (
	Invalid DType = iota
	Float64
	Float32
	Float16
	BFloat16
	Int64
	Int32
	Int16
	Int8
	Uint8
	Bool
	Complex64
	Complex128
)

type dtypeInfo struct {
	name    string
	size    int
	storage string // legacy typed storage class, e.g. torch.FloatStorage
	float   bool
}

var dtypes = [...]dtypeInfo{
	Invalid:    {name: "invalid"},
	Float64:    {name: "float64", size: 8, storage: "DoubleStorage", float: true},
	Float32:    {name: "float32", size: 4, storage: "FloatStorage", float: true},
	Float16:    {name: "float16", size: 2, storage: "HalfStorage", float: true},
	BFloat16:   {name: "bfloat16", size: 2, storage: "BFloat16Storage", float: true},
	Int64:      {name: "int64", size: 8, storage: "LongStorage"},
	Int32:      {name: "int32", size: 4, storage: "IntStorage"},
	Int16:      {name: "int16", size: 2, storage: "ShortStorage"},
	Int8:       {name: "int8", size: 1, storage: "CharStorage"},
	Uint8:      {name: "uint8", size: 1, storage: "ByteStorage"},
	Bool:       {name: "bool", size: 1, storage: "BoolStorage"},
	Complex64:  {name: "complex64", size: 8, storage: "ComplexFloatStorage"},
	Complex128: {name: "complex128", size: 16, storage: "ComplexDoubleStorage"},
}

// torch exposes several aliases for the same dtype object.
var dtypeAliases = map[string]DType{
	"double":  Float64,
	"float":   Float32,
	"half":    Float16,
	"long":    Int64,
	"int":     Int32,
	"short":   Int16,
	"cfloat":  Complex64,
	"cdouble": Complex128,
	"f16":     Float16,
	"bf16":    BFloat16,
	"f32":     Float32,
}

// String returns the torch name of the dtype ("float32", "bfloat16", ...).
func (d DType) String() string {
	if int(d) >= len(dtypes) {
		return fmt.Sprintf("dtype(%d)", d)
	}
	return dtypes[d].name
}

// Size is the element width in bytes.
func (d DType) Size() int {
	if int(d) >= len(dtypes) {
		return 0
	}
	return dtypes[d].size
}

// StorageClass is the name of the legacy typed storage class torch pickles
// for tensors of this dtype.
func (d DType) StorageClass() string {
	if int(d) >= len(dtypes) {
		return ""
	}
	return dtypes[d].storage
}

func (d DType) IsFloating() bool {
	return int(d) < len(dtypes) && dtypes[d].float
}

func (d DType) IsComplex() bool {
	return d == Complex64 || d == Complex128
}

func (d DType) Valid() bool {
	return d != Invalid && int(d) < len(dtypes)
}

// ParseDType accepts canonical torch names, their aliases and an optional
// "torch." prefix.
func ParseDType(name string) (DType, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "torch.")
	for i, info := range dtypes {
		if DType(i) != Invalid && info.name == n {
			return DType(i), nil
		}
	}
	if d, ok := dtypeAliases[n]; ok {
		return d, nil
	}
	return Invalid, fmt.Errorf("tensor: unknown dtype %q", name)
}

// FromStorageClass maps a typed storage class name (torch.HalfStorage) back
// to its dtype. UntypedStorage is bytes.
func FromStorageClass(name string) (DType, error) {
	n := strings.TrimPrefix(name, "torch.")
	if n == "UntypedStorage" {
		return Uint8, nil
	}
	for i, info := range dtypes {
		if DType(i) != Invalid && info.storage == n {
			return DType(i), nil
		}
	}
	return Invalid, fmt.Errorf("tensor: unknown storage class %q", name)
}
