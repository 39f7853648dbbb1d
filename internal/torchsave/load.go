// Package torchsave reads and writes the zip archives produced by torch.save:
// a protocol 2 data.pkl whose tensors reference raw storages stored as
// separate data/<key> records.
package torchsave

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/samcharles93/dcpconv/internal/pickle"
	"github.com/samcharles93/dcpconv/internal/statedict"
	"github.com/samcharles93/dcpconv/internal/tensor"
)

var ErrNotArchive = errors.New("torchsave: not a torch.save zip archive")

// storage is what a persistent id resolves to before a rebuild function
// turns it into a tensor.
type storage struct {
	dtype tensor.DType
	data  []byte
}

type storageClass struct {
	dtype tensor.DType
}

type archive struct {
	zr       *zip.Reader
	prefix   string
	storages map[string]*storage
}

// LoadFile loads a torch.save archive from disk.
func LoadFile(p string) (any, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	v, err := Load(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return v, nil
}

// Load decodes one archive. Tensors come back as *tensor.Tensor with their
// own contiguous copy of the data; everything else is a statedict value.
func Load(r io.ReaderAt, size int64) (any, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}

	a := &archive{zr: zr, storages: make(map[string]*storage)}
	var pkl *zip.File
	for _, f := range zr.File {
		if path.Base(f.Name) == "data.pkl" && strings.Count(f.Name, "/") == 1 {
			pkl = f
			a.prefix = path.Dir(f.Name)
			break
		}
	}
	if pkl == nil {
		return nil, fmt.Errorf("%w: no data.pkl record", ErrNotArchive)
	}

	if order, err := a.record("byteorder"); err == nil && strings.TrimSpace(string(order)) != "little" {
		return nil, fmt.Errorf("torchsave: unsupported byte order %q", order)
	}

	rc, err := pkl.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	dec := pickle.NewDecoder(rc)
	registerTorch(dec)
	dec.SetPersistentLoad(a.persistentLoad)
	return dec.Decode()
}

func (a *archive) record(name string) ([]byte, error) {
	f, err := a.zr.Open(a.prefix + "/" + name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// persistentLoad resolves ("storage", storage_type, key, location, numel).
func (a *archive) persistentLoad(pid any) (any, error) {
	t, ok := pid.(statedict.Tuple)
	if !ok || len(t) < 3 {
		return nil, fmt.Errorf("torchsave: unexpected persistent id %v", pid)
	}
	if kind, _ := t[0].(string); kind != "storage" {
		return nil, fmt.Errorf("torchsave: unsupported persistent id kind %v", t[0])
	}
	key, ok := t[2].(string)
	if !ok {
		return nil, fmt.Errorf("torchsave: storage key %v (%T)", t[2], t[2])
	}

	var dtype tensor.DType
	switch c := t[1].(type) {
	case *storageClass:
		dtype = c.dtype
	case tensor.DType:
		dtype = c
	default:
		return nil, fmt.Errorf("torchsave: storage %s has type %v", key, t[1])
	}

	if st, ok := a.storages[key]; ok {
		return st, nil
	}
	data, err := a.record("data/" + key)
	if err != nil {
		return nil, fmt.Errorf("torchsave: storage %s: %w", key, err)
	}
	if len(data)%dtype.Size() != 0 {
		return nil, fmt.Errorf("torchsave: storage %s holds %d bytes, not a multiple of %s", key, len(data), dtype)
	}
	st := &storage{dtype: dtype, data: data}
	a.storages[key] = st
	return st, nil
}

// registerTorch teaches a decoder the torch globals an archive refers to.
func registerTorch(dec *pickle.Decoder) {
	dec.Register("torch._utils", "_rebuild_tensor", pickle.Constructor(rebuildTensor))
	dec.Register("torch._utils", "_rebuild_tensor_v2", pickle.Constructor(rebuildTensor))
	dec.Register("torch._utils", "_rebuild_tensor_v3", pickle.Constructor(rebuildTensorV3))
	dec.Register("torch._utils", "_rebuild_parameter", pickle.Constructor(rebuildParameter))
	dec.Register("torch._utils", "_rebuild_parameter_with_state", pickle.Constructor(rebuildParameter))
	dec.Register("torch", "Size", pickle.Constructor(torchSize))
	dec.SetResolver(func(module, name string) (any, bool) {
		if module != "torch" {
			return nil, false
		}
		if strings.HasSuffix(name, "Storage") {
			if d, err := tensor.FromStorageClass(name); err == nil {
				return &storageClass{dtype: d}, true
			}
			return nil, false
		}
		if d, err := tensor.ParseDType(name); err == nil {
			return d, true
		}
		return nil, false
	})
}

// SizeClass is torch.Size. A decoded torch.Size stays an Object of this
// class, so it is written back as the same REDUCE.
var SizeClass = statedict.Global{Module: "torch", Name: "Size"}

func torchSize(args []any) (any, error) {
	dims := statedict.Tuple{}
	if len(args) > 0 {
		v, err := pickle.Convert(args[0])
		if err != nil {
			return nil, err
		}
		t, ok := v.(statedict.Tuple)
		if !ok {
			return nil, fmt.Errorf("torch.Size: argument is %T, not a tuple", v)
		}
		dims = t
	}
	return &statedict.Object{Class: SizeClass, Args: statedict.Tuple{dims}}, nil
}

// rebuildTensor handles _rebuild_tensor and _rebuild_tensor_v2:
// (storage, offset, size, stride[, requires_grad, backward_hooks, metadata]).
func rebuildTensor(args []any) (any, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("_rebuild_tensor: %d args", len(args))
	}
	st, ok := args[0].(*storage)
	if !ok {
		return nil, fmt.Errorf("_rebuild_tensor: storage is %T", args[0])
	}
	return buildTensor(st.dtype, st, args)
}

// rebuildTensorV3 carries the dtype explicitly and may reference an untyped
// storage: (storage, offset, size, stride, requires_grad, hooks, dtype[, metadata]).
func rebuildTensorV3(args []any) (any, error) {
	if len(args) < 7 {
		return nil, fmt.Errorf("_rebuild_tensor_v3: %d args", len(args))
	}
	st, ok := args[0].(*storage)
	if !ok {
		return nil, fmt.Errorf("_rebuild_tensor_v3: storage is %T", args[0])
	}
	dtype, ok := args[6].(tensor.DType)
	if !ok {
		return nil, fmt.Errorf("_rebuild_tensor_v3: dtype is %v", args[6])
	}
	return buildTensor(dtype, st, args)
}

func buildTensor(dtype tensor.DType, st *storage, args []any) (*tensor.Tensor, error) {
	offset, err := intArg(args[1])
	if err != nil {
		return nil, fmt.Errorf("storage offset: %w", err)
	}
	shape, err := intsArg(args[2])
	if err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	stride, err := intsArg(args[3])
	if err != nil {
		return nil, fmt.Errorf("stride: %w", err)
	}
	t, err := tensor.FromStorage(dtype, st.data, offset, shape, stride)
	if err != nil {
		return nil, err
	}
	if len(args) > 4 {
		t.RequiresGrad, _ = args[4].(bool)
	}
	return t, nil
}

// rebuildParameter unwraps nn.Parameter: (data, requires_grad, hooks[, state]).
func rebuildParameter(args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("_rebuild_parameter: %d args", len(args))
	}
	t, ok := args[0].(*tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("_rebuild_parameter: data is %T", args[0])
	}
	t.RequiresGrad, _ = args[1].(bool)
	return t, nil
}

func intArg(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	}
	return 0, fmt.Errorf("want int, got %T", v)
}

// intsArg accepts a tuple, list or torch.Size of ints.
func intsArg(v any) ([]int, error) {
	c, err := pickle.Convert(v)
	if err != nil {
		return nil, err
	}
	var items []any
	switch x := c.(type) {
	case statedict.Tuple:
		items = x
	case *statedict.List:
		items = x.Items
	case []int:
		return x, nil
	case *statedict.Object:
		if x.Class != SizeClass || len(x.Args) != 1 {
			return nil, fmt.Errorf("want a sequence of ints, got %s", x)
		}
		return intsArg(x.Args[0])
	default:
		return nil, fmt.Errorf("want a sequence of ints, got %T", c)
	}
	out := make([]int, len(items))
	for i, item := range items {
		n, err := intArg(item)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
