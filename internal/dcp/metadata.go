// Package dcp loads PyTorch Distributed Checkpoint directories: a pickled
// .metadata index plus shard files holding one torch.save blob per item.
package dcp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samcharles93/dcpconv/internal/pickle"
	"github.com/samcharles93/dcpconv/internal/statedict"
	"github.com/samcharles93/dcpconv/internal/tensor"
)

const MetadataFile = ".metadata"

var (
	ErrNotDirectory   = errors.New("dcp: checkpoint is not a directory")
	ErrMissingStorage = errors.New("dcp: no storage record for item")
	ErrShapeMismatch  = errors.New("dcp: stored chunk does not match metadata")
	ErrMetadata       = errors.New("dcp: malformed metadata")
)

// StorageMetadata is either *TensorStorageMetadata or *BytesStorageMetadata.
type StorageMetadata interface {
	storageMetadata()
}

type ChunkStorageMetadata struct {
	Offsets []int
	Sizes   []int
}

type TensorProperties struct {
	DType        tensor.DType
	Layout       string
	RequiresGrad bool
	MemoryFormat string
	PinMemory    bool
}

type TensorStorageMetadata struct {
	Properties TensorProperties
	Size       []int
	Chunks     []ChunkStorageMetadata
}

// BytesStorageMetadata marks an item saved as an opaque torch.save blob.
type BytesStorageMetadata struct{}

func (*TensorStorageMetadata) storageMetadata() {}
func (*BytesStorageMetadata) storageMetadata()  {}

// MetadataIndex names one stored item. Offset is nil for bytes items and
// the chunk offsets for tensor chunks. Index is only a lookup hint.
type MetadataIndex struct {
	FQN    string
	Offset []int
	Index  int
}

type StorageInfo struct {
	RelativePath         string
	Offset               int64
	Length               int64
	TransformDescriptors []string
}

type StorageMeta struct {
	CheckpointID string
	SaveID       string
	LoadID       string
}

// Metadata is the decoded .metadata file.
type Metadata struct {
	// Keys lists StateDict entries in the order they were saved.
	Keys        []string
	StateDict   map[string]StorageMetadata
	PlannerData map[string]statedict.Path
	StorageData map[storageKey]*StorageInfo
	StorageMeta *StorageMeta
	Version     string
}

type storageKey struct {
	fqn    string
	offset string
}

func keyOf(fqn string, offset []int) storageKey {
	if offset == nil {
		return storageKey{fqn: fqn}
	}
	return storageKey{fqn: fqn, offset: fmt.Sprint(offset)}
}

// Storage returns where the item fqn (at chunk offset, or nil for bytes) is
// stored.
func (m *Metadata) Storage(fqn string, offset []int) (*StorageInfo, error) {
	info, ok := m.StorageData[keyOf(fqn, offset)]
	if !ok {
		if offset == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingStorage, fqn)
		}
		return nil, fmt.Errorf("%w: %s at offset %v", ErrMissingStorage, fqn, offset)
	}
	return info, nil
}

// Path returns the nested location of fqn in the original state mapping,
// or the flat key itself when the planner recorded none.
func (m *Metadata) Path(fqn string) statedict.Path {
	if p, ok := m.PlannerData[fqn]; ok && len(p) > 0 {
		return p
	}
	return statedict.Path{fqn}
}

// ReadMetadata decodes dir/.metadata.
func ReadMetadata(dir string) (*Metadata, error) {
	p := filepath.Join(dir, MetadataFile)
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	dec := pickle.NewDecoder(f)
	registerMetadata(dec)
	v, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	md, ok := v.(*metadataState)
	if !ok {
		return nil, fmt.Errorf("%w: %s holds %T", ErrMetadata, p, v)
	}
	return md.Metadata, nil
}

// Classes live in torch.distributed.checkpoint.metadata (and
// filesystem for _StorageInfo) but have moved between releases, so they are
// matched by name under the package prefix.
const dcpModule = "torch.distributed.checkpoint"

func registerMetadata(dec *pickle.Decoder) {
	classes := map[string]func() any{
		"Metadata":              func() any { return &metadataState{Metadata: &Metadata{}} },
		"TensorStorageMetadata": func() any { return &TensorStorageMetadata{} },
		"BytesStorageMetadata":  func() any { return &BytesStorageMetadata{} },
		"ChunkStorageMetadata":  func() any { return &chunkState{} },
		"TensorProperties":      func() any { return &TensorProperties{} },
		"MetadataIndex":         func() any { return &MetadataIndex{} },
		"_StorageInfo":          func() any { return &StorageInfo{} },
		"StorageMeta":           func() any { return &StorageMeta{} },
	}
	dec.Register("torch", "Size", pickle.Constructor(torchSize))
	dec.SetResolver(func(module, name string) (any, bool) {
		if module == "torch" {
			if d, err := tensor.ParseDType(name); err == nil {
				return d, true
			}
			// layouts and memory formats reduce to their names.
			return "torch." + name, true
		}
		if module != dcpModule && !strings.HasPrefix(module, dcpModule+".") {
			return nil, false
		}
		if name == "_MEM_FORMAT_ENCODING" {
			return pickle.Constructor(memFormat), true
		}
		newFn, ok := classes[name]
		if !ok {
			return nil, false
		}
		return pickle.Constructor(func([]any) (any, error) { return newFn(), nil }), true
	})
}

func torchSize(args []any) (any, error) {
	if len(args) == 0 {
		return []int{}, nil
	}
	return ints(args[0])
}

var memFormats = []string{"torch.contiguous_format", "torch.channels_last", "torch.preserve_format"}

// memFormat decodes _MEM_FORMAT_ENCODING(value); TORCH_CONTIGUOUS_FORMAT
// is 0.
func memFormat(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("_MEM_FORMAT_ENCODING: %d args", len(args))
	}
	n, ok := args[0].(int)
	if !ok || n < 0 || n >= len(memFormats) {
		return nil, fmt.Errorf("_MEM_FORMAT_ENCODING: unknown value %v", args[0])
	}
	return memFormats[n], nil
}

// stateFields returns the instance dict carried by BUILD. Dataclasses with
// __slots__ send (None, slots) instead.
func stateFields(state any) (*statedict.Dict, error) {
	c, err := pickle.Convert(state)
	if err != nil {
		return nil, err
	}
	switch x := c.(type) {
	case *statedict.Dict:
		return x, nil
	case statedict.Tuple:
		if len(x) == 2 {
			if d, ok := x[1].(*statedict.Dict); ok {
				return d, nil
			}
			if d, ok := x[0].(*statedict.Dict); ok {
				return d, nil
			}
		}
	case nil:
		return statedict.NewDict(), nil
	}
	return nil, fmt.Errorf("%w: unexpected object state %T", ErrMetadata, c)
}

func field[T any](d *statedict.Dict, name string) (T, error) {
	var zero T
	v, ok := d.Get(name)
	if !ok {
		return zero, fmt.Errorf("%w: missing field %q", ErrMetadata, name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: field %q is %T, want %T", ErrMetadata, name, v, zero)
	}
	return t, nil
}

func optionalString(d *statedict.Dict, name string) string {
	v, _ := d.Get(name)
	s, _ := v.(string)
	return s
}

func ints(v any) ([]int, error) {
	c, err := pickle.Convert(v)
	if err != nil {
		return nil, err
	}
	var items []any
	switch x := c.(type) {
	case []int:
		return x, nil
	case statedict.Tuple:
		items = x
	case *statedict.List:
		items = x.Items
	default:
		return nil, fmt.Errorf("%w: want a sequence of ints, got %T", ErrMetadata, c)
	}
	out := make([]int, len(items))
	for i, item := range items {
		switch n := item.(type) {
		case int:
			out[i] = n
		case int64:
			out[i] = int(n)
		default:
			return nil, fmt.Errorf("%w: want int, got %T", ErrMetadata, item)
		}
	}
	return out, nil
}

func intsField(d *statedict.Dict, name string) ([]int, error) {
	v, ok := d.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: missing field %q", ErrMetadata, name)
	}
	return ints(v)
}

func int64Field(d *statedict.Dict, name string) (int64, error) {
	v, ok := d.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: missing field %q", ErrMetadata, name)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return 0, fmt.Errorf("%w: field %q is %T, want int", ErrMetadata, name, v)
}

// chunkState decodes into ChunkStorageMetadata; the pickled object is only
// a carrier.
type chunkState struct {
	ChunkStorageMetadata
}

func (c *chunkState) PySetState(state any) error {
	d, err := stateFields(state)
	if err != nil {
		return err
	}
	if c.Offsets, err = intsField(d, "offsets"); err != nil {
		return err
	}
	c.Sizes, err = intsField(d, "sizes")
	return err
}

// PySetState accepts the tuple written by TensorProperties.__getstate__:
// (dtype, layout, requires_grad, memory_format, pin_memory).
func (p *TensorProperties) PySetState(state any) error {
	c, err := pickle.Convert(state)
	if err != nil {
		return err
	}
	if t, ok := c.(statedict.Tuple); ok && len(t) == 5 {
		var ok bool
		if p.DType, ok = t[0].(tensor.DType); !ok {
			return fmt.Errorf("%w: tensor dtype %v", ErrMetadata, t[0])
		}
		p.Layout, _ = t[1].(string)
		p.RequiresGrad, _ = t[2].(bool)
		p.MemoryFormat, _ = t[3].(string)
		p.PinMemory, _ = t[4].(bool)
		return nil
	}

	d, err := stateFields(c)
	if err != nil {
		return err
	}
	if p.DType, err = field[tensor.DType](d, "dtype"); err != nil {
		return err
	}
	p.Layout = optionalString(d, "layout")
	p.MemoryFormat = optionalString(d, "memory_format")
	p.RequiresGrad, _ = mustGet(d, "requires_grad").(bool)
	p.PinMemory, _ = mustGet(d, "pin_memory").(bool)
	return nil
}

func mustGet(d *statedict.Dict, k string) any {
	v, _ := d.Get(k)
	return v
}

func (m *TensorStorageMetadata) PySetState(state any) error {
	d, err := stateFields(state)
	if err != nil {
		return err
	}
	props, err := field[*TensorProperties](d, "properties")
	if err != nil {
		return err
	}
	m.Properties = *props
	if m.Size, err = intsField(d, "size"); err != nil {
		return err
	}
	chunks, err := field[*statedict.List](d, "chunks")
	if err != nil {
		return err
	}
	for _, item := range chunks.Items {
		c, ok := item.(*chunkState)
		if !ok {
			return fmt.Errorf("%w: chunk is %T", ErrMetadata, item)
		}
		m.Chunks = append(m.Chunks, c.ChunkStorageMetadata)
	}
	return nil
}

func (*BytesStorageMetadata) PySetState(any) error { return nil }

func (m *MetadataIndex) PySetState(state any) error {
	d, err := stateFields(state)
	if err != nil {
		return err
	}
	if m.FQN, err = field[string](d, "fqn"); err != nil {
		return err
	}
	if v, _ := d.Get("offset"); v != nil {
		if m.Offset, err = ints(v); err != nil {
			return err
		}
	}
	if n, ok := mustGet(d, "index").(int); ok {
		m.Index = n
	}
	return nil
}

func (s *StorageInfo) PySetState(state any) error {
	d, err := stateFields(state)
	if err != nil {
		return err
	}
	if s.RelativePath, err = field[string](d, "relative_path"); err != nil {
		return err
	}
	if s.Offset, err = int64Field(d, "offset"); err != nil {
		return err
	}
	if s.Length, err = int64Field(d, "length"); err != nil {
		return err
	}
	if l, ok := mustGet(d, "transform_descriptors").(*statedict.List); ok {
		for _, item := range l.Items {
			s.TransformDescriptors = append(s.TransformDescriptors, fmt.Sprint(item))
		}
	}
	return nil
}

func (s *StorageMeta) PySetState(state any) error {
	d, err := stateFields(state)
	if err != nil {
		return err
	}
	s.CheckpointID = optionalString(d, "checkpoint_id")
	s.SaveID = optionalString(d, "save_id")
	s.LoadID = optionalString(d, "load_id")
	return nil
}

// metadataState receives the Metadata BUILD.
type metadataState struct {
	*Metadata
}

func (ms *metadataState) PySetState(state any) error {
	return ms.decode(state)
}

func (ms *metadataState) decode(state any) error {
	d, err := stateFields(state)
	if err != nil {
		return err
	}
	m := ms.Metadata

	sdm, err := field[*statedict.Dict](d, "state_dict_metadata")
	if err != nil {
		return err
	}
	m.StateDict = make(map[string]StorageMetadata, sdm.Len())
	var rangeErr error
	sdm.Range(func(k, v any) bool {
		fqn, ok := k.(string)
		if !ok {
			rangeErr = fmt.Errorf("%w: state_dict_metadata key %v (%T)", ErrMetadata, k, k)
			return false
		}
		sm, ok := v.(StorageMetadata)
		if !ok {
			rangeErr = fmt.Errorf("%w: %s has metadata %T", ErrMetadata, fqn, v)
			return false
		}
		m.Keys = append(m.Keys, fqn)
		m.StateDict[fqn] = sm
		return true
	})
	if rangeErr != nil {
		return rangeErr
	}

	m.PlannerData = make(map[string]statedict.Path)
	if pd, ok := mustGet(d, "planner_data").(*statedict.Dict); ok {
		pd.Range(func(k, v any) bool {
			fqn, _ := k.(string)
			var items []any
			switch p := v.(type) {
			case statedict.Tuple:
				items = p
			case *statedict.List:
				items = p.Items
			default:
				// Custom planners may store anything here.
				return true
			}
			path := make(statedict.Path, len(items))
			for i, e := range items {
				switch x := e.(type) {
				case string, int:
					path[i] = x
				case int64:
					path[i] = int(x)
				default:
					rangeErr = fmt.Errorf("%w: planner path element %v (%T) for %s", ErrMetadata, e, e, fqn)
					return false
				}
			}
			m.PlannerData[fqn] = path
			return true
		})
		if rangeErr != nil {
			return rangeErr
		}
	}

	m.StorageData = make(map[storageKey]*StorageInfo)
	if sd, ok := mustGet(d, "storage_data").(*statedict.Dict); ok {
		sd.Range(func(k, v any) bool {
			idx, ok := k.(*MetadataIndex)
			if !ok {
				rangeErr = fmt.Errorf("%w: storage_data key %T", ErrMetadata, k)
				return false
			}
			info, ok := v.(*StorageInfo)
			if !ok {
				rangeErr = fmt.Errorf("%w: storage_data value %T for %s", ErrMetadata, v, idx.FQN)
				return false
			}
			m.StorageData[keyOf(idx.FQN, idx.Offset)] = info
			return true
		})
		if rangeErr != nil {
			return rangeErr
		}
	}

	if sm, ok := mustGet(d, "storage_meta").(*StorageMeta); ok {
		m.StorageMeta = sm
	}
	m.Version = optionalString(d, "version")
	return nil
}

// SortedKeys returns the state_dict_metadata keys in lexical order.
func (m *Metadata) SortedKeys() []string {
	keys := slices.Clone(m.Keys)
	slices.Sort(keys)
	return keys
}
