// Package dcptest writes small distributed checkpoints for tests, laid out
// the way torch.distributed.checkpoint.FileSystemWriter does.
package dcptest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samcharles93/dcpconv/internal/pickle"
	"github.com/samcharles93/dcpconv/internal/statedict"
	"github.com/samcharles93/dcpconv/internal/tensor"
	"github.com/samcharles93/dcpconv/internal/torchsave"
)

const (
	metadataModule   = "torch.distributed.checkpoint.metadata"
	filesystemModule = "torch.distributed.checkpoint.filesystem"
)

// Item is one entry of state_dict_metadata.
type Item struct {
	Key string
	// Path is the planner path. Empty stores the item under Key at the top level.
	Path statedict.Path
	// Tensor is the full tensor. Nil makes this a bytes item holding Object.
	Tensor *tensor.Tensor
	// Chunks splits Tensor across shard files; nil writes one chunk.
	Chunks []Chunk
	Object any
}

type Chunk struct {
	Offsets []int
	Sizes   []int
	// Stored overrides the dtype the chunk is saved with.
	Stored tensor.DType
}

type shardFile struct {
	name string
	buf  bytes.Buffer
}

// Write creates dir/.metadata and the shard files for items. Chunk i of a
// tensor goes to __i_0.distcp; bytes items go to __0_0.distcp.
func Write(dir string, items ...Item) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var shards []*shardFile
	shardFor := func(i int) *shardFile {
		for len(shards) <= i {
			shards = append(shards, &shardFile{name: fmt.Sprintf("__%d_0.distcp", len(shards))})
		}
		return shards[i]
	}
	store := func(i int, v any) (*statedict.Object, error) {
		s := shardFor(i)
		off := s.buf.Len()
		if err := torchsave.Save(&s.buf, v); err != nil {
			return nil, err
		}
		return dataclass(filesystemModule, "_StorageInfo",
			"relative_path", s.name,
			"offset", off,
			"length", s.buf.Len()-off,
		), nil
	}

	sdm := statedict.NewDict()
	planner := statedict.NewDict()
	storage := statedict.NewDict()

	for _, it := range items {
		if len(it.Path) > 0 {
			planner.Set(it.Key, statedict.Tuple(it.Path))
		}

		if it.Tensor == nil {
			sdm.Set(it.Key, &statedict.Object{
				Class:  statedict.Global{Module: metadataModule, Name: "BytesStorageMetadata"},
				Args:   statedict.Tuple{},
				NewObj: true,
			})
			info, err := store(0, it.Object)
			if err != nil {
				return fmt.Errorf("%s: %w", it.Key, err)
			}
			storage.Set(index(it.Key, nil), info)
			continue
		}

		chunks := it.Chunks
		if chunks == nil {
			chunks = []Chunk{{Offsets: make([]int, len(it.Tensor.Shape)), Sizes: it.Tensor.Shape}}
		}
		chunkMeta := statedict.NewList()
		for i, c := range chunks {
			part, err := Narrow(it.Tensor, c.Offsets, c.Sizes)
			if err != nil {
				return fmt.Errorf("%s: %w", it.Key, err)
			}
			if c.Stored != tensor.Invalid && c.Stored != part.DType {
				if part, err = part.Cast(c.Stored); err != nil {
					return fmt.Errorf("%s: %w", it.Key, err)
				}
			}
			info, err := store(i, part)
			if err != nil {
				return fmt.Errorf("%s: %w", it.Key, err)
			}
			storage.Set(index(it.Key, c.Offsets), info)
			chunkMeta.Append(dataclass(metadataModule, "ChunkStorageMetadata",
				"offsets", size(c.Offsets),
				"sizes", size(c.Sizes),
			))
		}
		sdm.Set(it.Key, dataclass(metadataModule, "TensorStorageMetadata",
			"properties", properties(it.Tensor),
			"size", size(it.Tensor.Shape),
			"chunks", chunkMeta,
		))
	}

	meta := dataclass(metadataModule, "Metadata",
		"state_dict_metadata", sdm,
		"planner_data", planner,
		"storage_data", storage,
		"storage_meta", nil,
		"version", "1.0.0",
	)
	var buf bytes.Buffer
	if err := pickle.NewEncoder(&buf).Encode(meta); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ".metadata"), buf.Bytes(), 0o644); err != nil {
		return err
	}
	for _, s := range shards {
		if err := os.WriteFile(filepath.Join(dir, s.name), s.buf.Bytes(), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Narrow copies the region of full at offsets with the given sizes.
func Narrow(full *tensor.Tensor, offsets, sizes []int) (*tensor.Tensor, error) {
	strides := full.Strides()
	off := 0
	for i, o := range offsets {
		off += o * strides[i]
	}
	return tensor.FromStorage(full.DType, full.Data, off, sizes, strides)
}

// dataclass pickles like a Python dataclass: cls.__new__(cls) then BUILD
// with the instance dict.
func dataclass(module, name string, kv ...any) *statedict.Object {
	st := statedict.NewDict()
	for i := 0; i+1 < len(kv); i += 2 {
		st.Set(kv[i], kv[i+1])
	}
	return &statedict.Object{
		Class:    statedict.Global{Module: module, Name: name},
		Args:     statedict.Tuple{},
		NewObj:   true,
		State:    st,
		HasState: true,
	}
}

func size(dims []int) *statedict.Object {
	t := make(statedict.Tuple, len(dims))
	for i, d := range dims {
		t[i] = d
	}
	return &statedict.Object{
		Class: statedict.Global{Module: "torch", Name: "Size"},
		Args:  statedict.Tuple{t},
	}
}

func index(fqn string, offsets []int) *statedict.Object {
	var off any
	if offsets != nil {
		off = size(offsets)
	}
	return dataclass(metadataModule, "MetadataIndex", "fqn", fqn, "offset", off, "index", nil)
}

// properties mirrors TensorProperties.__getstate__.
func properties(t *tensor.Tensor) *statedict.Object {
	memFormat := &statedict.Object{
		Class: statedict.Global{Module: metadataModule, Name: "_MEM_FORMAT_ENCODING"},
		Args:  statedict.Tuple{0},
	}
	return &statedict.Object{
		Class:  statedict.Global{Module: metadataModule, Name: "TensorProperties"},
		Args:   statedict.Tuple{},
		NewObj: true,
		State: statedict.Tuple{
			statedict.Global{Module: "torch", Name: t.DType.String()},
			statedict.Global{Module: "torch", Name: "strided"},
			t.RequiresGrad,
			memFormat,
			false,
		},
		HasState: true,
	}
}
