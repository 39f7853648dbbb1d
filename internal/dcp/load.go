package dcp

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/samcharles93/dcpconv/internal/logger"
	"github.com/samcharles93/dcpconv/internal/statedict"
	"github.com/samcharles93/dcpconv/internal/tensor"
	"github.com/samcharles93/dcpconv/internal/torchsave"
)

// Load reads a whole checkpoint directory into a new state mapping.
func Load(ctx context.Context, dir string) (*statedict.Dict, error) {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	meta, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debug("read checkpoint metadata",
		"dir", dir, "entries", len(meta.Keys), "version", meta.Version)

	sd := statedict.NewDict()
	if err := Allocate(sd, meta); err != nil {
		return nil, err
	}

	r := NewFileSystemReader(dir)
	if err := Fill(ctx, sd, meta, r); err != nil {
		_ = r.Close()
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return sd, nil
}

// Allocate places an empty value for every saved item into sd: a zeroed
// tensor of the recorded shape and dtype, or the *BytesStorageMetadata
// itself for bytes items. Items go to their planner path when one exists.
// sd must be empty.
func Allocate(sd *statedict.Dict, meta *Metadata) error {
	if sd.Len() != 0 {
		panic("dcp: Allocate needs an empty state mapping")
	}
	for _, fqn := range meta.Keys {
		var v any
		switch md := meta.StateDict[fqn].(type) {
		case *TensorStorageMetadata:
			t, err := tensor.Empty(md.Properties.DType, md.Size)
			if err != nil {
				return fmt.Errorf("dcp: allocate %s: %w", fqn, err)
			}
			t.RequiresGrad = md.Properties.RequiresGrad
			v = t
		case *BytesStorageMetadata:
			v = md
		default:
			return fmt.Errorf("%w: %s has metadata %T", ErrMetadata, fqn, md)
		}
		if err := statedict.SetElement(sd, meta.Path(fqn), v); err != nil {
			return fmt.Errorf("dcp: place %s: %w", fqn, err)
		}
	}
	return nil
}

// Fill reads every stored item through r into the values Allocate placed.
// Tensor chunks are copied into their region of the full tensor; bytes items
// are decoded and replace their placeholder.
func Fill(ctx context.Context, sd *statedict.Dict, meta *Metadata, r StorageReader) error {
	log := logger.FromContext(ctx)
	for _, fqn := range meta.Keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := meta.Path(fqn)

		switch md := meta.StateDict[fqn].(type) {
		case *TensorStorageMetadata:
			v, ok := statedict.Lookup(sd, path)
			target, isTensor := v.(*tensor.Tensor)
			if !ok || !isTensor {
				return fmt.Errorf("dcp: %s: no tensor allocated at %s", fqn, path)
			}
			for _, chunk := range md.Chunks {
				if err := fillChunk(meta, r, fqn, target, chunk); err != nil {
					return err
				}
			}
			log.Debug("loaded tensor", "key", fqn, "dtype", target.DType, "shape", target.Shape, "chunks", len(md.Chunks))

		case *BytesStorageMetadata:
			obj, err := readItem(meta, r, fqn, nil)
			if err != nil {
				return err
			}
			if err := statedict.SetElement(sd, path, obj); err != nil {
				return fmt.Errorf("dcp: place %s: %w", fqn, err)
			}
			log.Debug("loaded object", "key", fqn)
		}
	}
	return nil
}

func fillChunk(meta *Metadata, r StorageReader, fqn string, target *tensor.Tensor, chunk ChunkStorageMetadata) error {
	v, err := readItem(meta, r, fqn, chunk.Offsets)
	if err != nil {
		return err
	}
	src, ok := v.(*tensor.Tensor)
	if !ok {
		return fmt.Errorf("%w: %s at %v holds %T, not a tensor", ErrShapeMismatch, fqn, chunk.Offsets, v)
	}
	if !slices.Equal(src.Shape, chunk.Sizes) {
		return fmt.Errorf("%w: %s at %v has shape %v, metadata says %v",
			ErrShapeMismatch, fqn, chunk.Offsets, src.Shape, chunk.Sizes)
	}
	if err := target.CopyRegion(src, chunk.Offsets); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrShapeMismatch, fqn, err)
	}
	return nil
}

func readItem(meta *Metadata, r StorageReader, fqn string, offset []int) (any, error) {
	info, err := meta.Storage(fqn, offset)
	if err != nil {
		return nil, err
	}
	if len(info.TransformDescriptors) > 0 {
		return nil, fmt.Errorf("dcp: %s: unsupported storage transforms %v", fqn, info.TransformDescriptors)
	}
	sec, err := r.Section(info.RelativePath, info.Offset, info.Length)
	if err != nil {
		return nil, fmt.Errorf("dcp: %s: %w", fqn, err)
	}
	v, err := torchsave.Load(sec, sec.Size())
	if err != nil {
		return nil, fmt.Errorf("dcp: %s in %s: %w", fqn, info.RelativePath, err)
	}
	return v, nil
}
