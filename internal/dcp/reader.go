package dcp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// StorageReader returns the byte range of one stored item.
type StorageReader interface {
	Section(relPath string, offset, length int64) (*io.SectionReader, error)
}

// FileSystemReader serves sections of the shard files in a checkpoint
// directory. Each shard is opened once and memory mapped where the platform
// allows it; otherwise sections read through the open file.
type FileSystemReader struct {
	dir    string
	shards map[string]*shard
}

type shard struct {
	f      *os.File
	data   []byte
	size   int64
	mapped bool
}

func NewFileSystemReader(dir string) *FileSystemReader {
	return &FileSystemReader{dir: dir, shards: make(map[string]*shard)}
}

func (r *FileSystemReader) Section(relPath string, offset, length int64) (*io.SectionReader, error) {
	s, err := r.open(relPath)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > s.size {
		return nil, fmt.Errorf("dcp: range [%d, %d) outside %s (%d bytes)", offset, offset+length, relPath, s.size)
	}
	if s.data != nil {
		return io.NewSectionReader(bytesReaderAt(s.data), offset, length), nil
	}
	return io.NewSectionReader(s.f, offset, length), nil
}

func (r *FileSystemReader) open(relPath string) (*shard, error) {
	if s, ok := r.shards[relPath]; ok {
		return s, nil
	}
	if !filepath.IsLocal(relPath) {
		return nil, fmt.Errorf("dcp: shard path %q escapes the checkpoint", relPath)
	}

	f, err := os.Open(filepath.Join(r.dir, relPath))
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	s := &shard{f: f, size: st.Size()}
	if data, err := mmapFile(f, s.size); err == nil {
		s.data = data
		s.mapped = true
	}
	r.shards[relPath] = s
	return s, nil
}

// Close unmaps and closes every shard opened so far.
func (r *FileSystemReader) Close() error {
	var errs []error
	for name, s := range r.shards {
		if s.mapped {
			if err := munmap(s.data); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		if err := s.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(r.shards, name)
	}
	return errors.Join(errs...)
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("dcp: negative offset %d", off)
	}
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
