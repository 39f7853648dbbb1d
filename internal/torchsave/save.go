package torchsave

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/samcharles93/dcpconv/internal/pickle"
	"github.com/samcharles93/dcpconv/internal/statedict"
	"github.com/samcharles93/dcpconv/internal/tensor"
)

const (
	// storageAlign matches torch's kFieldAlignment so storages can be mapped
	// in place.
	storageAlign = 64

	localHeaderLen = 30
	extraHeaderLen = 4
	extraPadID     = 0x4246 // "FB"
)

// SaveFile writes v to p the way torch.save(v, p) does. The archive
// directory is named after the file, without its extension.
func SaveFile(p string, v any) error {
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	if err := save(f, name, v); err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w", p, err)
	}
	return f.Close()
}

// Save writes v as a torch.save archive to w.
func Save(w io.Writer, v any) error {
	return save(w, "archive", v)
}

func save(w io.Writer, name string, v any) error {
	var tensors []*tensor.Tensor
	keys := make(map[*tensor.Tensor]string)

	var pkl bytes.Buffer
	enc := pickle.NewEncoder(&pkl)
	enc.Reduce = func(v any) (any, bool) {
		switch x := v.(type) {
		case *tensor.Tensor:
			key, ok := keys[x]
			if !ok {
				key = strconv.Itoa(len(tensors))
				keys[x] = key
				tensors = append(tensors, x)
			}
			return rebuildCall(x, key), true
		case tensor.DType:
			return statedict.Global{Module: "torch", Name: x.String()}, true
		}
		return nil, false
	}
	if err := enc.Encode(v); err != nil {
		return err
	}

	cw := &countWriter{w: w}
	zw := zip.NewWriter(cw)
	aw := &archiveWriter{zw: zw, cw: cw, prefix: name}

	if err := aw.write("data.pkl", pkl.Bytes()); err != nil {
		return err
	}
	if err := aw.write("byteorder", []byte("little")); err != nil {
		return err
	}
	for i, t := range tensors {
		if err := aw.write("data/"+strconv.Itoa(i), t.Data); err != nil {
			return err
		}
	}
	if err := aw.write("version", []byte("3\n")); err != nil {
		return err
	}
	if err := aw.write(".data/serialization_id", serializationID()); err != nil {
		return err
	}
	return zw.Close()
}

// rebuildCall expresses t as
// torch._utils._rebuild_tensor_v2(storage, 0, size, stride, requires_grad, OrderedDict()).
func rebuildCall(t *tensor.Tensor, key string) *statedict.Object {
	storageType := statedict.Global{Module: "torch", Name: t.DType.StorageClass()}
	pid := pickle.Persistent{ID: statedict.Tuple{"storage", storageType, key, "cpu", t.NumElements()}}

	size := make(statedict.Tuple, len(t.Shape))
	for i, d := range t.Shape {
		size[i] = d
	}
	strides := t.Strides()
	stride := make(statedict.Tuple, len(strides))
	for i, s := range strides {
		stride[i] = s
	}

	return &statedict.Object{
		Class: statedict.Global{Module: "torch._utils", Name: "_rebuild_tensor_v2"},
		Args:  statedict.Tuple{pid, 0, size, stride, t.RequiresGrad, statedict.NewOrderedDict()},
	}
}

// serializationID mirrors torch's record: two random 64-bit values printed
// as zero-padded decimals.
func serializationID() []byte {
	id := uuid.New()
	hi := binary.BigEndian.Uint64(id[:8])
	lo := binary.BigEndian.Uint64(id[8:])
	return []byte(fmt.Sprintf("%020d%020d", hi, lo))
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// archiveWriter stores every record uncompressed, padding the local header
// with an extra field so the payload starts on a storageAlign boundary.
type archiveWriter struct {
	zw     *zip.Writer
	cw     *countWriter
	prefix string
}

func (a *archiveWriter) write(name string, data []byte) error {
	full := a.prefix + "/" + name
	if err := a.zw.Flush(); err != nil {
		return err
	}

	start := a.cw.n + localHeaderLen + int64(len(full)) + extraHeaderLen
	pad := (storageAlign - start%storageAlign) % storageAlign
	extra := make([]byte, extraHeaderLen+pad)
	binary.LittleEndian.PutUint16(extra[0:], extraPadID)
	binary.LittleEndian.PutUint16(extra[2:], uint16(pad))
	for i := extraHeaderLen; i < len(extra); i++ {
		extra[i] = 'Z'
	}

	fw, err := a.zw.CreateRaw(&zip.FileHeader{
		Name:               full,
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(data),
		CompressedSize64:   uint64(len(data)),
		UncompressedSize64: uint64(len(data)),
		Extra:              extra,
	})
	if err != nil {
		return fmt.Errorf("torchsave: record %s: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("torchsave: record %s: %w", name, err)
	}
	return nil
}
