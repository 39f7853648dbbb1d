package safetensors

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/dcpconv/internal/statedict"
	"github.com/samcharles93/dcpconv/internal/tensor"
)

// maxHeader bounds the JSON header read by Open.
const maxHeader = 100 << 20

var dtypeNames = map[tensor.DType]string{
	tensor.Float64:   "F64",
	tensor.Float32:   "F32",
	tensor.Float16:   "F16",
	tensor.BFloat16:  "BF16",
	tensor.Int64:     "I64",
	tensor.Int32:     "I32",
	tensor.Int16:     "I16",
	tensor.Int8:      "I8",
	tensor.Uint8:     "U8",
	tensor.Bool:      "BOOL",
	tensor.Complex64: "C64",
}

// DTypeName returns the safetensors spelling of d.
func DTypeName(d tensor.DType) (string, error) {
	if n, ok := dtypeNames[d]; ok {
		return n, nil
	}
	return "", fmt.Errorf("safetensors: dtype %s has no safetensors encoding", d)
}

func parseDType(name string) (tensor.DType, error) {
	for d, n := range dtypeNames {
		if n == name {
			return d, nil
		}
	}
	return tensor.Invalid, fmt.Errorf("safetensors: unknown dtype %q", name)
}

type TensorInfo struct {
	DType tensor.DType
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Metadata  map[string]string
	// Names lists tensors in data order.
	Names   []string
	Tensors map[string]TensorInfo
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Write stores every entry of tensors, in order, as one safetensors blob.
// Keys must be strings and values *tensor.Tensor.
func Write(w io.Writer, tensors *statedict.Dict, metadata map[string]string) error {
	header := make(map[string]any, tensors.Len()+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var (
		order []*tensor.Tensor
		off   int64
	)
	for _, k := range tensors.Keys() {
		name, ok := k.(string)
		if !ok {
			return fmt.Errorf("safetensors: key %v (%T) is not a string", k, k)
		}
		v, _ := tensors.Get(k)
		t, ok := v.(*tensor.Tensor)
		if !ok {
			return fmt.Errorf("safetensors: %s is %T, not a tensor", name, v)
		}
		dt, err := DTypeName(t.DType)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		end := off + int64(len(t.Data))
		header[name] = tensorHeader{DType: dt, Shape: shapeOf(t), DataOffsets: []int64{off, end}}
		order = append(order, t)
		off = end
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Data must start 8-byte aligned; the header is padded with spaces.
	if pad := len(hb) % 8; pad != 0 {
		hb = append(hb, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	bw := bufio.NewWriter(w)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	for _, t := range order {
		if _, err := bw.Write(t.Data); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes tensors to path with Write.
func WriteFile(path string, tensors *statedict.Dict, metadata map[string]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Write(f, tensors, metadata)
}

func shapeOf(t *tensor.Tensor) []int {
	if t.Shape == nil {
		return []int{}
	}
	return t.Shape
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	if headerLen > maxHeader {
		return nil, fmt.Errorf("safetensors: header of %d bytes is too large", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, err
	}

	out := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &out.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		dt, err := parseDType(th.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		out.Tensors[name] = TensorInfo{
			DType: dt,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
		out.Names = append(out.Names, name)
	}
	slices.SortFunc(out.Names, func(a, b string) int {
		if c := cmp.Compare(out.Tensors[a].Start, out.Tensors[b].Start); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return out, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor loads one tensor and checks its size against dtype and shape.
func (f *File) ReadTensor(name string) (*tensor.Tensor, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	t, err := tensor.Empty(info.DType, info.Shape)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	if int64(len(t.Data)) != info.End-info.Start {
		return nil, fmt.Errorf("tensor %s: %d bytes stored for %d expected", name, info.End-info.Start, len(t.Data))
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(t.Data, f.DataStart+info.Start); err != nil {
		return nil, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return t, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
