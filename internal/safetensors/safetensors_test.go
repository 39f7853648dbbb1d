package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/dcpconv/internal/statedict"
	"github.com/samcharles93/dcpconv/internal/tensor"
)

func f32(t *testing.T, shape []int, vals ...float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.Empty(tensor.Float32, shape)
	if err != nil {
		t.Fatalf("empty: %v", err)
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(x.Data[i*4:], math.Float32bits(v))
	}
	return x
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()

	w := f32(t, []int{2, 3}, 1, 2, 3, 4, 5, 6)
	b, err := w.Cast(tensor.BFloat16)
	if err != nil {
		t.Fatalf("cast: %v", err)
	}
	d := statedict.NewDict()
	d.Set("lm_head.weight", w)
	d.Set("embed.weight", b)

	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := WriteFile(path, d, map[string]string{"format": "pt"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if f.DataStart%8 != 0 {
		t.Fatalf("data starts at %d, want 8-byte alignment", f.DataStart)
	}
	if diff := cmp.Diff(map[string]string{"format": "pt"}, f.Metadata); diff != "" {
		t.Fatalf("metadata (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"lm_head.weight", "embed.weight"}, f.Names); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}

	info, ok := f.Tensor("embed.weight")
	if !ok || info.DType != tensor.BFloat16 || info.Start != 24 || info.End != 36 {
		t.Fatalf("embed.weight info: %+v", info)
	}
	for name, want := range map[string]*tensor.Tensor{"lm_head.weight": w, "embed.weight": b} {
		got, err := f.ReadTensor(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%s: got %v, want %v", name, got, want)
		}
	}
}

func TestWriteScalar(t *testing.T) {
	t.Parallel()

	d := statedict.NewDict()
	d.Set("scale", f32(t, nil, 0.5))
	var buf bytes.Buffer
	if err := Write(&buf, d, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(buf.String(), `"shape":[]`) {
		t.Fatalf("scalar should have an empty shape: %q", buf.String())
	}
	if strings.Contains(buf.String(), "__metadata__") {
		t.Fatalf("no metadata expected: %q", buf.String())
	}
}

func TestWriteRejectsNonTensors(t *testing.T) {
	t.Parallel()

	d := statedict.NewDict()
	d.Set("step", 3)
	if err := Write(&bytes.Buffer{}, d, nil); err == nil || !strings.Contains(err.Error(), "step") {
		t.Fatalf("expected an error naming the entry, got %v", err)
	}

	d = statedict.NewDict()
	d.Set(statedict.Tuple{"a", 1}, f32(t, []int{1}, 1))
	if err := Write(&bytes.Buffer{}, d, nil); err == nil {
		t.Fatal("expected an error for a non-string key")
	}
}

func TestDTypeName(t *testing.T) {
	t.Parallel()

	for d, want := range map[tensor.DType]string{tensor.Float16: "F16", tensor.BFloat16: "BF16", tensor.Bool: "BOOL"} {
		got, err := DTypeName(d)
		if err != nil || got != want {
			t.Errorf("DTypeName(%s) = %q, %v", d, got, err)
		}
	}
	if _, err := DTypeName(tensor.Complex128); err == nil {
		t.Error("complex128 has no safetensors encoding")
	}
}

func TestOpenRejectsBadHeaders(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"bad offsets": `{"w":{"dtype":"F32","shape":[1],"data_offsets":[4,0]}}`,
		"bad dtype":   `{"w":{"dtype":"F8","shape":[1],"data_offsets":[0,1]}}`,
		"not json":    `{"w":`,
	}
	for name, header := range cases {
		path := filepath.Join(t.TempDir(), "x.safetensors")
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(header)))
		if err := os.WriteFile(path, append(lenBuf[:], header...), 0o644); err != nil {
			t.Fatalf("%s: write: %v", name, err)
		}
		if _, err := Open(path); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestReadTensorSizeMismatch(t *testing.T) {
	t.Parallel()

	header := `{"w":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`
	path := filepath.Join(t.TempDir(), "x.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(header)))
	data := append(append(lenBuf[:], header...), 0, 0, 0, 0)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.ReadTensor("w"); err == nil {
		t.Fatal("expected a size error")
	}
	if _, err := f.ReadTensor("missing"); err == nil {
		t.Fatal("expected a not found error")
	}
}
