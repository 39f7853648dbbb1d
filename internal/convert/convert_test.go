package convert

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/dcpconv/internal/dcp/dcptest"
	"github.com/samcharles93/dcpconv/internal/hub"
	"github.com/samcharles93/dcpconv/internal/safetensors"
	"github.com/samcharles93/dcpconv/internal/statedict"
	"github.com/samcharles93/dcpconv/internal/tensor"
	"github.com/samcharles93/dcpconv/internal/torchsave"
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

func path(parts ...any) statedict.Path { return statedict.Path(parts) }

// under returns a fresh path of prefix followed by parts.
func under(prefix []any, parts ...any) statedict.Path {
	p := make(statedict.Path, 0, len(prefix)+len(parts))
	p = append(p, prefix...)
	return append(p, parts...)
}

// composerItems is a flattened Composer state for a tiny Hugging Face model.
func composerItems(t *testing.T, withTokenizer bool) []dcptest.Item {
	t.Helper()
	hf := []any{"state", "integrations", "huggingface"}
	cfg := under(hf, "model", "config", "content")

	items := []dcptest.Item{
		{
			Key:    "state.model.model.w1",
			Path:   path("state", "model", "model.w1"),
			Tensor: f32(t, []int{2, 2}, 1, 2, 3, 4),
			Chunks: []dcptest.Chunk{
				{Offsets: []int{0, 0}, Sizes: []int{1, 2}},
				{Offsets: []int{1, 0}, Sizes: []int{1, 2}},
			},
		},
		{Key: "state.model.w2", Path: path("state", "model", "w2"), Tensor: f32(t, []int{1}, 0.5)},
		{Key: "state.timestamp", Path: path("state", "timestamp"), Object: "1ep"},
		{Key: "cfg.model_type", Path: under(cfg, "model_type"), Object: "gpt2"},
		{Key: "cfg.n_layer", Path: under(cfg, "n_layer"), Object: 2},
		{Key: "cfg.init_device", Path: under(cfg, "init_device"), Object: "meta"},
	}
	if withTokenizer {
		tok := statedict.NewDict()
		tok.Set("file_extension", ".txt")
		tok.Set("content", statedict.NewList("a b", "c d"))
		items = append(items, dcptest.Item{
			Key:    "tok.merges",
			Path:   under(hf, "tokenizer", "merges"),
			Object: tok,
		})
	}
	return items
}

func writeCheckpoint(t *testing.T, items ...dcptest.Item) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "dcp")
	if err := dcptest.Write(dir, items...); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	return dir
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Kind{"hf": KindHF, "PT": KindPT, " hf ": KindHF} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseKind("safetensors"); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestRunRejectsUnknownKindBeforeIO(t *testing.T) {
	t.Parallel()

	dst := filepath.Join(t.TempDir(), "out")
	err := Run(context.Background(), Options{
		Src:  filepath.Join(t.TempDir(), "does-not-exist"),
		Dst:  dst,
		Kind: Kind("gguf"),
	})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "gguf") {
		t.Fatalf("error should name the bad type: %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("nothing should be written: %v", err)
	}
}

func TestRunRejectsMissingSource(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "nope")
	err := Run(context.Background(), Options{Src: src, Dst: filepath.Join(t.TempDir(), "out"), Kind: KindPT})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "source DCP "+src+" does not exist") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestRunRejectsUnsupportedDType(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), Options{Src: "a", Dst: "b", Kind: KindHF, DType: tensor.Int8})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestRunHubWithoutStateWritesNothing(t *testing.T) {
	t.Parallel()

	src := writeCheckpoint(t, dcptest.Item{Key: "model.w", Tensor: f32(t, []int{1}, 1)})
	dst := filepath.Join(t.TempDir(), "hf")
	var out bytes.Buffer
	err := Run(context.Background(), Options{Src: src, Dst: dst, Kind: KindHF, Stdout: &out})
	if !errors.Is(err, ErrStructure) {
		t.Fatalf("expected ErrStructure, got %v", err)
	}
	if !strings.Contains(err.Error(), src) {
		t.Fatalf("error should name the source: %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("destination should not exist: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("no banners expected, got %q", out.String())
	}
}

func TestRunPTRoundTrip(t *testing.T) {
	t.Parallel()

	src := writeCheckpoint(t, composerItems(t, false)...)
	dst := filepath.Join(t.TempDir(), "consolidated.pt")
	if err := Run(context.Background(), Options{Src: src, Dst: dst, Kind: KindPT, Stdout: &bytes.Buffer{}}); err != nil {
		t.Fatalf("run: %v", err)
	}

	v, err := torchsave.LoadFile(dst)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sd := v.(*statedict.Dict)
	model, err := statedict.LookupDict(sd, "state", "model")
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	if diff := cmp.Diff([]any{"model.w1", "w2"}, model.Keys()); diff != "" {
		t.Fatalf("model keys (-want +got):\n%s", diff)
	}
	w1, _ := model.Get("model.w1")
	if !w1.(*tensor.Tensor).Equal(f32(t, []int{2, 2}, 1, 2, 3, 4)) {
		t.Fatalf("w1: %v", w1)
	}
	if ts, _ := statedict.Lookup(sd, path("state", "timestamp")); ts != "1ep" {
		t.Fatalf("timestamp: %v", ts)
	}
}

func TestRunHub(t *testing.T) {
	t.Parallel()

	src := writeCheckpoint(t, composerItems(t, true)...)
	dst := filepath.Join(t.TempDir(), "hf")
	var out bytes.Buffer
	if err := Run(context.Background(), Options{Src: src, Dst: dst, Kind: KindHF, Stdout: &out}); err != nil {
		t.Fatalf("run: %v", err)
	}

	cfg, err := os.ReadFile(filepath.Join(dst, hub.ConfigFile))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	wantCfg := "{\n  \"init_device\": \"cpu\",\n  \"model_type\": \"gpt2\",\n  \"n_layer\": 2,\n  \"torch_dtype\": \"float16\"\n}\n"
	if diff := cmp.Diff(wantCfg, string(cfg)); diff != "" {
		t.Fatalf("config.json (-want +got):\n%s", diff)
	}

	merges, err := os.ReadFile(filepath.Join(dst, "merges.txt"))
	if err != nil {
		t.Fatalf("merges: %v", err)
	}
	if string(merges) != "a b\nc d\n" {
		t.Fatalf("merges.txt = %q", merges)
	}

	v, err := torchsave.LoadFile(filepath.Join(dst, hub.WeightsFile))
	if err != nil {
		t.Fatalf("weights: %v", err)
	}
	weights := v.(*statedict.Dict)
	if diff := cmp.Diff([]any{"w2", "w1"}, weights.Keys()); diff != "" {
		t.Fatalf("weight keys (-want +got):\n%s", diff)
	}
	for _, k := range weights.Keys() {
		x, _ := weights.Get(k)
		if x.(*tensor.Tensor).DType != tensor.Float16 {
			t.Fatalf("%v stored as %s", k, x.(*tensor.Tensor).DType)
		}
	}

	stdout := out.String()
	for _, want := range []string{
		strings.Repeat("#", 30) + "\nSaving HF Model Config...",
		"Saving HF Tokenizer...",
		"Saving HF Model Weights...",
		"HF checkpoint folder successfully created at " + dst + ".",
	} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestRunHubWithoutTokenizer(t *testing.T) {
	t.Parallel()

	src := writeCheckpoint(t, composerItems(t, false)...)
	dst := filepath.Join(t.TempDir(), "hf")
	var out bytes.Buffer
	if err := Run(context.Background(), Options{Src: src, Dst: dst, Kind: KindHF, Stdout: &out}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Warning! No HF Tokenizer found!") {
		t.Fatalf("expected tokenizer warning:\n%s", out.String())
	}

	entries, err := os.ReadDir(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if diff := cmp.Diff([]string{hub.ConfigFile, hub.WeightsFile}, names); diff != "" {
		t.Fatalf("files (-want +got):\n%s", diff)
	}
}

func TestRunHubSafeTensorsBFloat16(t *testing.T) {
	t.Parallel()

	src := writeCheckpoint(t, composerItems(t, false)...)
	dst := filepath.Join(t.TempDir(), "hf")
	opts := Options{Src: src, Dst: dst, Kind: KindHF, DType: tensor.BFloat16, SafeTensors: true, Stdout: &bytes.Buffer{}}
	if err := Run(context.Background(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, hub.WeightsFile)); !os.IsNotExist(err) {
		t.Fatalf("pytorch_model.bin should not be written: %v", err)
	}

	f, err := safetensors.Open(filepath.Join(dst, hub.SafeTensorsFile))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if diff := cmp.Diff([]string{"w2", "w1"}, f.Names); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	w1, err := f.ReadTensor("w1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want, err := f32(t, []int{2, 2}, 1, 2, 3, 4).Cast(tensor.BFloat16)
	if err != nil {
		t.Fatalf("cast: %v", err)
	}
	if !w1.Equal(want) {
		t.Fatalf("w1 = %v", w1)
	}

	cfg, err := os.ReadFile(filepath.Join(dst, hub.ConfigFile))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(string(cfg), `"torch_dtype": "bfloat16"`) {
		t.Fatalf("config.json: %s", cfg)
	}
}

func TestRunHubKeepsCauseInChain(t *testing.T) {
	t.Parallel()

	cfg := under([]any{"state", "integrations", "huggingface"}, "model", "config", "content", "model_type")
	for name, tc := range map[string]struct {
		items []dcptest.Item
		cause error
	}{
		"no config": {
			items: []dcptest.Item{{Key: "state.model.w", Path: path("state", "model", "w"), Tensor: f32(t, []int{1}, 1)}},
			cause: hub.ErrNoConfig,
		},
		"no weights": {
			items: []dcptest.Item{{Key: "cfg.model_type", Path: cfg, Object: "gpt2"}},
			cause: hub.ErrNoWeights,
		},
	} {
		src := writeCheckpoint(t, tc.items...)
		err := Run(context.Background(), Options{Src: src, Dst: filepath.Join(t.TempDir(), "hf"), Kind: KindHF, Stdout: &bytes.Buffer{}})
		if !errors.Is(err, ErrStructure) || !errors.Is(err, tc.cause) {
			t.Fatalf("%s: expected ErrStructure wrapping %v, got %v", name, tc.cause, err)
		}
	}
}

func TestTensorStats(t *testing.T) {
	t.Parallel()

	sd := statedict.NewDict()
	for _, it := range composerItems(t, false) {
		v := it.Object
		if it.Tensor != nil {
			v = it.Tensor
		}
		if err := statedict.SetElement(sd, it.Path, v); err != nil {
			t.Fatalf("set %s: %v", it.Key, err)
		}
	}
	n, size := tensorStats(sd)
	if n != 2 || size != 5*4 {
		t.Fatalf("tensorStats = %d tensors, %d bytes", n, size)
	}
}

// torchCheckpoint was written in torch's on-disk layout; see
// internal/dcp/testdata/gen.py.
const torchCheckpoint = "../dcp/testdata/checkpoint"

func TestRunTorchCheckpointPT(t *testing.T) {
	t.Parallel()

	dst := filepath.Join(t.TempDir(), "consolidated.pt")
	if err := Run(context.Background(), Options{Src: torchCheckpoint, Dst: dst, Kind: KindPT, Stdout: &bytes.Buffer{}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	v, err := torchsave.LoadFile(dst)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sd := v.(*statedict.Dict)
	model, err := statedict.LookupDict(sd, "state", "model")
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	if diff := cmp.Diff([]any{"model.w1", "model.b", "model.scale"}, model.Keys()); diff != "" {
		t.Fatalf("model keys (-want +got):\n%s", diff)
	}
	w1, _ := model.Get("model.w1")
	if !w1.(*tensor.Tensor).Equal(f32(t, []int{2, 3}, 0, 1, 2, 3, 4, 5)) {
		t.Fatalf("w1: %v", w1)
	}
	if name, _ := statedict.Lookup(sd, path("state", "run_name")); name != "demo-run" {
		t.Fatalf("run_name: %v", name)
	}
}

func TestRunTorchCheckpointHub(t *testing.T) {
	t.Parallel()

	dst := filepath.Join(t.TempDir(), "hf")
	if err := Run(context.Background(), Options{Src: torchCheckpoint, Dst: dst, Kind: KindHF, Stdout: &bytes.Buffer{}}); err != nil {
		t.Fatalf("run: %v", err)
	}

	cfg, err := os.ReadFile(filepath.Join(dst, hub.ConfigFile))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	for _, want := range []string{`"model_type": "gpt2"`, `"init_device": "cpu"`, `"torch_dtype": "float16"`, `"GPT2LMHeadModel"`} {
		if !strings.Contains(string(cfg), want) {
			t.Fatalf("config.json missing %s:\n%s", want, cfg)
		}
	}
	merges, err := os.ReadFile(filepath.Join(dst, "merges.txt"))
	if err != nil {
		t.Fatalf("merges: %v", err)
	}
	if string(merges) != "a b\nc d\n" {
		t.Fatalf("merges.txt = %q", merges)
	}

	v, err := torchsave.LoadFile(filepath.Join(dst, hub.WeightsFile))
	if err != nil {
		t.Fatalf("weights: %v", err)
	}
	weights := v.(*statedict.Dict)
	if diff := cmp.Diff([]any{"w1", "b", "scale"}, weights.Keys()); diff != "" {
		t.Fatalf("weight keys (-want +got):\n%s", diff)
	}
	scale, _ := weights.Get("scale")
	want, err := f32(t, []int{2}, 1, -2).Cast(tensor.Float16)
	if err != nil {
		t.Fatalf("cast: %v", err)
	}
	if !scale.(*tensor.Tensor).Equal(want) {
		t.Fatalf("scale = %v", scale)
	}
}
