// Package hub derives a Hugging Face model directory from a Composer
// training state: config.json, tokenizer files and pytorch_model.bin.
package hub

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"

	"github.com/samcharles93/dcpconv/internal/statedict"
	"github.com/samcharles93/dcpconv/internal/tensor"
)

const (
	ConfigFile      = "config.json"
	WeightsFile     = "pytorch_model.bin"
	SafeTensorsFile = "model.safetensors"
)

var (
	ErrNoConfig  = errors.New("hub: checkpoint carries no Hugging Face model config")
	ErrNoWeights = errors.New("hub: checkpoint carries no model weights")
)

// configPath is where Composer's HuggingFaceModel stores its config.
var configPath = []string{"state", "integrations", "huggingface", "model", "config", "content"}

// ConfigFromState returns a copy of the stored model config with
// init_device forced to "cpu" (when present) and torch_dtype set to dtype.
func ConfigFromState(sd *statedict.Dict, dtype tensor.DType) (*statedict.Dict, error) {
	content, err := statedict.LookupDict(sd, configPath...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoConfig, err)
	}
	if mt, ok := content.Get("model_type"); !ok || mt == "" || mt == nil {
		return nil, fmt.Errorf("%w: config has no model_type", ErrNoConfig)
	}

	cfg := statedict.NewDict()
	content.Range(func(k, v any) bool {
		cfg.Set(k, v)
		return true
	})
	if _, ok := cfg.Get("init_device"); ok {
		cfg.Set("init_device", "cpu")
	}
	cfg.Set("torch_dtype", dtype.String())
	return cfg, nil
}

// MarshalConfig renders cfg the way transformers writes config.json: keys
// sorted at every level, two-space indent, trailing newline.
func MarshalConfig(cfg *statedict.Dict) ([]byte, error) {
	plain, err := plainJSON(cfg)
	if err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(plain, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// WriteConfig writes dir/config.json, creating dir if needed, and returns
// the bytes written.
func WriteConfig(dir string, cfg *statedict.Dict) ([]byte, error) {
	b, err := MarshalConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), b, 0o644); err != nil {
		return nil, err
	}
	return b, nil
}

// ConfigSummary is the handful of fields worth logging. Different model
// families spell the same dimension differently.
type ConfigSummary struct {
	ModelType     string   `mapstructure:"model_type"`
	Architectures []string `mapstructure:"architectures"`
	HiddenSize    int      `mapstructure:"hidden_size"`
	DModel        int      `mapstructure:"d_model"`
	NumLayers     int      `mapstructure:"num_hidden_layers"`
	NLayers       int      `mapstructure:"n_layers"`
	VocabSize     int      `mapstructure:"vocab_size"`
	TorchDType    string   `mapstructure:"torch_dtype"`
}

// Summarize decodes the summary fields of cfg, ignoring everything else.
func Summarize(cfg *statedict.Dict) (ConfigSummary, error) {
	var s ConfigSummary
	plain, err := plainJSON(cfg)
	if err != nil {
		return s, err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return s, err
	}
	if err := dec.Decode(plain); err != nil {
		return s, fmt.Errorf("hub: summarize config: %w", err)
	}
	return s, nil
}

// Layers returns the layer count under whichever name the family uses.
func (s ConfigSummary) Layers() int { return max(s.NumLayers, s.NLayers) }

// Width returns the hidden dimension under whichever name the family uses.
func (s ConfigSummary) Width() int { return max(s.HiddenSize, s.DModel) }

// plainJSON converts statedict containers into maps and slices so the
// encoder sorts object keys.
func plainJSON(v any) (any, error) {
	switch x := v.(type) {
	case *statedict.Dict:
		m := make(map[string]any, x.Len())
		var err error
		x.Range(func(k, val any) bool {
			ks, ok := k.(string)
			if !ok {
				err = fmt.Errorf("hub: non-string config key %v (%T)", k, k)
				return false
			}
			m[ks], err = plainJSON(val)
			return err == nil
		})
		return m, err
	case *statedict.List:
		return plainSlice(x.Items)
	case statedict.Tuple:
		return plainSlice(x)
	case nil, bool, string, int, int64, float64, *big.Int:
		return x, nil
	case tensor.DType:
		return x.String(), nil
	}
	return nil, fmt.Errorf("hub: %T cannot be written as JSON", v)
}

func plainSlice(items []any) ([]any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		p, err := plainJSON(item)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
