package hub

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samcharles93/dcpconv/internal/safetensors"
	"github.com/samcharles93/dcpconv/internal/statedict"
	"github.com/samcharles93/dcpconv/internal/tensor"
	"github.com/samcharles93/dcpconv/internal/torchsave"
)

// ModelPrefix is the attribute name Composer wraps Hugging Face models under.
const ModelPrefix = "model."

// WeightsFromState takes the module state at state.model, strips the
// "model." prefix from its keys and casts every tensor to dtype. The
// mapping is modified in place and returned.
func WeightsFromState(sd *statedict.Dict, dtype tensor.DType) (*statedict.Dict, error) {
	weights, err := statedict.LookupDict(sd, "state", "model")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoWeights, err)
	}
	statedict.ConsumePrefix(weights, ModelPrefix)

	for _, k := range weights.Keys() {
		v, _ := weights.Get(k)
		t, ok := v.(*tensor.Tensor)
		if !ok || t.DType == dtype {
			continue
		}
		cast, err := t.Cast(dtype)
		if err != nil {
			return nil, fmt.Errorf("hub: cast %v: %w", k, err)
		}
		cast.RequiresGrad = t.RequiresGrad
		weights.Set(k, cast)
	}
	return weights, nil
}

// SaveWeights writes weights to dir/pytorch_model.bin.
func SaveWeights(dir string, weights *statedict.Dict) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return torchsave.SaveFile(filepath.Join(dir, WeightsFile), weights)
}

// SaveSafeTensors writes weights to dir/model.safetensors. Every entry must
// be a tensor.
func SaveSafeTensors(dir string, weights *statedict.Dict) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	meta := map[string]string{"format": "pt"}
	return safetensors.WriteFile(filepath.Join(dir, SafeTensorsFile), weights, meta)
}
