// Package convert turns a distributed checkpoint into either a single
// torch.save file or a Hugging Face model directory.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samcharles93/dcpconv/internal/dcp"
	"github.com/samcharles93/dcpconv/internal/hub"
	"github.com/samcharles93/dcpconv/internal/logger"
	"github.com/samcharles93/dcpconv/internal/statedict"
	"github.com/samcharles93/dcpconv/internal/tensor"
	"github.com/samcharles93/dcpconv/internal/torchsave"
)

var (
	// ErrConfig reports bad input detected before anything is read.
	ErrConfig = errors.New("invalid configuration")
	// ErrStructure reports a checkpoint that lacks what the output needs.
	ErrStructure = errors.New("unexpected checkpoint structure")
)

// Kind selects the output format.
type Kind string

const (
	KindHF Kind = "hf"
	KindPT Kind = "pt"
)

var Kinds = []Kind{KindHF, KindPT}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindHF, KindPT:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown destination type %q (want hf or pt)", ErrConfig, s)
}

type Options struct {
	Src  string
	Dst  string
	Kind Kind
	// DType is the precision of Hugging Face weights. Zero means float16.
	DType tensor.DType
	// SafeTensors writes Hugging Face weights as model.safetensors instead
	// of pytorch_model.bin.
	SafeTensors bool
	// Stdout receives progress banners. Nil means os.Stdout.
	Stdout io.Writer
}

func (o *Options) validate() error {
	if _, err := ParseKind(string(o.Kind)); err != nil {
		return err
	}
	if o.DType == tensor.Invalid {
		o.DType = tensor.Float16
	}
	if o.DType != tensor.Float16 && o.DType != tensor.BFloat16 {
		return fmt.Errorf("%w: weights dtype must be float16 or bfloat16, got %s", ErrConfig, o.DType)
	}
	if o.Src == "" || o.Dst == "" {
		return fmt.Errorf("%w: source and destination are required", ErrConfig)
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	return nil
}

// Run loads opts.Src and writes opts.Dst. Outputs are written one after
// another; a failure part way leaves what was already written.
func Run(ctx context.Context, opts Options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	if st, err := os.Stat(opts.Src); err != nil || !st.IsDir() {
		return fmt.Errorf("%w: source DCP %s does not exist", ErrConfig, opts.Src)
	}

	log := logger.FromContext(ctx).With("src", opts.Src)
	log.Info("loading distributed checkpoint")
	sd, err := dcp.Load(ctx, opts.Src)
	if err != nil {
		return err
	}
	n, size := tensorStats(sd)
	log.Info("loaded distributed checkpoint", "tensors", n, "bytes", size)

	switch opts.Kind {
	case KindPT:
		if err := torchsave.SaveFile(opts.Dst, sd); err != nil {
			return err
		}
		log.Info("saved consolidated checkpoint", "dst", opts.Dst, "entries", sd.Len())
		return nil
	default:
		return runHub(ctx, opts, sd)
	}
}

func runHub(ctx context.Context, opts Options, sd *statedict.Dict) error {
	log := logger.FromContext(ctx)
	out := opts.Stdout

	if _, ok := sd.Get("state"); !ok {
		return fmt.Errorf("%w: %q is not an available key in the provided composer checkpoint. Is %s ill-formed?",
			ErrStructure, "state", opts.Src)
	}

	banner(out, "Saving HF Model Config...")
	cfg, err := hub.ConfigFromState(sd, opts.DType)
	if err != nil {
		return structural(err)
	}
	cfgJSON, err := hub.WriteConfig(opts.Dst, cfg)
	if err != nil {
		return err
	}
	_, _ = out.Write(cfgJSON)
	if s, err := hub.Summarize(cfg); err == nil {
		log.Info("wrote model config", "model_type", s.ModelType, "layers", s.Layers(), "width", s.Width(), "vocab", s.VocabSize)
	} else {
		log.Debug("could not summarize model config", "error", err)
	}

	banner(out, "Saving HF Tokenizer...")
	files, err := hub.TokenizerFromState(ctx, sd)
	if err != nil {
		return structural(err)
	}
	if files == nil {
		_, _ = fmt.Fprintln(out, "Warning! No HF Tokenizer found!")
		log.Warn("checkpoint has no tokenizer; none written")
	} else {
		if err := hub.SaveTokenizer(opts.Dst, files); err != nil {
			return err
		}
		for _, f := range files {
			_, _ = fmt.Fprintf(out, "  %s (%d bytes)\n", f.Name, len(f.Content))
		}
	}

	banner(out, "Saving HF Model Weights...")
	weights, err := hub.WeightsFromState(sd, opts.DType)
	if errors.Is(err, hub.ErrNoWeights) {
		return structural(err)
	} else if err != nil {
		return err
	}
	save := hub.SaveWeights
	if opts.SafeTensors {
		save = hub.SaveSafeTensors
	}
	if err := save(opts.Dst, weights); err != nil {
		return err
	}
	log.Info("wrote model weights", "tensors", weights.Len(), "dtype", opts.DType, "safetensors", opts.SafeTensors)

	_, _ = fmt.Fprintln(out, strings.Repeat("#", 30))
	_, _ = fmt.Fprintf(out, "HF checkpoint folder successfully created at %s.\n", opts.Dst)
	return nil
}

// structural marks err as a problem with the checkpoint's contents and keeps
// its cause in the chain.
func structural(err error) error {
	return fmt.Errorf("%w: %w", ErrStructure, err)
}

// tensorStats counts the tensors anywhere in sd and their payload bytes.
func tensorStats(sd *statedict.Dict) (n, size int) {
	_ = statedict.Walk(sd, func(_ statedict.Path, leaf any) error {
		if t, ok := leaf.(*tensor.Tensor); ok {
			n++
			size += len(t.Data)
		}
		return nil
	})
	return n, size
}

func banner(w io.Writer, title string) {
	_, _ = fmt.Fprintln(w, strings.Repeat("#", 30))
	_, _ = fmt.Fprintln(w, title)
}
