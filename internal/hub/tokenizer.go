package hub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/dcpconv/internal/logger"
	"github.com/samcharles93/dcpconv/internal/statedict"
)

// TokenizerFile is one file of a saved tokenizer, ready to be written.
type TokenizerFile struct {
	Name    string
	Content []byte
}

var integrationPath = []string{"state", "integrations", "huggingface"}

// TokenizerFromState rebuilds the tokenizer files Composer stored under
// state.integrations.huggingface.tokenizer as {name: {file_extension,
// content}}. It returns nil when no tokenizer was saved. Python sources are
// remote code and are never written.
func TokenizerFromState(ctx context.Context, sd *statedict.Dict) ([]TokenizerFile, error) {
	hf, err := statedict.LookupDict(sd, integrationPath...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoConfig, err)
	}
	v, ok := hf.Get("tokenizer")
	if !ok || v == nil {
		return nil, nil
	}
	entries, ok := v.(*statedict.Dict)
	if !ok {
		return nil, fmt.Errorf("hub: tokenizer state is %T, not a mapping", v)
	}
	if entries.Len() == 0 {
		return nil, nil
	}

	log := logger.FromContext(ctx)
	var files []TokenizerFile
	for _, k := range entries.Keys() {
		name, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("hub: tokenizer file name %v (%T)", k, k)
		}
		raw, _ := entries.Get(k)
		entry, ok := raw.(*statedict.Dict)
		if !ok {
			return nil, fmt.Errorf("hub: tokenizer file %s is %T, not a mapping", name, raw)
		}
		ext, _ := mustGet(entry, "file_extension").(string)
		content := mustGet(entry, "content")
		// Older checkpoints store the name with its extension already on.
		base := strings.TrimSuffix(name, ext)
		file := base + ext

		var data []byte
		switch ext {
		case ".json":
			data, err = tokenizerJSON(base, content)
		case ".txt":
			data, err = tokenizerLines(content)
		case ".model":
			data, err = tokenizerModel(content)
		case ".py":
			log.Warn("skipping tokenizer remote code", "file", file)
			continue
		default:
			log.Warn("skipping tokenizer file with unknown extension", "file", name, "extension", ext)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hub: tokenizer file %s: %w", file, err)
		}
		files = append(files, TokenizerFile{Name: file, Content: data})
	}
	return files, nil
}

func mustGet(d *statedict.Dict, k string) any {
	v, _ := d.Get(k)
	return v
}

// tokenizerJSON keeps the stored key order. The tokenizer's saved origin is
// cleared so the output does not point back at the training run.
func tokenizerJSON(name string, content any) ([]byte, error) {
	if name == "tokenizer_config" {
		if d, ok := content.(*statedict.Dict); ok {
			cleared := statedict.NewDict()
			d.Range(func(k, v any) bool {
				cleared.Set(k, v)
				return true
			})
			cleared.Set("name_or_path", "")
			content = cleared
		}
	}
	b, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func tokenizerLines(content any) ([]byte, error) {
	var items []any
	switch c := content.(type) {
	case *statedict.List:
		items = c.Items
	case statedict.Tuple:
		items = c
	case string:
		return []byte(c), nil
	default:
		return nil, fmt.Errorf("content is %T, want a list of lines", content)
	}
	var b strings.Builder
	for _, item := range items {
		line, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("line is %T", item)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

func tokenizerModel(content any) ([]byte, error) {
	switch c := content.(type) {
	case []byte:
		return c, nil
	case string:
		return []byte(c), nil
	}
	return nil, fmt.Errorf("content is %T, want serialized bytes", content)
}

// SaveTokenizer writes files into dir.
func SaveTokenizer(dir string, files []TokenizerFile) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, f := range files {
		if !filepath.IsLocal(f.Name) {
			return fmt.Errorf("hub: tokenizer file name %q escapes the output directory", f.Name)
		}
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Content, 0o644); err != nil {
			return err
		}
	}
	return nil
}
