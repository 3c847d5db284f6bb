package statedict

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/loom/internal/safetensors"
)

// Source identifies where a state dict comes from: a local file path, an
// http(s) URL, or an already materialized in-memory dict. Exactly one field
// must be set.
type Source struct {
	Path string
	URL  string
	Dict Dict
}

var ErrUnsupportedFormat = errors.New("unsupported state dict format")

// Load fetches and decodes a state dict. URL sources are downloaded to a
// temporary file first; in-memory dicts are deep-copied.
func Load(ctx context.Context, src Source) (Dict, error) {
	switch {
	case src.Dict != nil:
		if len(src.Dict) == 0 {
			return nil, ErrEmptyDict
		}
		return src.Dict.Clone(), nil
	case src.URL != "":
		path, cleanup, err := download(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		return loadFile(path)
	case src.Path != "":
		return loadFile(src.Path)
	default:
		return nil, errors.New("state dict source is empty")
	}
}

func loadFile(path string) (Dict, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return loadSafetensors(path)
	case ".bin", ".pt":
		return loadTorch(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
}

func loadSafetensors(path string) (Dict, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	if len(f.Tensors) == 0 {
		return nil, ErrEmptyDict
	}
	dict := make(Dict, len(f.Tensors))
	for name := range f.Tensors {
		data, info, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		shape := make([]int, len(info.Shape))
		copy(shape, info.Shape)
		dict[name] = Tensor{Shape: shape, Data: data}
	}
	return dict, nil
}

func download(ctx context.Context, url string) (string, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	base := filepath.Base(strings.SplitN(url, "?", 2)[0])
	f, err := os.CreateTemp("", "loom-*-"+base)
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", nil, err
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	return f.Name(), cleanup, nil
}
