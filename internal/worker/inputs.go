package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/replicate/cog-serve/internal/util"
)

var dataURLRegex = regexp.MustCompile(`^data:.*?;base64,(?P<base64>.*)$`)

// inputFiles materializes file inputs (data URLs or http URLs) as local temp
// files so the model can open them by path. Created files are recorded for
// removal once the prediction is done.
type inputFiles struct {
	client *http.Client
	paths  []string
}

func newInputFiles() *inputFiles {
	return &inputFiles{client: util.HTTPClientWithRetry()}
}

// process returns a copy of input with the given fields rewritten to local
// paths. Non-map inputs and fields without a file reference are left alone.
func (f *inputFiles) process(ctx context.Context, input any, fields []string) (any, error) {
	in, ok := input.(map[string]any)
	if !ok || len(fields) == 0 {
		return input, nil
	}
	m := maps.Clone(in)
	for _, name := range fields {
		switch v := m[name].(type) {
		case string:
			p, err := f.materialize(ctx, v)
			if err != nil {
				return nil, fmt.Errorf("input %s: %w", name, err)
			}
			m[name] = p
		case []any:
			v = slices.Clone(v)
			m[name] = v
			for i, x := range v {
				s, ok := x.(string)
				if !ok {
					continue
				}
				p, err := f.materialize(ctx, s)
				if err != nil {
					return nil, fmt.Errorf("input %s[%d]: %w", name, i, err)
				}
				v[i] = p
			}
		}
	}
	return m, nil
}

func (f *inputFiles) materialize(ctx context.Context, s string) (string, error) {
	if m := dataURLRegex.FindStringSubmatch(s); m != nil {
		bs, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil {
			return "", fmt.Errorf("failed to decode data URL: %w", err)
		}
		return f.write(bs)
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return f.download(ctx, s)
	}
	return s, nil
}

func (f *inputFiles) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}
	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	return f.write(bs)
}

func (f *inputFiles) write(bs []byte) (string, error) {
	tmp, err := os.CreateTemp("", "cog-input-*"+mimetype.Detect(bs).Extension())
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := tmp.Write(bs); err != nil {
		return "", err
	}
	f.paths = append(f.paths, tmp.Name())
	return tmp.Name(), nil
}

func (f *inputFiles) cleanup() {
	for _, p := range f.paths {
		_ = os.Remove(p)
	}
	f.paths = nil
}
