package uploader

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/replicate/cog-serve/internal/metrics"
	"github.com/replicate/cog-serve/internal/prediction"
	"github.com/replicate/cog-serve/internal/util"
)

const filePrefix = "file://"

// Uploader turns file outputs of a prediction into URLs. Without an upload
// URL, files are inlined as data URLs.
type Uploader struct {
	uploadURL string
	client    *http.Client
	logger    *zap.Logger
}

func New(uploadURL string, logger *zap.Logger) *Uploader {
	return &Uploader{
		uploadURL: uploadURL,
		client:    util.HTTPClientWithRetry(),
		logger:    logger.Named("uploader"),
	}
}

// ForRequest returns the file uploader for one prediction. The request's
// output file prefix takes precedence over the configured upload URL.
func (u *Uploader) ForRequest(ctx context.Context, req prediction.PredictionRequest) prediction.FileUploader {
	return u.ForPrediction(ctx, req.OutputFilePrefix, req.ID)
}

// ForPrediction returns a file uploader whose uploads run under ctx, which
// should live as long as the prediction.
func (u *Uploader) ForPrediction(ctx context.Context, prefix, id string) prediction.FileUploader {
	if prefix == "" {
		prefix = u.uploadURL
	}
	p := &predictionUploader{
		ctx:    ctx,
		parent: u,
		prefix: prefix,
		id:     id,
		cache:  make(map[string]string),
	}
	return p.handle
}

type predictionUploader struct {
	ctx    context.Context
	parent *Uploader
	prefix string
	id     string

	mu sync.Mutex
	// Iterator outputs may repeat a path whose file has since been removed
	cache map[string]string
}

func (p *predictionUploader) handle(output any) (any, error) {
	switch v := output.(type) {
	case string:
		return p.convert(v)
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			o, err := p.handle(x)
			if err != nil {
				return nil, err
			}
			out[i] = o
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, x := range v {
			o, err := p.handle(x)
			if err != nil {
				return nil, err
			}
			out[k] = o
		}
		return out, nil
	default:
		return output, nil
	}
}

func (p *predictionUploader) convert(s string) (string, error) {
	path, ok := strings.CutPrefix(s, filePrefix)
	if !ok {
		return s, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache[s]; ok {
		return cached, nil
	}

	var (
		out    string
		err    error
		method = "data_url"
	)
	if p.prefix == "" {
		out, err = toDataURL(path)
	} else {
		method = "put"
		out, err = p.upload(path)
	}
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(method, "error").Inc()
		return "", err
	}
	metrics.UploadsTotal.WithLabelValues(method, "success").Inc()
	p.cache[s] = out
	return out, nil
}

func toDataURL(path string) (string, error) {
	bs, err := os.ReadFile(path) //nolint:gosec // expected dynamic path
	if err != nil {
		return "", fmt.Errorf("failed to read output file: %w", err)
	}
	mt := mimetype.Detect(bs).String()
	return fmt.Sprintf("data:%s;base64,%s", mt, base64.StdEncoding.EncodeToString(bs)), nil
}

func (p *predictionUploader) upload(path string) (string, error) {
	log := p.parent.logger.Sugar()

	bs, err := os.ReadFile(path) //nolint:gosec // expected dynamic path
	if err != nil {
		return "", fmt.Errorf("failed to read output file: %w", err)
	}
	target := p.prefix + filepath.Base(path)
	req, err := http.NewRequestWithContext(p.ctx, http.MethodPut, target, bytes.NewReader(bs))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mimetype.Detect(bs).String())
	if p.id != "" {
		req.Header.Set("X-Prediction-ID", p.id)
	}

	resp, err := p.parent.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", filepath.Base(path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("failed to upload %s: status %d", filepath.Base(path), resp.StatusCode)
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		log.Infow("uploaded output file", "id", p.id, "url", loc)
		return loc, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	u.RawQuery = ""
	u.Fragment = ""
	log.Infow("uploaded output file", "id", p.id, "url", u.String())
	return u.String(), nil
}
