// Package provider fetches the pipeline config from a remote location instead
// of local files and keeps polling it for changes.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/signal"
)

const (
	TypeHTTP            = "http"
	DefaultPollInterval = 30 * time.Second
	// MaxConfigBytes bounds a fetched document.
	MaxConfigBytes = 4 << 20
)

// HTTP polls a URL that serves a complete config document.
type HTTP struct {
	cfg    config.ProviderConfig
	format config.Format
	client *retryablehttp.Client
	logger *slog.Logger

	mu       sync.Mutex
	lastHash string
}

// New validates cfg and builds the provider.
func New(cfg config.ProviderConfig, logger *slog.Logger) (*HTTP, error) {
	if cfg.Type != "" && cfg.Type != TypeHTTP {
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	if cfg.URL == "" {
		return nil, errors.New("provider url is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	format := config.Format(cfg.Format)
	switch format {
	case "":
		format = config.FormatFromExt(cfg.URL)
	case config.FormatTOML, config.FormatYAML, config.FormatJSON:
	default:
		return nil, fmt.Errorf("unknown provider format %q", cfg.Format)
	}

	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = logger
	return &HTTP{cfg: cfg, format: format, client: c, logger: logger}, nil
}

// Fetch downloads the document and wraps it in a builder.
func (p *HTTP) Fetch(ctx context.Context) (*config.Builder, error) {
	b, _, err := p.fetch(ctx)
	return b, err
}

// fetch also reports whether the content differs from the last fetch.
func (p *HTTP) fetch(ctx context.Context) (*config.Builder, bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", p.cfg.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("fetch %s: status %d", p.cfg.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxConfigBytes+1))
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", p.cfg.URL, err)
	}
	if len(data) > MaxConfigBytes {
		return nil, false, fmt.Errorf("config at %s exceeds %d bytes", p.cfg.URL, MaxConfigBytes)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	p.mu.Lock()
	changed := hash != p.lastHash
	p.lastHash = hash
	p.mu.Unlock()
	return config.NewBuilder(p.cfg.URL, data, p.format), changed, nil
}

// Run polls until ctx is done and sends ReloadFromConfigBuilder whenever the
// document changes. Fetch errors are logged and retried on the next tick.
func (p *HTTP) Run(ctx context.Context, tx *signal.Sender) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b, changed, err := p.fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Warn("Config provider fetch failed.", "url", p.cfg.URL, "error", err)
				continue
			}
			if changed {
				p.logger.Info("Config provider delivered a new config.", "url", p.cfg.URL)
				tx.Send(signal.NewReloadFromConfigBuilder(b))
			}
		}
	}
}
