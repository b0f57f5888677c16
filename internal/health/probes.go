// Package health probes configured indexers, classifies their condition,
// persists health samples, and drives failover and recovery.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fabienpiette/folio_fox/internal/catalog"
)

// ProbeResult is the outcome of one indexer probe.
type ProbeResult struct {
	Healthy      bool
	ResponseTime time.Duration
	Message      string // failure detail, or a short success note
}

// Prober issues type-specific health probes with per-type rate caps, so a
// large fleet of configured indexers cannot hammer a shared Prowlarr or
// Jackett instance.
type Prober struct {
	client   *http.Client
	limiters map[string]*rate.Limiter
}

// NewProber returns a Prober with the given per-probe timeout. Redirects
// are not followed: a generic indexer answering 301 is already an answer.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiters: map[string]*rate.Limiter{
			catalog.IndexerProwlarr: rate.NewLimiter(rate.Limit(10.0/60), 10),
			catalog.IndexerJackett:  rate.NewLimiter(rate.Limit(100.0/60), 100),
			catalog.IndexerGeneric:  rate.NewLimiter(rate.Limit(10.0/60), 10),
		},
	}
}

// Probe checks one indexer, blocking first on the rate cap for its type.
func (p *Prober) Probe(ctx context.Context, idx *catalog.Indexer) ProbeResult {
	var limiter = p.limiters[idx.IndexerType]
	if limiter == nil {
		limiter = p.limiters[catalog.IndexerGeneric]
	}
	if err := limiter.Wait(ctx); err != nil {
		return ProbeResult{Message: fmt.Sprintf("rate limit wait: %v", err)}
	}

	var started = time.Now()
	var err error
	switch idx.IndexerType {
	case catalog.IndexerProwlarr:
		err = p.probeProwlarr(ctx, idx)
	case catalog.IndexerJackett:
		err = p.probeJackett(ctx, idx)
	default:
		err = p.probeGeneric(ctx, idx)
	}
	var elapsed = time.Since(started)

	probeDuration.WithLabelValues(idx.IndexerType).Observe(elapsed.Seconds())
	if err != nil {
		return ProbeResult{ResponseTime: elapsed, Message: err.Error()}
	}
	return ProbeResult{Healthy: true, ResponseTime: elapsed}
}

// probeProwlarr requires both the system status and the indexer listing
// endpoints to answer 200 with the configured API key.
func (p *Prober) probeProwlarr(ctx context.Context, idx *catalog.Indexer) error {
	for _, path := range []string{"/api/v1/system/status", "/api/v1/indexer"} {
		if err := p.get(ctx, idx.BaseURL+path, func(req *http.Request) {
			req.Header.Set("X-Api-Key", idx.APIKey.String)
		}, http.StatusOK); err != nil {
			return fmt.Errorf("prowlarr %s: %w", path, err)
		}
	}
	return nil
}

// probeJackett checks the server config, the indexer listing, and a test
// search. Jackett authenticates with an apikey query parameter.
func (p *Prober) probeJackett(ctx context.Context, idx *catalog.Indexer) error {
	var paths = []string{
		"/api/v2.0/server/config",
		"/api/v2.0/indexers",
		"/api/v2.0/indexers/all/results?Query=" + url.QueryEscape("test"),
	}
	for _, path := range paths {
		var sep = "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		var target = idx.BaseURL + path + sep + "apikey=" + url.QueryEscape(idx.APIKey.String)
		if err := p.get(ctx, target, nil, http.StatusOK); err != nil {
			return fmt.Errorf("jackett %s: %w", path, err)
		}
	}
	return nil
}

// probeGeneric accepts 200 or a redirect from the base URL.
func (p *Prober) probeGeneric(ctx context.Context, idx *catalog.Indexer) error {
	return p.get(ctx, idx.BaseURL, nil,
		http.StatusOK, http.StatusMovedPermanently, http.StatusFound)
}

func (p *Prober) get(ctx context.Context, target string, decorate func(*http.Request), want ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if decorate != nil {
		decorate(req)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	for _, code := range want {
		if resp.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
