package probe

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"lumina/internal/domain"
)

// PreflightMode selects how a failed preflight is handled.
type PreflightMode string

const (
	PreflightStrict  PreflightMode = "strict"
	PreflightLenient PreflightMode = "lenient"
)

// PreflightConfig is sourced from the TWITTER_PREFLIGHT* environment
// variables (spec §6).
type PreflightConfig struct {
	Enabled    bool
	Mode       PreflightMode
	TCPTimeout time.Duration
	IPLimit    int
	TTL        time.Duration
	ProxyURL   string
}

func DefaultPreflightConfig() PreflightConfig {
	return PreflightConfig{
		Enabled:    true,
		Mode:       PreflightStrict,
		TCPTimeout: 2 * time.Second,
		IPLimit:    3,
		TTL:        30 * time.Second,
	}
}

type preflightResult struct {
	ok        bool
	degraded  bool
	checkedAt time.Time
}

// Preflighter performs and caches the Twitter DNS+TCP+TLS reachability
// check described in spec §4.4.
type Preflighter struct {
	cfg PreflightConfig

	mu     sync.Mutex
	cached map[string]preflightResult
	now    func() time.Time
}

func NewPreflighter(cfg PreflightConfig) *Preflighter {
	return &Preflighter{cfg: cfg, cached: make(map[string]preflightResult), now: time.Now}
}

// Check performs (or returns a cached) reachability check against host.
// ok=false with err=nil under lenient mode means "degraded but proceed";
// ok=false with a non-nil err under strict mode means the caller must
// fail the probe with twitter_network_block.
func (p *Preflighter) Check(ctx context.Context, host string) (ok bool, degraded bool, err error) {
	if !p.cfg.Enabled {
		return true, false, nil
	}

	p.mu.Lock()
	if cached, found := p.cached[host]; found && p.now().Sub(cached.checkedAt) < p.cfg.TTL {
		p.mu.Unlock()
		return cached.ok, cached.degraded, nil
	}
	p.mu.Unlock()

	direct := p.probeDirect(ctx, host)
	reachable := direct
	if !direct && p.cfg.ProxyURL != "" {
		reachable = p.probeProxy(ctx, host)
	}

	result := preflightResult{ok: reachable, checkedAt: p.now()}
	if !reachable {
		if p.cfg.Mode == PreflightLenient {
			result.degraded = true
		}
	}

	p.mu.Lock()
	p.cached[host] = result
	p.mu.Unlock()

	if !reachable && p.cfg.Mode == PreflightStrict {
		return false, false, domain.ErrUnsupported // caller maps to twitter_network_block
	}
	return reachable, result.degraded, nil
}

func (p *Preflighter) probeDirect(ctx context.Context, host string) bool {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 {
		return false
	}
	limit := p.cfg.IPLimit
	if limit <= 0 || limit > len(ips) {
		limit = len(ips)
	}
	dialer := &net.Dialer{Timeout: p.cfg.TCPTimeout}
	for _, ip := range ips[:limit] {
		addr := net.JoinHostPort(ip.IP.String(), "443")
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: host})
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// probeProxy issues a HEAD request through the configured proxy; success
// overrides a direct-path failure (spec §4.4).
func (p *Preflighter) probeProxy(ctx context.Context, host string) bool {
	proxyURL, err := url.Parse(p.cfg.ProxyURL)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://"+host+"/", nil)
	if err != nil {
		return false
	}
	client := &http.Client{
		Timeout:   p.cfg.TCPTimeout * 3,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
