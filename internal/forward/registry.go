package forward

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/secret"
)

// Well-known transport names.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to upstream
	ProtoAuto  = "auto"  // ALPN, allow h2 over TLS when available
	// ProtoH2C = "h2c"   // recommend registering lazily in another file if needed
)

// Options tunes the default transports.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	// Timeouts
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // optional, 0 to disable

	// TLS knobs for defaults (cluster-specific/mTLS should register their own RT)
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		MaxConnsPerHost:       0,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
		InsecureSkipVerify:    false,
		RootCAs:               nil,
	}
}

// Factory returns a RoundTripper by name.
type Factory interface {
	Get(name string) http.RoundTripper
	Register(name string, rt http.RoundTripper)
	CloseIdle()
}

// Registry is a threadsafe map of named RoundTrippers.
type Registry struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

// NewDefaultRegistry builds a registry with DefaultOptions and pre-registers http1/auto.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry builds a registry with given options and pre-registers http1/auto.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
	}
	r.store[ProtoHTTP1] = r.newHTTP1()
	r.store[ProtoAuto] = r.newAuto()
	// h2c/h3: register in your bootstrapping code when needed, e.g.:
	//   r.Register(ProtoH2C, newH2C(opts))
	return r
}

func (r *Registry) Get(name string) http.RoundTripper {
	r.mu.RLock()
	rt, ok := r.store[name]
	r.mu.RUnlock()
	if ok && rt != nil {
		return rt
	}
	// fallback to http1
	r.mu.RLock()
	fb := r.store[ProtoHTTP1]
	r.mu.RUnlock()
	return fb
}

func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	r.mu.Lock()
	r.store[name] = rt
	r.mu.Unlock()
}

// RegisterCustom builds and registers a transport under name using the
// registry's pooling/dial options but a caller-supplied TLS config and
// base proto ("http1" disables ALPN to h2, anything else enables it). A
// nil tlsConfig falls back to the registry's default TLS settings. Used
// for per-tenant or per-backend transports that need bespoke client certs
// or CA pools without touching the shared http1/auto transports.
func (r *Registry) RegisterCustom(name string, tlsConfig *tls.Config, proto string) http.RoundTripper {
	var rt http.RoundTripper
	if proto == ProtoAuto {
		rt = r.newAutoWithTLS(tlsConfig)
	} else {
		rt = r.newHTTP1WithTLS(tlsConfig)
	}
	r.Register(name, rt)
	return rt
}

// ForBackend returns a RoundTripper scoped to one backend's authority and
// TLS settings (spec.md §3 Backend.tls, §4.8 "Connection pooling per
// backend authority"), building and caching it lazily on first use. A
// backend with no TLS block shares the registry's default http1
// transport; one with a TLS block gets its own transport keyed by
// authority so distinct client certs/CA pools never cross-contaminate
// connection pools. secrets resolves ca_cert/client_cert names to PEM
// bytes (spec.md §6 secret provider interface); a nil secrets with a TLS
// block configured still gets its own transport, whose TLS config honours
// only the verify flag and ignores ca_cert/client_cert.
func (r *Registry) ForBackend(b model.Backend, secrets secret.Provider) (http.RoundTripper, error) {
	if b.TLS == nil {
		return r.Get(ProtoHTTP1), nil
	}
	name := "backend:" + b.URL.Scheme + "://" + b.URL.Host

	r.mu.RLock()
	rt, ok := r.store[name]
	r.mu.RUnlock()
	if ok {
		return rt, nil
	}

	tlsConfig, err := buildBackendTLSConfig(*b.TLS, secrets)
	if err != nil {
		return nil, fmt.Errorf("backend %s: tls: %w", b.URL.Host, err)
	}
	return r.RegisterCustom(name, tlsConfig, ProtoHTTP1), nil
}

// buildBackendTLSConfig resolves a Backend.TLS block into a *tls.Config,
// fetching the CA/client cert material from secrets by name rather than
// reading files directly, per spec.md §6 ("the proxy core never stores
// secrets itself").
func buildBackendTLSConfig(cfg model.BackendTLS, secrets secret.Provider) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: !cfg.Verify}

	if secrets == nil {
		return tlsConfig, nil
	}

	if cfg.CACert != "" {
		pem, err := secrets.Get(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("ca_cert %q: %w", cfg.CACert, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_cert %q: no valid certificates found", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCert != "" {
		pem, err := secrets.Get(cfg.ClientCert)
		if err != nil {
			return nil, fmt.Errorf("client_cert %q: %w", cfg.ClientCert, err)
		}
		cert, err := tls.X509KeyPair(pem, pem)
		if err != nil {
			return nil, fmt.Errorf("client_cert %q: %w", cfg.ClientCert, err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// CloseIdle calls CloseIdleConnections on all http.Transport in the registry.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

// --- builders ---

func (r *Registry) newHTTP1() http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: r.opts.InsecureSkipVerify, RootCAs: r.opts.RootCAs, NextProtos: []string{"http/1.1"}},
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
	if r.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = r.opts.ResponseHeaderTimeout
	}
	return tr
}

func (r *Registry) newAuto() http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true, // ALPN to h2 when possible; no h2c
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
	if r.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = r.opts.ResponseHeaderTimeout
	}
	return tr
}

func (r *Registry) newHTTP1WithTLS(tlsConfig *tls.Config) http.RoundTripper {
	tr := r.newHTTP1().(*http.Transport)
	if tlsConfig != nil {
		cp := tlsConfig.Clone()
		if len(cp.NextProtos) == 0 {
			cp.NextProtos = []string{"http/1.1"}
		}
		tr.TLSClientConfig = cp
	}
	return tr
}

func (r *Registry) newAutoWithTLS(tlsConfig *tls.Config) http.RoundTripper {
	tr := r.newAuto().(*http.Transport)
	if tlsConfig != nil {
		tr.TLSClientConfig = tlsConfig.Clone()
	}
	return tr
}
