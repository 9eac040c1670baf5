package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/l8e-harbor/l8e-harbor/internal/authn"
	"github.com/l8e-harbor/l8e-harbor/internal/circuit"
	"github.com/l8e-harbor/l8e-harbor/internal/config"
	"github.com/l8e-harbor/l8e-harbor/internal/forward"
	"github.com/l8e-harbor/l8e-harbor/internal/gateway"
	"github.com/l8e-harbor/l8e-harbor/internal/health"
	"github.com/l8e-harbor/l8e-harbor/internal/middleware"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/observability"
	"github.com/l8e-harbor/l8e-harbor/internal/secret"
	"github.com/l8e-harbor/l8e-harbor/internal/store"
)

// Exit codes per spec.md §6.
const (
	exitOK               = 0
	exitConfigInvalid    = 1
	exitListenerBindFail = 2
	exitBootDependency   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "./config.yaml", "path to the process config YAML")
	routesPath := flag.String("routes", "", "path to an initial route set YAML, applied once at boot")
	flag.Parse()

	cfg, err := config.LoadProcessConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfigInvalid
	}

	log := newLogger(cfg.LogLevel)
	log.Info().Str("listen", cfg.Listen).Str("route_store", cfg.RouteStore.Driver).Msg("starting l8e-harbor")

	mwRegistry := middleware.Default(authn.StaticTokenAuthenticator{})

	st, err := openRouteStore(cfg, mwRegistry, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to open route store")
		return exitBootDependency
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *routesPath != "" {
		if err := seedRoutes(ctx, st, *routesPath); err != nil {
			log.Error().Err(err).Str("path", *routesPath).Msg("failed to apply initial route set")
			return exitConfigInvalid
		}
	}

	prober := health.NewProber(nil, log)
	defer prober.Close()

	breakers := circuit.NewRegistry()

	secrets := secret.NewMemory()
	fwdRegistry := forward.NewDefaultRegistry()
	fwd := forward.NewForwarder(fwdRegistry, secrets, log)

	var metrics *observability.Metrics
	if cfg.EnableMetrics {
		metrics = observability.NewMetrics()
	}
	events := observability.NewEvents(log)

	gw := gateway.New(mwRegistry, prober, breakers, fwd, metrics, events, cfg.MaxInFlight, log)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go gw.Run(watchCtx, st)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.Liveness)
	mux.HandleFunc("/ready", gw.Readiness)
	mux.HandleFunc("/health/detailed", gw.Detailed)
	mux.Handle("/", gw)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	if cfg.TLS != nil {
		tlsConfig, err := buildListenerTLSConfig(cfg.TLS)
		if err != nil {
			log.Error().Err(err).Msg("failed to build listener TLS config")
			return exitBootDependency
		}
		srv.TLSConfig = tlsConfig
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS != nil {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok {
			log.Error().Err(err).Msg("listener failed")
			return exitListenerBindFail
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	return exitOK
}

// newLogger builds the process-wide zerolog logger, grounded on the
// pack's zerolog.New(os.Stdout)+SetGlobalLevel+DefaultContextLogger setup
// (pomerium-ingress-controller/internal/stress/cmd/command.go).
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	return logger
}

func openRouteStore(cfg *config.ProcessConfig, mwRegistry *middleware.Registry, log zerolog.Logger) (store.Store, error) {
	validate := validateAgainst(mwRegistry)

	switch cfg.RouteStore.Driver {
	case "file":
		return store.NewFile(context.Background(), cfg.RouteStore.Path, cfg.RouteStore.FlushInterval, validate, log)
	case "sqlite":
		return store.NewSQLite(context.Background(), cfg.RouteStore.Path, validate, log)
	default:
		return store.NewMemory(validate), nil
	}
}

// validateAgainst binds config.Validate to mwRegistry's registered names,
// so every Route Store driver rejects routes referencing middleware the
// running process does not actually have, regardless of which driver is
// configured.
func validateAgainst(mwRegistry *middleware.Registry) store.Validator {
	known := mwRegistry.Names()
	return func(routes []model.Route) ([]model.Route, error) {
		return config.Validate(routes, known)
	}
}

// seedRoutes loads a route set from path and applies it to st. It fails
// fast at boot if the file is malformed or validation rejects it, rather
// than starting the process with zero routes silently.
func seedRoutes(ctx context.Context, st store.Store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open routes file: %w", err)
	}
	defer f.Close()

	routes, err := config.ParseRoutes(f)
	if err != nil {
		return fmt.Errorf("parse routes file: %w", err)
	}
	if _, err := st.Apply(ctx, routes); err != nil {
		return fmt.Errorf("apply initial route set: %w", err)
	}
	return nil
}

// buildListenerTLSConfig builds the ingress listener's TLS config per
// spec.md §6: configurable minimum version, optional mutual TLS when
// ClientCA is set.
func buildListenerTLSConfig(cfg *config.ListenerTLS) (*tls.Config, error) {
	minVersion := uint16(tls.VersionTLS12)
	if cfg.MinVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}

	tlsConfig := &tls.Config{MinVersion: minVersion}

	if cfg.ClientCA != "" {
		caBytes, err := os.ReadFile(cfg.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("client CA %q contains no usable certificates", cfg.ClientCA)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}
