package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProcessConfig is the static, process-wide configuration loaded at boot:
// where to listen, TLS settings, timeouts, which Route Store driver to use,
// and logging. It is distinct from the Route set itself, which the chosen
// Route Store driver owns and may reload independently (spec.md §4.1, §6).
//
// Field shapes follow original_source/app/models/schemas.py's
// AppConfig/ServerConfig/TLSServerConfig, adapted to the teacher's
// raw-struct-then-convert YAML loading style.
type ProcessConfig struct {
	Listen string
	TLS    *ListenerTLS

	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	RouteStore     RouteStoreConfig
	LogLevel       string
	EnableMetrics  bool
	EnableTracing  bool
	MaxInFlight    int // process-wide concurrent in-flight requests (spec.md §5)
}

// ListenerTLS configures the ingress listener's TLS (spec.md §6).
type ListenerTLS struct {
	CertFile   string
	KeyFile    string
	ClientCA   string // optional; enables mutual TLS when set
	MinVersion string // "1.2" or "1.3"
}

// RouteStoreConfig selects and configures a Route Store driver (spec.md §6).
type RouteStoreConfig struct {
	Driver string // "memory" | "file" | "sqlite"
	Path   string // file path or sqlite DSN, depending on Driver

	// FlushInterval is how often the file driver persists the current
	// snapshot even without a new commit (spec.md §6 "on interval").
	FlushInterval time.Duration
}

type rawProcessConfig struct {
	Listen string `yaml:"listen"`
	TLS    *struct {
		CertFile   string `yaml:"cert_file"`
		KeyFile    string `yaml:"key_file"`
		ClientCA   string `yaml:"client_ca"`
		MinVersion string `yaml:"min_version"`
	} `yaml:"tls"`
	Timeouts struct {
		Read       string `yaml:"read"`
		ReadHeader string `yaml:"read_header"`
		Write      string `yaml:"write"`
		Idle       string `yaml:"idle"`
	} `yaml:"timeouts"`
	RouteStore struct {
		Driver        string `yaml:"driver"`
		Path          string `yaml:"path"`
		FlushInterval string `yaml:"flush_interval"`
	} `yaml:"route_store"`
	LogLevel      string `yaml:"log_level"`
	EnableMetrics *bool  `yaml:"enable_metrics"`
	EnableTracing bool   `yaml:"enable_tracing"`
	MaxInFlight   int    `yaml:"max_in_flight"`
}

// LoadProcessConfig reads the process-wide YAML config (not the route set)
// from path.
func LoadProcessConfig(path string) (*ProcessConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read process config: %w", err)
	}
	var raw rawProcessConfig
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse process config: %w", err)
	}

	cfg := &ProcessConfig{
		Listen:        strings.TrimSpace(raw.Listen),
		LogLevel:      strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		EnableTracing: raw.EnableTracing,
		MaxInFlight:   raw.MaxInFlight,
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8443"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 10_000
	}
	if raw.EnableMetrics == nil {
		cfg.EnableMetrics = true
	} else {
		cfg.EnableMetrics = *raw.EnableMetrics
	}

	if raw.TLS != nil {
		minV := strings.TrimSpace(raw.TLS.MinVersion)
		if minV == "" {
			minV = "1.2"
		}
		if minV != "1.2" && minV != "1.3" {
			return nil, fmt.Errorf("tls.min_version must be \"1.2\" or \"1.3\", got %q", minV)
		}
		cfg.TLS = &ListenerTLS{
			CertFile:   raw.TLS.CertFile,
			KeyFile:    raw.TLS.KeyFile,
			ClientCA:   raw.TLS.ClientCA,
			MinVersion: minV,
		}
	}

	var perr error
	cfg.ReadTimeout, perr = parseDurationOr(raw.Timeouts.Read, 10*time.Second, perr)
	cfg.ReadHeaderTimeout, perr = parseDurationOr(raw.Timeouts.ReadHeader, 5*time.Second, perr)
	cfg.WriteTimeout, perr = parseDurationOr(raw.Timeouts.Write, 30*time.Second, perr)
	cfg.IdleTimeout, perr = parseDurationOr(raw.Timeouts.Idle, 60*time.Second, perr)
	if perr != nil {
		return nil, perr
	}

	driver := strings.ToLower(strings.TrimSpace(raw.RouteStore.Driver))
	if driver == "" {
		driver = "memory"
	}
	switch driver {
	case "memory", "file", "sqlite":
	default:
		return nil, fmt.Errorf("route_store.driver: unsupported driver %q", driver)
	}
	flush, perr := parseDurationOr(raw.RouteStore.FlushInterval, 30*time.Second, nil)
	if perr != nil {
		return nil, perr
	}
	cfg.RouteStore = RouteStoreConfig{
		Driver:        driver,
		Path:          strings.TrimSpace(raw.RouteStore.Path),
		FlushInterval: flush,
	}

	return cfg, nil
}

func parseDurationOr(s string, def time.Duration, prevErr error) (time.Duration, error) {
	if prevErr != nil {
		return 0, prevErr
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
