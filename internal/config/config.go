package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/shuttle/internal/route"
	"github.com/ent0n29/shuttle/internal/tasks"
)

// Feed modes.
const (
	FeedOff       = "off"
	FeedWebsocket = "websocket"
	FeedKafka     = "kafka"
)

// Config contains all runtime settings for the dispatch engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string
	LogFormat        string
	LockFile         string

	DatabaseURL          string
	StoreTimeout         time.Duration
	StoreBreakerFailures int
	StoreBreakerCooldown time.Duration

	Mode                     string
	RouteConfigPath          string
	ShelfLayoutDir           string
	ActiveSetLimit           int
	RefreshInterval          time.Duration
	SessionInactivityTimeout time.Duration

	ScanFeedMode           string
	ScanFeedWSURL          string
	ScanFeedReconnectDelay time.Duration
	KafkaBrokers           []string
	KafkaTopic             string
	KafkaGroup             string

	Route RouteConfig
}

// Load reads environment variables, applies defaults and loads the route
// file when one is configured.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "shuttle"),
		LogLevel:                 envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("APP_LOG_FORMAT", "json"),
		LockFile:                 envOrDefault("APP_LOCK_FILE", filepath.Join(os.TempDir(), "shuttle.lock")),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		Mode:                     tasks.NormalizeMode(envOrDefault("SHUTTLE_MODE", tasks.DefaultMode)),
		RouteConfigPath:          stringsTrimSpace("ROUTE_CONFIG_PATH"),
		ShelfLayoutDir:           envOrDefault("SHELF_LAYOUT_DIR", "layouts"),
		ScanFeedMode:             strings.ToLower(envOrDefault("SCAN_FEED_MODE", FeedOff)),
		ScanFeedWSURL:            stringsTrimSpace("SCAN_FEED_WS_URL"),
		KafkaBrokers:             splitList(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:               envOrDefault("KAFKA_TOPIC", "shuttle.scans"),
		KafkaGroup:               envOrDefault("KAFKA_GROUP", "shuttle"),
		ShutdownTimeout:          15 * time.Second,
		StoreTimeout:             2 * time.Second,
		StoreBreakerFailures:     5,
		StoreBreakerCooldown:     30 * time.Second,
		ActiveSetLimit:           100,
		RefreshInterval:          10 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		ScanFeedReconnectDelay:   2 * time.Second,
	}
	var err error
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"STORE_TIMEOUT", &cfg.StoreTimeout},
		{"STORE_BREAKER_COOLDOWN", &cfg.StoreBreakerCooldown},
		{"REFRESH_INTERVAL", &cfg.RefreshInterval},
		{"SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"SCAN_FEED_RECONNECT_DELAY", &cfg.ScanFeedReconnectDelay},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	if cfg.StoreBreakerFailures, err = intFromEnv("STORE_BREAKER_FAILURES", cfg.StoreBreakerFailures); err != nil {
		return Config{}, err
	}
	if cfg.ActiveSetLimit, err = intFromEnv("ACTIVE_SET_LIMIT", cfg.ActiveSetLimit); err != nil {
		return Config{}, err
	}

	if cfg.RouteConfigPath == "" {
		cfg.Route = DefaultRoute()
	} else if cfg.Route, err = LoadRoute(cfg.RouteConfigPath); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Mode != tasks.DefaultMode && c.Mode != "custom" {
		return fmt.Errorf("SHUTTLE_MODE must be normal or custom, got %q", c.Mode)
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}
	if c.StoreBreakerFailures <= 0 {
		return errors.New("STORE_BREAKER_FAILURES must be positive")
	}
	if c.ActiveSetLimit <= 0 {
		return errors.New("ACTIVE_SET_LIMIT must be positive")
	}
	if c.RefreshInterval < time.Second {
		return errors.New("REFRESH_INTERVAL must be at least 1s")
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return errors.New("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch c.ScanFeedMode {
	case FeedOff:
	case FeedWebsocket:
		if c.ScanFeedWSURL == "" {
			return errors.New("SCAN_FEED_WS_URL is required when SCAN_FEED_MODE=websocket")
		}
	case FeedKafka:
		if len(c.KafkaBrokers) == 0 || strings.TrimSpace(c.KafkaTopic) == "" {
			return errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required when SCAN_FEED_MODE=kafka")
		}
	default:
		return fmt.Errorf("invalid SCAN_FEED_MODE: %q (expected off|websocket|kafka)", c.ScanFeedMode)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

// RouteConfig is the loop the shuttle follows and the stop directory.
type RouteConfig struct {
	Path               route.Path
	FallbackSupplyStop string
	Stops              []tasks.Stop
}

type routeFile struct {
	Route              []string        `yaml:"route"`
	FallbackSupplyStop string          `yaml:"fallback_supply_stop"`
	Stops              []routeFileStop `yaml:"stops"`
}

type routeFileStop struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

// DefaultRoute is the example loop used when no route file is configured.
func DefaultRoute() RouteConfig {
	cfg, err := ParseRoute([]byte(`
route: ["4", "5", "6", "7", "1", "2", "3"]
fallback_supply_stop: "7"
stops:
  - {id: "4", role: supply}
  - {id: "5", role: supply}
  - {id: "6", role: supply}
  - {id: "7", role: supply}
  - {id: "1", role: delivery}
  - {id: "2", role: delivery}
  - {id: "3", role: delivery}
`))
	if err != nil {
		panic(err)
	}
	return cfg
}

func LoadRoute(path string) (RouteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RouteConfig{}, fmt.Errorf("read route file: %w", err)
	}
	cfg, err := ParseRoute(data)
	if err != nil {
		return RouteConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseRoute decodes and validates a route document. Route stops missing
// from the stops list get role both and their id as name.
func ParseRoute(data []byte) (RouteConfig, error) {
	var doc routeFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return RouteConfig{}, fmt.Errorf("parse route file: %w", err)
	}
	path, err := route.NewPath(doc.Route)
	if err != nil {
		return RouteConfig{}, err
	}

	cfg := RouteConfig{
		Path:               path,
		FallbackSupplyStop: strings.TrimSpace(doc.FallbackSupplyStop),
	}
	if cfg.FallbackSupplyStop != "" && !path.Contains(cfg.FallbackSupplyStop) {
		return RouteConfig{}, fmt.Errorf("fallback_supply_stop %q is not on the route", cfg.FallbackSupplyStop)
	}

	seen := make(map[string]bool, len(doc.Stops))
	for _, s := range doc.Stops {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return RouteConfig{}, errors.New("stop with empty id")
		}
		if seen[id] {
			return RouteConfig{}, fmt.Errorf("duplicate stop %q", id)
		}
		seen[id] = true
		role, err := tasks.ParseRole(s.Role)
		if err != nil {
			return RouteConfig{}, fmt.Errorf("stop %q: %w", id, err)
		}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = id
		}
		cfg.Stops = append(cfg.Stops, tasks.Stop{ID: id, Name: name, Role: role})
	}
	for _, id := range path.Stops() {
		if !seen[id] {
			cfg.Stops = append(cfg.Stops, tasks.Stop{ID: id, Name: id, Role: tasks.RoleBoth})
		}
	}
	return cfg, nil
}
