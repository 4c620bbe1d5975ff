package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/shuttle/internal/tasks"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.Mode != tasks.DefaultMode {
		t.Fatalf("Mode = %q, want %q", cfg.Mode, tasks.DefaultMode)
	}
	if cfg.ScanFeedMode != FeedOff {
		t.Fatalf("ScanFeedMode = %q, want off", cfg.ScanFeedMode)
	}
	assert.Equal(t, 10*time.Second, cfg.RefreshInterval)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"4", "5", "6", "7", "1", "2", "3"}, cfg.Route.Path.Stops())
	assert.Equal(t, "7", cfg.Route.FallbackSupplyStop)
	assert.Len(t, cfg.Route.Stops, 7)
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("SHUTTLE_MODE", " Custom ")
	t.Setenv("STORE_TIMEOUT", "500ms")
	t.Setenv("ACTIVE_SET_LIMIT", "25")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("SCAN_FEED_MODE", "kafka")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.BindAddr)
	assert.Equal(t, "custom", cfg.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 25, cfg.ActiveSetLimit)
	assert.True(t, cfg.AllowAnyOrigin)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration":      {"STORE_TIMEOUT": "soon"},
		"bad int":           {"ACTIVE_SET_LIMIT": "many"},
		"bad bool":          {"APP_ALLOW_ANY_ORIGIN": "maybe"},
		"short refresh":     {"REFRESH_INTERVAL": "100ms"},
		"short session":     {"SESSION_INACTIVITY_TIMEOUT": "1s"},
		"unknown mode":      {"SHUTTLE_MODE": "turbo"},
		"unknown feed":      {"SCAN_FEED_MODE": "carrier-pigeon"},
		"websocket no url":  {"SCAN_FEED_MODE": "websocket"},
		"missing route":     {"ROUTE_CONFIG_PATH": "/does/not/exist.yaml"},
		"zero breaker trip": {"STORE_BREAKER_FAILURES": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("Load() expected error")
			}
		})
	}
}

func TestLoadRouteFile(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "route.yaml")
	doc := `
route: ["A", "B", "C"]
fallback_supply_stop: "A"
stops:
  - {id: "A", name: "Store A", role: supply}
  - {id: "B", name: "Workstation B", role: Delivery}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	t.Setenv("ROUTE_CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, cfg.Route.Path.Stops())
	assert.Equal(t, []tasks.Stop{
		{ID: "A", Name: "Store A", Role: tasks.RoleSupply},
		{ID: "B", Name: "Workstation B", Role: tasks.RoleDelivery},
		{ID: "C", Name: "C", Role: tasks.RoleBoth},
	}, cfg.Route.Stops)
}

func TestParseRouteValidation(t *testing.T) {
	cases := map[string]string{
		"empty route":       `route: []`,
		"duplicate stop":    `route: ["A", "A"]`,
		"fallback off loop": "route: [\"A\"]\nfallback_supply_stop: \"Z\"",
		"bad role":          "route: [\"A\"]\nstops:\n  - {id: \"A\", role: warehouse}",
		"duplicate entry":   "route: [\"A\"]\nstops:\n  - {id: \"A\"}\n  - {id: \"A\"}",
		"not yaml":          `route: [`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRoute([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_LOCK_FILE",
		"DATABASE_URL",
		"STORE_TIMEOUT",
		"STORE_BREAKER_FAILURES",
		"STORE_BREAKER_COOLDOWN",
		"SHUTTLE_MODE",
		"ROUTE_CONFIG_PATH",
		"SHELF_LAYOUT_DIR",
		"ACTIVE_SET_LIMIT",
		"REFRESH_INTERVAL",
		"SESSION_INACTIVITY_TIMEOUT",
		"SCAN_FEED_MODE",
		"SCAN_FEED_WS_URL",
		"SCAN_FEED_RECONNECT_DELAY",
		"KAFKA_BROKERS",
		"KAFKA_TOPIC",
		"KAFKA_GROUP",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
