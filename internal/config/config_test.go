package config

import (
	"strings"
	"testing"
	"time"

	"github.com/matt-riley/regionflagz/internal/core"
)

var configKeys = []string{
	"HTTP_ADDR", "GRPC_ADDR", "LOG_LEVEL", "DATABASE_URL", "WORLD_SEED_FILE",
	"TICK_INTERVAL", "LIVENESS_SWEEP_TICKS", "DETECTOR_STRATEGY", "REGION_FLAGS",
	"OPERATOR_TOKENS", "AUTH_RATE_LIMIT", "MAX_JSON_BODY_SIZE", "STREAM_HEARTBEAT_INTERVAL",
	"REQUIRE_READ_AUTH", "EVENT_RESYNC_INTERVAL",
	"ADMIN_HOSTNAME", "TS_AUTH_KEY", "TS_STATE_DIR", "SESSION_SECRET",
	"ADMIN_USERNAME", "ADMIN_PASSWORD_HASH",
}

const testAdminHash = "$argon2id$v=19$m=65536,t=4,p=4$c2FsdHNhbHRzYWx0$a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2V5"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want :9090", cfg.GRPCAddr)
	}
	if cfg.TickInterval != 50*time.Millisecond {
		t.Errorf("TickInterval = %v, want 50ms", cfg.TickInterval)
	}
	if cfg.LivenessSweepTicks != 40 {
		t.Errorf("LivenessSweepTicks = %d, want 40", cfg.LivenessSweepTicks)
	}
	if cfg.DetectorStrategy != StrategyAuto {
		t.Errorf("DetectorStrategy = %q, want %q", cfg.DetectorStrategy, StrategyAuto)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
	if cfg.MaxJSONBodySize != 1<<20 {
		t.Errorf("MaxJSONBodySize = %d, want %d", cfg.MaxJSONBodySize, 1<<20)
	}
	if cfg.StreamHeartbeatInterval != 15*time.Second {
		t.Errorf("StreamHeartbeatInterval = %v, want 15s", cfg.StreamHeartbeatInterval)
	}
	if cfg.EventResyncInterval != 30*time.Second {
		t.Errorf("EventResyncInterval = %v, want 30s", cfg.EventResyncInterval)
	}
	if cfg.RequireReadAuth {
		t.Error("RequireReadAuth = true, want false")
	}
	if cfg.DatabaseURL != "" || len(cfg.RegionFlags) != 0 || len(cfg.OperatorTokens) != 0 {
		t.Errorf("Load() = %+v, want no database, flags or tokens", cfg)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", " postgres://localhost/test ")
	t.Setenv("TICK_INTERVAL", "100ms")
	t.Setenv("LIVENESS_SWEEP_TICKS", "10")
	t.Setenv("DETECTOR_STRATEGY", "Snapshot")
	t.Setenv("REGION_FLAGS", "pvp:state, height:integer")
	t.Setenv("OPERATOR_TOKENS", "ops:$2a$10$abcdefghijklmnopqrstuv")
	t.Setenv("REQUIRE_READ_AUTH", "true")
	t.Setenv("EVENT_RESYNC_INTERVAL", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/test" {
		t.Errorf("DatabaseURL = %q, want trimmed value", cfg.DatabaseURL)
	}
	if cfg.TickInterval != 100*time.Millisecond {
		t.Errorf("TickInterval = %v, want 100ms", cfg.TickInterval)
	}
	if cfg.LivenessSweepTicks != 10 {
		t.Errorf("LivenessSweepTicks = %d, want 10", cfg.LivenessSweepTicks)
	}
	if cfg.DetectorStrategy != StrategySnapshot {
		t.Errorf("DetectorStrategy = %q, want %q", cfg.DetectorStrategy, StrategySnapshot)
	}
	if len(cfg.RegionFlags) != 2 || cfg.RegionFlags[1] != (FlagDecl{Name: "height", Type: core.TypeInteger}) {
		t.Errorf("RegionFlags = %+v, want pvp:state and height:integer", cfg.RegionFlags)
	}
	if len(cfg.OperatorTokens) != 1 || cfg.OperatorTokens[0].ID != "ops" {
		t.Errorf("OperatorTokens = %+v, want one token with id ops", cfg.OperatorTokens)
	}
	if !cfg.RequireReadAuth {
		t.Error("RequireReadAuth = false, want true")
	}
	if cfg.EventResyncInterval != 0 {
		t.Errorf("EventResyncInterval = %v, want polling disabled", cfg.EventResyncInterval)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"TICK_INTERVAL", "not-a-duration"},
		{"TICK_INTERVAL", "0s"},
		{"TICK_INTERVAL", "-1s"},
		{"LIVENESS_SWEEP_TICKS", "0"},
		{"LIVENESS_SWEEP_TICKS", "many"},
		{"AUTH_RATE_LIMIT", "-3"},
		{"MAX_JSON_BODY_SIZE", "0"},
		{"MAX_JSON_BODY_SIZE", "abc"},
		{"STREAM_HEARTBEAT_INTERVAL", "0s"},
		{"DETECTOR_STRATEGY", "reflection"},
		{"REGION_FLAGS", "pvp"},
		{"REGION_FLAGS", "pvp:list"},
		{"REGION_FLAGS", "pvp:state,PVP:boolean"},
		{"OPERATOR_TOKENS", "no-hash"},
		{"OPERATOR_TOKENS", "a:h1,a:h2"},
		{"REQUIRE_READ_AUTH", "yes please"},
		{"REQUIRE_READ_AUTH", "true"},
		{"EVENT_RESYNC_INTERVAL", "-5s"},
		{"EVENT_RESYNC_INTERVAL", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want non-nil", tt.key, tt.value)
			}
		})
	}
}

func TestParseRegionFlags_SkipsBlankEntries(t *testing.T) {
	decls, err := ParseRegionFlags(" , fly:bool ,, greeting:string,")
	if err != nil {
		t.Fatalf("ParseRegionFlags() error = %v", err)
	}
	want := []FlagDecl{{Name: "fly", Type: core.TypeBoolean}, {Name: "greeting", Type: core.TypeString}}
	if len(decls) != len(want) {
		t.Fatalf("ParseRegionFlags() = %+v, want %+v", decls, want)
	}
	for i := range want {
		if decls[i] != want[i] {
			t.Fatalf("ParseRegionFlags()[%d] = %+v, want %+v", i, decls[i], want[i])
		}
	}
}

func TestLoad_AdminPortalOffByDefault(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AdminHostname != "" {
		t.Errorf("AdminHostname = %q, want empty", cfg.AdminHostname)
	}
	if cfg.TSStateDir != "tsnet-state" {
		t.Errorf("TSStateDir = %q, want tsnet-state", cfg.TSStateDir)
	}
	if cfg.AdminUsername != "admin" {
		t.Errorf("AdminUsername = %q, want admin", cfg.AdminUsername)
	}
}

func TestLoad_AdminPortal(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_HOSTNAME", "regionflagz-admin")
	t.Setenv("TS_AUTH_KEY", "tskey-auth-abc")
	t.Setenv("TS_STATE_DIR", "/var/lib/regionflagz/tsnet")
	t.Setenv("SESSION_SECRET", strings.Repeat("s", 32))
	t.Setenv("ADMIN_USERNAME", "ops")
	t.Setenv("ADMIN_PASSWORD_HASH", testAdminHash)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AdminHostname != "regionflagz-admin" || cfg.TSAuthKey != "tskey-auth-abc" {
		t.Errorf("admin = %q/%q", cfg.AdminHostname, cfg.TSAuthKey)
	}
	if cfg.TSStateDir != "/var/lib/regionflagz/tsnet" {
		t.Errorf("TSStateDir = %q", cfg.TSStateDir)
	}
	if cfg.AdminUsername != "ops" || cfg.AdminPasswordHash != testAdminHash {
		t.Errorf("credentials = %q/%q", cfg.AdminUsername, cfg.AdminPasswordHash)
	}
}

func TestLoad_AdminPortalValidation(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		hash   string
	}{
		{"missing secret", "", testAdminHash},
		{"short secret", "too-short", testAdminHash},
		{"missing hash", strings.Repeat("s", 32), ""},
		{"bcrypt hash", strings.Repeat("s", 32), "$2a$10$abcdefghijklmnopqrstuv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("ADMIN_HOSTNAME", "regionflagz-admin")
			t.Setenv("SESSION_SECRET", tt.secret)
			t.Setenv("ADMIN_PASSWORD_HASH", tt.hash)
			if _, err := Load(); err == nil {
				t.Fatal("Load() error = nil, want non-nil")
			}
		})
	}
}
