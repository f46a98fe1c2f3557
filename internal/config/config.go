// Package config loads server configuration from environment variables.
//
// Every variable is optional:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - DATABASE_URL: PostgreSQL connection string. When set, regions are
//     persisted and region changes are followed through LISTEN/NOTIFY.
//   - WORLD_SEED_FILE: YAML file describing flags, dimensions and regions.
//   - TICK_INTERVAL: duration of one host tick (default "50ms", > 0).
//   - LIVENESS_SWEEP_TICKS: ticks between liveness sweeps (default "40", > 0).
//   - DETECTOR_STRATEGY: "auto" or "snapshot" (default "auto").
//   - REGION_FLAGS: flags registered by the server, as "name:type,...".
//   - OPERATOR_TOKENS: tokens allowed to mutate the world, as
//     "id:bcrypt-hash,...". Without tokens the mutating endpoints are off.
//   - REQUIRE_READ_AUTH: when true, reads (HTTP /v1 and gRPC) need an
//     operator token too (default "false"). Requires OPERATOR_TOKENS.
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per IP (default "10").
//   - EVENT_RESYNC_INTERVAL: how often region events are polled besides
//     LISTEN/NOTIFY (default "30s", "0" disables polling).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", > 0).
//   - STREAM_HEARTBEAT_INTERVAL: keep-alive interval of value streams
//     (default "15s", > 0).
//
// The operator portal is off unless ADMIN_HOSTNAME is set:
//   - ADMIN_HOSTNAME: tailnet hostname the portal joins as.
//   - TS_AUTH_KEY: Tailscale auth key used to join the tailnet.
//   - TS_STATE_DIR: tsnet state directory (default "tsnet-state").
//   - SESSION_SECRET: key for portal session tokens, at least 32 characters.
//   - ADMIN_USERNAME: portal login name (default "admin").
//   - ADMIN_PASSWORD_HASH: argon2id PHC hash of the portal password, as
//     printed by cmd/adminhash.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/regionflagz/internal/core"
)

const (
	defaultHTTPAddr                      = ":8080"
	defaultGRPCAddr                      = ":9090"
	defaultTickInterval                  = 50 * time.Millisecond
	defaultLivenessSweepTicks            = 40
	defaultAuthRateLimit                 = 10
	defaultMaxJSONBodySize         int64 = 1 << 20 // 1MB
	defaultStreamHeartbeatInterval       = 15 * time.Second
	defaultEventResyncInterval           = 30 * time.Second
	defaultTSStateDir                    = "tsnet-state"
	defaultAdminUsername                 = "admin"
	minSessionSecretLength               = 32

	StrategyAuto     = "auto"
	StrategySnapshot = "snapshot"
)

// FlagDecl declares a region flag the server registers on its own behalf.
type FlagDecl struct {
	Name string
	Type core.Type
}

// OperatorToken is an accepted bearer token, stored as a bcrypt hash.
type OperatorToken struct {
	ID   string
	Hash string
}

// Config holds the runtime configuration for the regionflagz server.
type Config struct {
	HTTPAddr                string
	GRPCAddr                string
	LogLevel                string
	DatabaseURL             string
	WorldSeedFile           string
	TickInterval            time.Duration
	LivenessSweepTicks      int
	DetectorStrategy        string
	RegionFlags             []FlagDecl
	OperatorTokens          []OperatorToken
	RequireReadAuth         bool
	AuthRateLimit           int
	EventResyncInterval     time.Duration
	MaxJSONBodySize         int64
	StreamHeartbeatInterval time.Duration

	AdminHostname     string
	TSAuthKey         string
	TSStateDir        string
	SessionSecret     string
	AdminUsername     string
	AdminPasswordHash string
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if a value fails validation.
func Load() (Config, error) {
	tickInterval, err := positiveDuration("TICK_INTERVAL", defaultTickInterval)
	if err != nil {
		return Config{}, err
	}

	livenessSweepTicks, err := positiveInt("LIVENESS_SWEEP_TICKS", defaultLivenessSweepTicks)
	if err != nil {
		return Config{}, err
	}

	authRateLimit, err := positiveInt("AUTH_RATE_LIMIT", defaultAuthRateLimit)
	if err != nil {
		return Config{}, err
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	heartbeat, err := positiveDuration("STREAM_HEARTBEAT_INTERVAL", defaultStreamHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}

	strategy := strings.ToLower(envOrDefault("DETECTOR_STRATEGY", StrategyAuto))
	if strategy != StrategyAuto && strategy != StrategySnapshot {
		return Config{}, fmt.Errorf("DETECTOR_STRATEGY must be %q or %q", StrategyAuto, StrategySnapshot)
	}

	eventResync := defaultEventResyncInterval
	if v := strings.TrimSpace(os.Getenv("EVENT_RESYNC_INTERVAL")); v != "" {
		eventResync, err = time.ParseDuration(v)
		if err != nil || eventResync < 0 {
			return Config{}, errors.New("EVENT_RESYNC_INTERVAL must be a non-negative duration")
		}
	}

	regionFlags, err := ParseRegionFlags(os.Getenv("REGION_FLAGS"))
	if err != nil {
		return Config{}, fmt.Errorf("parse REGION_FLAGS: %w", err)
	}

	operatorTokens, err := ParseOperatorTokens(os.Getenv("OPERATOR_TOKENS"))
	if err != nil {
		return Config{}, fmt.Errorf("parse OPERATOR_TOKENS: %w", err)
	}

	requireReadAuth := false
	if v := strings.TrimSpace(os.Getenv("REQUIRE_READ_AUTH")); v != "" {
		requireReadAuth, err = strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse REQUIRE_READ_AUTH: %w", err)
		}
	}
	if requireReadAuth && len(operatorTokens) == 0 {
		return Config{}, errors.New("REQUIRE_READ_AUTH is set but OPERATOR_TOKENS is empty")
	}

	// Admin portal
	adminHostname := strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME"))
	sessionSecret := strings.TrimSpace(os.Getenv("SESSION_SECRET"))
	adminPasswordHash := strings.TrimSpace(os.Getenv("ADMIN_PASSWORD_HASH"))
	if adminHostname != "" {
		if sessionSecret == "" {
			return Config{}, errors.New("SESSION_SECRET is required when ADMIN_HOSTNAME is set")
		}
		if len(sessionSecret) < minSessionSecretLength {
			return Config{}, fmt.Errorf("SESSION_SECRET must be at least %d characters when ADMIN_HOSTNAME is set", minSessionSecretLength)
		}
		if !strings.HasPrefix(adminPasswordHash, "$argon2id$") {
			return Config{}, errors.New("ADMIN_PASSWORD_HASH must be an argon2id hash when ADMIN_HOSTNAME is set")
		}
	}

	return Config{
		HTTPAddr:                envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:                envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:                envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:             strings.TrimSpace(os.Getenv("DATABASE_URL")),
		WorldSeedFile:           strings.TrimSpace(os.Getenv("WORLD_SEED_FILE")),
		TickInterval:            tickInterval,
		LivenessSweepTicks:      livenessSweepTicks,
		DetectorStrategy:        strategy,
		RegionFlags:             regionFlags,
		OperatorTokens:          operatorTokens,
		RequireReadAuth:         requireReadAuth,
		AuthRateLimit:           authRateLimit,
		EventResyncInterval:     eventResync,
		MaxJSONBodySize:         maxJSONBodySize,
		StreamHeartbeatInterval: heartbeat,
		AdminHostname:           adminHostname,
		TSAuthKey:               os.Getenv("TS_AUTH_KEY"),
		TSStateDir:              envOrDefault("TS_STATE_DIR", defaultTSStateDir),
		SessionSecret:           sessionSecret,
		AdminUsername:           envOrDefault("ADMIN_USERNAME", defaultAdminUsername),
		AdminPasswordHash:       adminPasswordHash,
	}, nil
}

// ParseRegionFlags parses "name:type" pairs separated by commas. Blank entries
// are skipped; duplicate names are rejected.
func ParseRegionFlags(raw string) ([]FlagDecl, error) {
	var decls []FlagDecl
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, typ, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("flag %q must look like name:type", entry)
		}
		parsed, err := core.ParseType(typ)
		if err != nil {
			return nil, fmt.Errorf("flag %q: %w", name, err)
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("flag %q declared twice", name)
		}
		seen[key] = struct{}{}
		decls = append(decls, FlagDecl{Name: name, Type: parsed})
	}
	return decls, nil
}

// ParseOperatorTokens parses "id:hash" pairs separated by commas.
func ParseOperatorTokens(raw string) ([]OperatorToken, error) {
	var tokens []OperatorToken
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, hash, ok := strings.Cut(entry, ":")
		id, hash = strings.TrimSpace(id), strings.TrimSpace(hash)
		if !ok || id == "" || hash == "" {
			return nil, errors.New("operator tokens must look like id:bcrypt-hash")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("operator token %q declared twice", id)
		}
		seen[id] = struct{}{}
		tokens = append(tokens, OperatorToken{ID: id, Hash: hash})
	}
	return tokens, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
