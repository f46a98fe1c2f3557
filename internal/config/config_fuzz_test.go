package config

import (
	"strings"
	"testing"
	"time"
)

func FuzzEnvOrDefault(f *testing.F) {
	f.Add("", ":8080")
	f.Add("  :9090  ", ":8080")

	f.Fuzz(func(t *testing.T, value, fallback string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		const key = "REGIONFLAGZ_TEST_ENV_OR_DEFAULT"
		t.Setenv(key, value)

		got := envOrDefault(key, fallback)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if got != fallback {
				t.Fatalf("envOrDefault() = %q, want fallback %q", got, fallback)
			}
			return
		}

		if got != trimmed {
			t.Fatalf("envOrDefault() = %q, want trimmed value %q", got, trimmed)
		}
	})
}

func FuzzLoadTickInterval(f *testing.F) {
	f.Add("")
	f.Add("50ms")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, tickInterval string) {
		if strings.ContainsRune(tickInterval, '\x00') {
			t.Skip()
		}

		clearEnv(t)
		t.Setenv("TICK_INTERVAL", tickInterval)

		cfg, err := Load()
		trimmed := strings.TrimSpace(tickInterval)
		if trimmed == "" {
			if err != nil {
				t.Fatalf("Load() error = %v, want nil for empty TICK_INTERVAL", err)
			}
			if cfg.TickInterval != defaultTickInterval {
				t.Fatalf("TickInterval = %s, want %s", cfg.TickInterval, defaultTickInterval)
			}
			return
		}

		parsed, parseErr := time.ParseDuration(trimmed)
		if parseErr != nil || parsed <= 0 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for TICK_INTERVAL=%q", tickInterval)
			}
			return
		}

		if err != nil {
			t.Fatalf("Load() error = %v, want nil for TICK_INTERVAL=%q", err, tickInterval)
		}
		if cfg.TickInterval != parsed {
			t.Fatalf("TickInterval = %s, want %s", cfg.TickInterval, parsed)
		}
	})
}

func FuzzParseRegionFlags(f *testing.F) {
	f.Add("pvp:state")
	f.Add("a:int,b:double")
	f.Add(",,:")
	f.Add("x:y:z")

	f.Fuzz(func(t *testing.T, raw string) {
		decls, err := ParseRegionFlags(raw)
		if err != nil {
			return
		}
		seen := make(map[string]bool)
		for _, d := range decls {
			if d.Name == "" || !d.Type.Valid() {
				t.Fatalf("ParseRegionFlags(%q) returned invalid declaration %+v", raw, d)
			}
			key := strings.ToLower(d.Name)
			if seen[key] {
				t.Fatalf("ParseRegionFlags(%q) returned %q twice", raw, d.Name)
			}
			seen[key] = true
		}
	})
}
