// Package config reads worker configuration from the environment once at
// startup. A .env file, if present, is loaded by main before Load runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for the tunables.
const (
	DefaultPollInterval    = 5 * time.Minute
	DefaultMaxJobsPerCycle = 5
	DefaultPort            = 3002
)

// EnvCreds is one environment's backing-store credentials.
type EnvCreds struct {
	URL            string
	ServiceRoleKey string
}

// Configured reports whether both values are present.
func (e EnvCreds) Configured() bool {
	return e.URL != "" && e.ServiceRoleKey != ""
}

// Config is the full worker configuration. Immutable after Load.
type Config struct {
	// Dev is required; Prod is optional and drained first when present.
	Dev  EnvCreds
	Prod EnvCreds

	OpenAIAPIKey     string
	ElevenLabsAPIKey string

	PollInterval    time.Duration
	MaxJobsPerCycle int
	Port            int
}

// Load reads the environment. It fails only on missing required values
// or unparseable tunables.
func Load() (*Config, error) {
	cfg := &Config{
		Dev: EnvCreds{
			URL:            firstEnv("SUPABASE_DEV_URL", "SUPABASE_URL"),
			ServiceRoleKey: firstEnv("SUPABASE_DEV_SERVICE_ROLE_KEY", "SUPABASE_SERVICE_ROLE_KEY"),
		},
		Prod: EnvCreds{
			URL:            os.Getenv("SUPABASE_PROD_URL"),
			ServiceRoleKey: os.Getenv("SUPABASE_PROD_SERVICE_ROLE_KEY"),
		},
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		ElevenLabsAPIKey: os.Getenv("ELEVENLABS_API_KEY"),
		PollInterval:     DefaultPollInterval,
		MaxJobsPerCycle:  DefaultMaxJobsPerCycle,
		Port:             DefaultPort,
	}

	if !cfg.Dev.Configured() {
		return nil, fmt.Errorf("config: SUPABASE_DEV_URL and SUPABASE_DEV_SERVICE_ROLE_KEY (or legacy SUPABASE_URL pair) are required")
	}
	if cfg.Prod.URL != "" && cfg.Prod.ServiceRoleKey == "" {
		return nil, fmt.Errorf("config: SUPABASE_PROD_URL is set but SUPABASE_PROD_SERVICE_ROLE_KEY is missing")
	}

	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("config: POLL_INTERVAL_MS %q is not a positive integer", v)
		}
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("MAX_JOBS_PER_CYCLE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: MAX_JOBS_PER_CYCLE %q is not a positive integer", v)
		}
		cfg.MaxJobsPerCycle = n
	}

	if v := firstEnv("WORKER_PORT", "PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("config: port %q is not a valid TCP port", v)
		}
		cfg.Port = port
	}

	return cfg, nil
}

// firstEnv returns the first non-empty variable from the given keys.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
