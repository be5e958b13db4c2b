// Package config loads the closed set of environment variables the event bus
// and graph materializer consume. Every knob gets a typed field with a
// default; malformed values produce a validation error at load time instead of
// surprising behavior later.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration. Zero values are never used
// directly; Load applies defaults before validation.
type Config struct {
	// EventsDBPath is the SQLite file backing the denis_events table.
	EventsDBPath string
	// GMLDBPath is the SQLite file backing the gml_mutations dedupe table.
	GMLDBPath string

	// GraphEnabled gates every graph write; when false all mutations are
	// no-ops and events pass through unharmed.
	GraphEnabled  bool
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// GraphWriteTimeout bounds a single graph write transaction.
	GraphWriteTimeout time.Duration
	// GraphReadTimeout bounds a single graph read transaction.
	GraphReadTimeout time.Duration
	// GraphConnectTimeout bounds driver connection establishment.
	GraphConnectTimeout time.Duration

	// MaxStrLenEvent / MaxListLenEvent cap event payload values.
	MaxStrLenEvent  int
	MaxListLenEvent int
	// MaxStrLenGraph / MaxListLenGraph cap graph property values.
	MaxStrLenGraph  int
	MaxListLenGraph int

	// DenyKeysEvent / DenyKeysGraph override the sanitizer deny lists.
	// Empty means the built-in defaults.
	DenyKeysEvent []string
	DenyKeysGraph []string

	// GuardrailsEnabled, when false, disables the frontdoor's event-payload
	// sanitizer (dev only). Graph property sanitization always runs.
	GuardrailsEnabled bool

	// FrontdoorEnforce requires Emit callers to hold a persona emitter
	// context; FrontdoorBypassMode picks raise (dev/test) or drop (prod).
	FrontdoorEnforce    bool
	FrontdoorBypassMode string

	// RateLimitPerMin bounds requests per client per minute on the HTTP
	// surface. Zero disables rate limiting.
	RateLimitPerMin int
	// CORSOrigins lists allowed origins for the HTTP surface.
	CORSOrigins []string
	// APIBearerToken, when set, is required on every HTTP request.
	APIBearerToken string

	// VoiceEnabled (PIPECAT_ENABLED) feeds the ConsciousnessState
	// voice_mode derivation.
	VoiceEnabled bool
}

// Bypass modes for FrontdoorBypassMode.
const (
	BypassModeRaise = "raise"
	BypassModeDrop  = "drop"
)

// Load reads the closed environment variable set plus PIPECAT_ENABLED,
// applies defaults, and validates. It reads no other variables.
func Load() (Config, error) {
	cfg := Config{
		EventsDBPath:        envStr("DENIS_EVENTS_DB_PATH", "./var/denis_events.db"),
		GMLDBPath:           envStr("DENIS_GML_DB_PATH", "./var/denis_gml.db"),
		Neo4jURI:            envStr("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:           envStr("NEO4J_USER", "neo4j"),
		Neo4jPassword:       os.Getenv("NEO4J_PASSWORD"),
		FrontdoorBypassMode: envStr("PERSONA_FRONTDOOR_BYPASS_MODE", BypassModeDrop),
		APIBearerToken:      os.Getenv("DENIS_API_BEARER_TOKEN"),
		CORSOrigins:         envList("DENIS_CORS_ORIGINS"),
		DenyKeysEvent:       envList("DENY_KEYS_EVENT"),
		DenyKeysGraph:       envList("DENY_KEYS_GRAPH"),
	}

	var err error
	if cfg.GraphEnabled, err = envBool("GRAPH_ENABLED", false); err != nil {
		return Config{}, err
	}
	if cfg.GuardrailsEnabled, err = envBool("GUARDRAILS_ENABLED", true); err != nil {
		return Config{}, err
	}
	if cfg.FrontdoorEnforce, err = envBool("PERSONA_FRONTDOOR_ENFORCE", false); err != nil {
		return Config{}, err
	}
	if cfg.VoiceEnabled, err = envBool("PIPECAT_ENABLED", false); err != nil {
		return Config{}, err
	}

	if cfg.GraphWriteTimeout, err = envSeconds("DENIS_GRAPH_WRITE_TIMEOUT_S", 1200*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.GraphReadTimeout, err = envSeconds("DENIS_GRAPH_READ_TIMEOUT_S", 1500*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.GraphConnectTimeout, err = envSeconds("DENIS_GRAPH_WRITE_CONNECT_TIMEOUT_S", 500*time.Millisecond); err != nil {
		return Config{}, err
	}

	if cfg.MaxStrLenEvent, err = envInt("MAX_STR_LEN_EVENT", 2000); err != nil {
		return Config{}, err
	}
	if cfg.MaxListLenEvent, err = envInt("MAX_LIST_LEN_EVENT", 50); err != nil {
		return Config{}, err
	}
	if cfg.MaxStrLenGraph, err = envInt("MAX_STR_LEN_GRAPH", 512); err != nil {
		return Config{}, err
	}
	if cfg.MaxListLenGraph, err = envInt("MAX_LIST_LEN_GRAPH", 50); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPerMin, err = envInt("DENIS_RATE_LIMIT_PER_MIN", 0); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.FrontdoorBypassMode != BypassModeRaise && c.FrontdoorBypassMode != BypassModeDrop {
		return fmt.Errorf("config: PERSONA_FRONTDOOR_BYPASS_MODE must be %q or %q, got %q",
			BypassModeRaise, BypassModeDrop, c.FrontdoorBypassMode)
	}
	if c.GraphEnabled && c.Neo4jURI == "" {
		return fmt.Errorf("config: NEO4J_URI is required when GRAPH_ENABLED is set")
	}
	if c.MaxStrLenEvent <= 0 || c.MaxStrLenGraph <= 0 {
		return fmt.Errorf("config: string caps must be positive")
	}
	if c.MaxListLenEvent <= 0 || c.MaxListLenGraph <= 0 {
		return fmt.Errorf("config: list caps must be positive")
	}
	return nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch raw {
	case "":
		return def, nil
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("config: %s must be a boolean, got %q", key, raw)
	}
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, raw)
	}
	return v, nil
}

// envSeconds parses a float-valued seconds knob (the timeout variables carry
// an _S suffix and sub-second defaults).
func envSeconds(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("config: %s must be a non-negative number of seconds, got %q", key, raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
