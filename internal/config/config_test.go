package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./var/denis_events.db", cfg.EventsDBPath)
	assert.Equal(t, "./var/denis_gml.db", cfg.GMLDBPath)
	assert.False(t, cfg.GraphEnabled)
	assert.True(t, cfg.GuardrailsEnabled)
	assert.Equal(t, BypassModeDrop, cfg.FrontdoorBypassMode)
	assert.Equal(t, 2000, cfg.MaxStrLenEvent)
	assert.Equal(t, 512, cfg.MaxStrLenGraph)
	assert.Equal(t, 1200*time.Millisecond, cfg.GraphWriteTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.GraphReadTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.GraphConnectTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GRAPH_ENABLED", "1")
	t.Setenv("NEO4J_URI", "bolt://graph:7687")
	t.Setenv("PERSONA_FRONTDOOR_ENFORCE", "true")
	t.Setenv("PERSONA_FRONTDOOR_BYPASS_MODE", "raise")
	t.Setenv("MAX_STR_LEN_GRAPH", "256")
	t.Setenv("DENIS_GRAPH_WRITE_TIMEOUT_S", "2.5")
	t.Setenv("DENIS_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DENY_KEYS_EVENT", "prompt,secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.GraphEnabled)
	assert.True(t, cfg.FrontdoorEnforce)
	assert.Equal(t, BypassModeRaise, cfg.FrontdoorBypassMode)
	assert.Equal(t, 256, cfg.MaxStrLenGraph)
	assert.Equal(t, 2500*time.Millisecond, cfg.GraphWriteTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, []string{"prompt", "secret"}, cfg.DenyKeysEvent)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("GRAPH_ENABLED", "maybe")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateBypassMode(t *testing.T) {
	t.Setenv("PERSONA_FRONTDOOR_BYPASS_MODE", "panic")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERSONA_FRONTDOOR_BYPASS_MODE")
}
