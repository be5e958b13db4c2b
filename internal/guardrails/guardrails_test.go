package guardrails_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis/internal/guardrails"
)

func TestSanitizeEvent_DropsDeniedKeys(t *testing.T) {
	payload := map[string]any{
		"authorization":  "Bearer abc123XYZ",
		"token":          "sk-1234567890ab",
		"content":        "secret",
		"ok":             true,
		"content_sha256": strings.Repeat("0", 64),
		"content_len":    6,
	}

	safe, violations := guardrails.SanitizeEvent(payload)

	require.GreaterOrEqual(t, violations, 3)
	assert.Equal(t, true, safe["ok"])
	assert.Equal(t, strings.Repeat("0", 64), safe["content_sha256"])
	assert.Equal(t, 6, safe["content_len"])
	assert.NotContains(t, safe, "authorization")
	assert.NotContains(t, safe, "token")
	assert.NotContains(t, safe, "content")

	summary, ok := safe["_guardrails"].(map[string]any)
	require.True(t, ok, "expected _guardrails summary when violations > 0")
	dropped, ok := summary["dropped_keys"].([]string)
	require.True(t, ok)
	assert.Contains(t, dropped, "authorization")
	assert.Contains(t, dropped, "token")
	assert.Contains(t, dropped, "content")
}

func TestSanitizeEvent_IsFixedPoint(t *testing.T) {
	payload := map[string]any{
		"authorization": "Bearer abc123XYZ",
		"note":          strings.Repeat("x", 3000),
	}

	once, _ := guardrails.SanitizeEvent(payload)
	twice, _ := guardrails.SanitizeEvent(once)

	assert.Equal(t, once["note"], twice["note"])
	assert.NotContains(t, twice, "authorization")
}

// TestSanitizeEvent_FixedPointIncludesSummary re-sanitizes a payload that
// already carries a _guardrails summary (with its []string members) and
// expects the exact same map back: the second pass has nothing to redact,
// drop, or coerce.
func TestSanitizeEvent_FixedPointIncludesSummary(t *testing.T) {
	payload := map[string]any{
		"authorization": "Bearer abc123XYZ",
		"token":         "sk-1234567890ab",
		"note":          strings.Repeat("x", 3000),
		"counts":        []int{1, 2, 3},
	}

	once, _ := guardrails.SanitizeEvent(payload)
	require.Contains(t, once, "_guardrails")

	twice, violations := guardrails.SanitizeEvent(once)
	assert.Zero(t, violations)
	assert.Equal(t, once, twice)
}

func TestSanitizeEvent_AllowListBypassesDenyList(t *testing.T) {
	payload := map[string]any{
		"prompt_sha256": strings.Repeat("a", 64),
		"prompt_len":    42,
	}

	safe, violations := guardrails.SanitizeEvent(payload)

	assert.Zero(t, violations)
	assert.Equal(t, payload["prompt_sha256"], safe["prompt_sha256"])
	assert.Equal(t, payload["prompt_len"], safe["prompt_len"])
}

func TestSanitizeGraphProps_CoercesAndCapsStrings(t *testing.T) {
	props := map[string]any{
		"name":  strings.Repeat("y", 600),
		"count": 3,
		"meta":  map[string]any{"a": 1},
	}

	safe, violations := guardrails.SanitizeGraphProps(props)

	require.Greater(t, violations, 0)
	name, ok := safe["name"].(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(name), 512)
	assert.Contains(t, safe, "name__sha256")
	assert.Contains(t, safe, "name__orig_len")
	assert.Equal(t, 3, safe["count"])

	meta, ok := safe["meta"].(string)
	require.True(t, ok, "nested map must be JSON-stringified")
	assert.Contains(t, meta, `"a":1`)
}

func TestSanitizeGraphProps_NoValueExceedsCap(t *testing.T) {
	props := map[string]any{"big": strings.Repeat("z", 10000)}
	safe, _ := guardrails.SanitizeGraphProps(props)
	s, ok := safe["big"].(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(s), 512)
}
