// Package guardrails provides pure, I/O-free sanitizers for event payloads
// and graph property dicts: payload-key allow/deny lists plus value
// redaction and size capping. Guardrails never fail: on any internal error
// the sanitizer falls back to a shallow copy of the input and reports zero
// violations (fail-open).
package guardrails

import (
	"encoding/json"
	"strconv"
	"strings"
)

type (
	// Options configures a sanitizer. The zero value applies no deny list
	// and no size caps; only AllowKeySuffixes falls back to
	// {"_sha256", "_len"}.
	Options struct {
		// DenyKeySubstrings are case-insensitive substrings; any payload key
		// containing one is dropped unless explicitly allow-listed.
		DenyKeySubstrings []string
		// AllowKeys are exact key names exempt from the deny list.
		AllowKeys []string
		// AllowKeySuffixes are key suffixes (e.g. "_sha256", "_len") exempt
		// from the deny list.
		AllowKeySuffixes []string
		// MaxStringLen caps string values; longer strings are truncated (or,
		// for graph props, also hashed/length-recorded).
		MaxStringLen int
		// MaxListLen caps list values.
		MaxListLen int
	}

	// Result summarizes what a sanitizer did to a payload or property dict.
	Result struct {
		// Safe is the sanitized payload/property map.
		Safe map[string]any
		// Violations counts denied keys, truncations, and redactions.
		Violations int
		// DroppedKeys lists keys removed by the deny list, in encounter order.
		DroppedKeys []string
		// Truncated lists keys whose string/list values were capped.
		Truncated []string
	}
)

// DefaultEventOptions is the event-payload policy: deny list, allow-list
// bypass, and a 2000-char / 50-item cap.
func DefaultEventOptions() Options {
	return Options{
		DenyKeySubstrings: defaultDenyKeySubstrings(),
		AllowKeys:         defaultAllowKeys(),
		AllowKeySuffixes:  []string{"_sha256", "_len"},
		MaxStringLen:      2000,
		MaxListLen:        50,
	}
}

// DefaultGraphOptions is the graph-property policy: the same deny list and
// allow-list bypass, but tighter string caps (512 chars).
func DefaultGraphOptions() Options {
	o := DefaultEventOptions()
	o.MaxStringLen = 512
	return o
}

func defaultDenyKeySubstrings() []string {
	return []string{
		"prompt", "html", "snippet", "content", "cookie",
		"authorization", "token", "api_key", "secret", "session",
	}
}

func defaultAllowKeys() []string {
	return []string{
		"content_sha256", "content_len", "query_sha256", "query_len",
		"prompt_sha256", "prompt_len", "args_sha256", "args_len",
		"result_sha256", "result_len", "hash_sha256", "after_hash",
		"idempotency_key", "chunk_id", "counts_json",
	}
}

// SanitizeEvent sanitizes an event payload per DefaultEventOptions, returning
// the safe payload plus a "_guardrails" summary key when violations > 0.
func SanitizeEvent(payload map[string]any) (safe map[string]any, violations int) {
	return SanitizeEventWithOptions(payload, DefaultEventOptions())
}

// SanitizeEventWithOptions sanitizes an event payload with custom Options.
func SanitizeEventWithOptions(payload map[string]any, opts Options) (map[string]any, int) {
	res := sanitize(payload, opts, redactString)
	if res.Violations > 0 {
		res.Safe["_guardrails"] = map[string]any{
			"violations":   res.Violations,
			"dropped_keys": capStringSlice(res.DroppedKeys, 20),
			"truncated":    capStringSlice(res.Truncated, 20),
		}
	}
	return res.Safe, res.Violations
}

// SanitizeGraphProps sanitizes a graph property dict per DefaultGraphOptions.
// Oversized strings are both truncated in place and recorded verbatim-length
// under "{key}__orig_len", with a content hash under "{key}__sha256" so
// callers can still detect distinct values without storing the long text.
func SanitizeGraphProps(props map[string]any) (safe map[string]any, violations int) {
	return SanitizeGraphPropsWithOptions(props, DefaultGraphOptions())
}

// SanitizeGraphPropsWithOptions sanitizes a graph property dict with custom
// Options, coercing every surviving value to a scalar (string/int/float/bool)
// or a JSON-stringified aggregate.
func SanitizeGraphPropsWithOptions(props map[string]any, opts Options) (map[string]any, int) {
	res := sanitizeGraphScalars(props, opts)
	if res.Violations > 0 {
		res.Safe["_guardrails_violations"] = res.Violations
		res.Safe["_guardrails_dropped_keys"] = capStringSlice(res.DroppedKeys, 20)
		res.Safe["_guardrails_truncated"] = capStringSlice(res.Truncated, 20)
	}
	return res.Safe, res.Violations
}

func capStringSlice(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func isAllowed(key string, opts Options) bool {
	lower := strings.ToLower(key)
	for _, s := range opts.MaxListLenAllowSuffixesOrDefault() {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	for _, k := range opts.AllowKeys {
		if lower == strings.ToLower(k) {
			return true
		}
	}
	return false
}

// MaxListLenAllowSuffixesOrDefault returns AllowKeySuffixes, defaulting to
// {"_sha256", "_len"} when unset, so zero-value Options still bypass hash/len
// companion keys correctly.
func (o Options) MaxListLenAllowSuffixesOrDefault() []string {
	if len(o.AllowKeySuffixes) > 0 {
		return o.AllowKeySuffixes
	}
	return []string{"_sha256", "_len"}
}

func isDenied(key string, opts Options) bool {
	lower := strings.ToLower(key)
	for _, sub := range opts.DenyKeySubstrings {
		if sub == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// jsonStringify renders v as JSON text for the graph-property aggregate path.
// On failure (should not happen for the scalar/list/map values this package
// handles) it returns the JSON string "unserializable" rather than failing
// the whole sanitize pass, per the fail-open contract.
func jsonStringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return strconv.Quote("unserializable")
	}
	return string(b)
}
