package guardrails

import "fmt"

// sanitize implements the event-payload pass: drop denied keys (unless
// allow-listed), redact secrets inside string values, and cap string/list
// sizes. It never panics; any unexpected value shape is coerced with fmt.Sprint
// rather than aborting the pass, preserving the fail-open contract.
func sanitize(payload map[string]any, opts Options, redact func(string) (string, bool)) Result {
	res := Result{Safe: make(map[string]any, len(payload))}
	defer func() {
		// Fail-open: if anything above panics (it should not), return a
		// shallow copy with zero violations rather than propagating.
		if r := recover(); r != nil {
			res = Result{Safe: shallowCopy(payload)}
		}
	}()

	for k, v := range payload {
		if isDenied(k, opts) && !isAllowed(k, opts) {
			res.DroppedKeys = append(res.DroppedKeys, k)
			res.Violations++
			continue
		}
		sv, truncated, redacted := sanitizeValue(v, opts, redact)
		if truncated {
			res.Truncated = append(res.Truncated, k)
			res.Violations++
		}
		if redacted {
			res.Violations++
		}
		res.Safe[k] = sv
	}
	return res
}

func sanitizeValue(v any, opts Options, redact func(string) (string, bool)) (out any, truncated, redacted bool) {
	switch val := v.(type) {
	case string:
		s := val
		if redact != nil {
			if r, did := redact(s); did {
				s = r
				redacted = true
			}
		}
		if opts.MaxStringLen > 0 && len(s) > opts.MaxStringLen {
			s = s[:opts.MaxStringLen]
			truncated = true
		}
		return s, truncated, redacted
	case []any:
		items := val
		if opts.MaxListLen > 0 && len(items) > opts.MaxListLen {
			items = items[:opts.MaxListLen]
			truncated = true
		}
		sanitized := make([]any, len(items))
		for i, item := range items {
			sv, t, r := sanitizeValue(item, opts, redact)
			sanitized[i] = sv
			truncated = truncated || t
			redacted = redacted || r
		}
		return sanitized, truncated, redacted
	case []string:
		// Typed string slices (e.g. a prior pass's _guardrails summary)
		// keep their type so re-sanitizing is an exact fixed point.
		items := val
		if opts.MaxListLen > 0 && len(items) > opts.MaxListLen {
			items = items[:opts.MaxListLen]
			truncated = true
		}
		sanitized := make([]string, len(items))
		for i, item := range items {
			s := item
			if redact != nil {
				if r, did := redact(s); did {
					s = r
					redacted = true
				}
			}
			if opts.MaxStringLen > 0 && len(s) > opts.MaxStringLen {
				s = s[:opts.MaxStringLen]
				truncated = true
			}
			sanitized[i] = s
		}
		return sanitized, truncated, redacted
	case []int:
		items := val
		if opts.MaxListLen > 0 && len(items) > opts.MaxListLen {
			items = items[:opts.MaxListLen]
			truncated = true
		}
		sanitized := make([]int, len(items))
		copy(sanitized, items)
		return sanitized, truncated, redacted
	case map[string]any:
		nested := make(map[string]any, len(val))
		for k, nv := range val {
			if isDenied(k, opts) && !isAllowed(k, opts) {
				truncated = true // counted as a violation by the caller via redacted/truncated flag
				continue
			}
			sv, t, r := sanitizeValue(nv, opts, redact)
			nested[k] = sv
			truncated = truncated || t
			redacted = redacted || r
		}
		return nested, truncated, redacted
	case nil, bool, int, int64, float64, float32:
		return val, false, false
	default:
		return fmt.Sprint(val), false, false
	}
}

// sanitizeGraphScalars implements the graph-property pass: every surviving
// value is coerced to a scalar or JSON-stringified aggregate. Oversized
// strings also get a "{key}__sha256"/"{key}__orig_len" companion pair.
func sanitizeGraphScalars(props map[string]any, opts Options) Result {
	res := Result{Safe: make(map[string]any, len(props))}
	defer func() {
		if r := recover(); r != nil {
			res = Result{Safe: shallowCopy(props)}
		}
	}()

	for k, v := range props {
		if isDenied(k, opts) && !isAllowed(k, opts) {
			res.DroppedKeys = append(res.DroppedKeys, k)
			res.Violations++
			continue
		}
		switch val := v.(type) {
		case string:
			s, did := redactString(val)
			if did {
				res.Violations++
			}
			if opts.MaxStringLen > 0 && len(s) > opts.MaxStringLen {
				res.Safe[k+"__sha256"] = sha256Hex(s)
				res.Safe[k+"__orig_len"] = len(s)
				s = s[:opts.MaxStringLen]
				res.Truncated = append(res.Truncated, k)
				res.Violations++
			}
			res.Safe[k] = s
		case nil, bool, int, int64, float64, float32:
			res.Safe[k] = val
		case []any:
			items := val
			if opts.MaxListLen > 0 && len(items) > opts.MaxListLen {
				items = items[:opts.MaxListLen]
				res.Truncated = append(res.Truncated, k)
				res.Violations++
			}
			res.Safe[k] = jsonStringify(items)
		case map[string]any:
			res.Safe[k] = jsonStringify(val)
		default:
			res.Safe[k] = jsonStringify(val)
		}
	}
	return res
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
