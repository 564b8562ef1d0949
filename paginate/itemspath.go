package paginate

import (
	"strconv"
	"strings"
)

// itemsLocator is a parsed dotted/bracket path into a response envelope,
// e.g. "$.entities", "results", "data.items[0].rows".
type itemsLocator []segment

type segment struct {
	key   string
	index int
	isIdx bool
}

func parseLocator(path string) itemsLocator {
	path = strings.TrimPrefix(strings.TrimSpace(path), "$.")
	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return nil
	}
	var segs itemsLocator
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.Index(part, "[")
			if open < 0 {
				if part != "" {
					segs = append(segs, segment{key: part})
				}
				break
			}
			if open > 0 {
				segs = append(segs, segment{key: part[:open]})
			}
			closeIdx := strings.Index(part, "]")
			if closeIdx < open {
				break
			}
			if n, err := strconv.Atoi(part[open+1 : closeIdx]); err == nil {
				segs = append(segs, segment{index: n, isIdx: true})
			}
			part = part[closeIdx+1:]
		}
	}
	return segs
}

func (l itemsLocator) lookup(v any) (any, bool) {
	cur := v
	for _, seg := range l {
		if seg.isIdx {
			arr, ok := cur.([]any)
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// extractItems pulls the item array out of one response envelope. The
// declared locator wins; "entities" and "results" are documented fallbacks.
// The first-array-property fallback only applies when the caller opted in.
func extractItems(envelope any, locator string, firstArrayFallback bool) ([]any, bool) {
	if locator != "" {
		if v, ok := parseLocator(locator).lookup(envelope); ok {
			if arr, isArr := v.([]any); isArr {
				return arr, true
			}
		}
	}
	m, ok := envelope.(map[string]any)
	if !ok {
		return nil, false
	}
	for _, name := range []string{"entities", "results"} {
		if arr, isArr := m[name].([]any); isArr {
			return arr, true
		}
	}
	if firstArrayFallback {
		// Deterministic pick: lexically first key holding an array.
		var bestKey string
		var best []any
		for k, v := range m {
			if arr, isArr := v.([]any); isArr {
				if bestKey == "" || k < bestKey {
					bestKey, best = k, arr
				}
			}
		}
		if bestKey != "" {
			return best, true
		}
	}
	return nil, false
}

// envString reads a string-valued envelope field.
func envString(envelope any, key string) (string, bool) {
	m, ok := envelope.(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok && s != ""
}

// envNumber reads a numeric envelope field.
func envNumber(envelope any, key string) (float64, bool) {
	m, ok := envelope.(map[string]any)
	if !ok {
		return 0, false
	}
	n, ok := m[key].(float64)
	return n, ok
}
