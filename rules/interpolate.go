package rules

import "regexp"

var tokenPattern = regexp.MustCompile(`\{([\w.]+)\}`)

// Interpolate returns a copy of params with every "{path}" token in string
// values (including strings nested in maps and lists) replaced by the
// stringified context value. Tokens that do not resolve are left as written.
func Interpolate(params map[string]any, evalCtx map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = interpolateValue(v, evalCtx)
	}
	return out
}

// InterpolateString replaces the tokens of a single string.
func InterpolateString(s string, evalCtx map[string]any) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := token[1 : len(token)-1]
		value, ok := ResolveField(evalCtx, path)
		if !ok {
			return token
		}
		return stringify(value)
	})
}

func interpolateValue(v any, evalCtx map[string]any) any {
	switch val := v.(type) {
	case string:
		return InterpolateString(val, evalCtx)
	case map[string]any:
		return Interpolate(val, evalCtx)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, evalCtx)
		}
		return out
	default:
		return v
	}
}

// tokenPaths lists the context paths referenced by tokens inside v.
func tokenPaths(v any) []string {
	var paths []string
	switch val := v.(type) {
	case string:
		for _, m := range tokenPattern.FindAllStringSubmatch(val, -1) {
			paths = append(paths, m[1])
		}
	case map[string]any:
		for _, item := range val {
			paths = append(paths, tokenPaths(item)...)
		}
	case []any:
		for _, item := range val {
			paths = append(paths, tokenPaths(item)...)
		}
	}
	return paths
}
