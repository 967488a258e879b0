package cli

import (
	"strings"
	"time"
)

// parsePairs turns repeated key=value flags into a map.
func parsePairs(flag string, vals []string) (map[string]string, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(vals))
	for _, v := range vals {
		k, val, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, invalidInvocationf("--%s %q: want key=value", flag, v)
		}
		out[k] = val
	}
	return out, nil
}

func parseTimeFlag(flag, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, invalidInvocationf("--%s %q: not RFC 3339", flag, v)
	}
	return t, nil
}
