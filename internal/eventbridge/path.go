package eventbridge

import "strings"

// normalize maps "*" and "/" to the root, matching the store's origins.
func normalize(origin string) string {
	origin = strings.Trim(origin, "/")
	if origin == "*" {
		return ""
	}
	return origin
}

// dedupePaths drops repeated origins. A root origin covers everything, so
// it replaces the whole list.
func dedupePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n := normalize(p)
		if n == "" {
			return []string{"*"}
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
