package crdt

import "strings"

// Join concatenates the distinct non-empty values in order, separated by sep.
// Hosts use it to render the concurrent values of one cell.
func Join(values []string, sep string) string {
	seen := make(map[string]struct{}, len(values))
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		parts = append(parts, v)
	}
	return strings.Join(parts, sep)
}
