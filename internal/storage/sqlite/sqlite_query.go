package sqlite

import "strings"

// placeholders generates SQL placeholders ("?", "?,?", "?,?,?", ...) for a
// variable-length IN (...) clause.
func placeholders(count int) string {
	if count == 0 {
		return ""
	}
	parts := make([]string, count)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}
