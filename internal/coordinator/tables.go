package coordinator

import "regexp"

// reTableRef finds the table-like identifier following FROM or JOIN,
// the only two clause shapes spec.md §4.8's table-classification step
// needs to resolve. It deliberately doesn't attempt a full parse — same
// scanner-over-text approach as internal/decompose, for the same reason
// (see DESIGN.md): no parser AST is available in this dependency set.
var reTableRef = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// referencedTables returns the distinct table names a SELECT references,
// in first-seen order. It resolves neither aliases nor CTEs: every
// identifier that follows FROM or JOIN is returned, including a name
// defined by a WITH clause and a table read inside a subquery.
func referencedTables(sql string) []string {
	matches := reTableRef.FindAllStringSubmatch(sql, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
