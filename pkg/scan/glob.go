// Namespaces can be invalidated in bulk by glob pattern, e.g. "Test*" drops every namespace starting with "Test".
// The following module implements the glob matching over namespace names.

package scan

import (
	"fmt"
	"iter"
	"strings"

	"v.io/v23/glob"
)

// MatchNamespaces filters the `namespaces` stream down to the names matching the glob `pattern`. Patterns are matched
// against the whole name; path separators are not allowed since namespaces are flat.
func MatchNamespaces(pattern string, namespaces iter.Seq[string]) (iter.Seq[string], error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty namespace pattern")
	}
	if strings.Contains(pattern, "/") {
		return nil, fmt.Errorf("namespace pattern %q must not contain '/'", pattern)
	}
	parsedPattern, err := glob.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid namespace pattern %q: %w", pattern, err)
	}
	return func(yield func(string) bool) {
		for namespace := range namespaces {
			if parsedPattern.Head().Match(namespace) {
				if !yield(namespace) {
					return
				}
			}
		}
	}, nil
}
