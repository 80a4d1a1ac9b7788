package archive

import (
	"fmt"
	"path"
	"strings"
)

// Match returns the subset of entry paths matching a glob pattern,
// preserving input order. The pattern supports `*` (any characters
// within a segment), `?` (a single character), and `**` (any number of
// segments). Separators are normalized before matching, and zero
// matches is a valid outcome.
func Match(entryPaths []string, pattern string) ([]string, error) {
	segments := splitPattern(pattern)

	matched := make([]string, 0, len(entryPaths))

	for _, entry := range entryPaths {
		ok, err := matchSegments(segments, splitPath(entry))
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}

		if ok {
			matched = append(matched, entry)
		}
	}

	return matched, nil
}

func splitPattern(pattern string) []string {
	return strings.Split(NormalizePath(pattern), "/")
}

func splitPath(p string) []string {
	return strings.Split(NormalizePath(p), "/")
}

// matchSegments matches pattern segments against path segments. A `**`
// segment consumes zero or more path segments; all other segments are
// matched one-to-one with path.Match semantics.
func matchSegments(pattern, parts []string) (bool, error) {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			// Collapse runs of ** and try every possible split point.
			rest := pattern[1:]
			for len(rest) > 0 && rest[0] == "**" {
				rest = rest[1:]
			}

			if len(rest) == 0 {
				return true, nil
			}

			for i := 0; i <= len(parts); i++ {
				ok, err := matchSegments(rest, parts[i:])
				if err != nil {
					return false, err
				}

				if ok {
					return true, nil
				}
			}

			return false, nil
		}

		if len(parts) == 0 {
			return false, nil
		}

		ok, err := path.Match(pattern[0], parts[0])
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}

		pattern = pattern[1:]
		parts = parts[1:]
	}

	return len(parts) == 0, nil
}
