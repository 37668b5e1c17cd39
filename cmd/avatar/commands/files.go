package commands

import (
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// expandFiles resolves --file and /attach arguments. Each pattern may be a
// plain path or a doublestar glob such as "docs/**/*.png". Directories are
// skipped and duplicates are dropped; a pattern matching nothing is an error.
func expandFiles(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid file pattern %q", pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to expand %q: %w", pattern, err)
		}
		sort.Strings(matches)

		found := false
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			found = true
			if !seen[match] {
				seen[match] = true
				files = append(files, match)
			}
		}
		if !found {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
	}
	return files, nil
}
