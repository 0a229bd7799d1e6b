package hostapi

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ClosestFile resolves requested against a repo file listing.
//
// Resolution order: exact path, glob match when requested contains pattern
// metacharacters, matching path suffix, matching base name. Ties go to the
// shortest candidate. Empty means nothing matched.
func ClosestFile(requested string, files []string) string {
	requested = strings.TrimPrefix(path.Clean(requested), "./")
	if requested == "" || requested == "." {
		return ""
	}

	for _, f := range files {
		if f == requested {
			return f
		}
	}

	if strings.ContainsAny(requested, "*?[") {
		return shortest(files, func(f string) bool {
			ok, err := doublestar.Match(requested, f)
			return err == nil && ok
		})
	}

	if match := shortest(files, func(f string) bool {
		return strings.HasSuffix(f, "/"+requested)
	}); match != "" {
		return match
	}

	base := path.Base(requested)
	return shortest(files, func(f string) bool {
		return path.Base(f) == base
	})
}

func shortest(files []string, match func(string) bool) string {
	best := ""
	for _, f := range files {
		if !match(f) {
			continue
		}
		if best == "" || len(f) < len(best) {
			best = f
		}
	}
	return best
}
