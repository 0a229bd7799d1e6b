// Package version derives the build identity reported in logs, the /version
// endpoint, and outgoing User-Agent headers.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName is the service name used in version strings.
const AppName = "cifixd"

// commit may be injected with -ldflags "-X .../version.commit=<sha>" for
// builds without VCS metadata (container builds from a source tarball).
var commit string

// GitCommit is the short revision the binary was built from, or "dev".
var GitCommit = resolveCommit()

var fullOnce = sync.OnceValue(func() string {
	return AppName + "/" + GitCommit
})

// Full returns "cifixd/<commit>".
func Full() string {
	return fullOnce()
}

func resolveCommit() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		rev, dirty := "", false
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				rev = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if rev != "" {
			if dirty {
				return short(rev) + "+dirty"
			}
			return short(rev)
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
