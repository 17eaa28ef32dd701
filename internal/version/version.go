// Package version carries build identity, stamped via -ldflags at
// release time. Unstamped binaries report "dev".
package version

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)
