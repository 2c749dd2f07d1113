// Package build holds linker-set build metadata, mirroring the
// teacher's cmd/tempo/build package.
package build

// Version is set via -ldflags -X github.com/grafana/traced/cmd/traced/build.Version.
var Version string
