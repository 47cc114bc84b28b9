// Package version provides variables that are set at build time to identify
// the running registry binary.
package version

// Package is the overall, canonical project import path under which the
// package was built.
var Package = "github.com/quayside/registry"

// Version indicates which version of the binary is running. This is set to
// the latest release tag by hand, always suffixed by "+unknown". During
// build, it will be replaced by the actual version. The value here will be
// used if the registry is run after a go get based install.
var Version = "v0.1.0+unknown"
