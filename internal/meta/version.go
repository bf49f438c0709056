package meta

// VersionSHA is the git SHA at which the binary was compiled, injected at build time via
// -ldflags. It defaults to a sentinel value for builds outside the release pipeline.
var VersionSHA = "unknown"
