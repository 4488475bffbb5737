// Package buildinfo carries the version stamped at build time.
package buildinfo

// Version is overridden via -ldflags at release time.
var Version = "dev"
