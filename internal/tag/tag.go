//go:build !debug

// Package tag holds build-tag constants that gate debug-only code.
package tag

const Debug = false
