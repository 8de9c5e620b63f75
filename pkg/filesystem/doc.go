// Package filesystem provides various filesystem utility methods either not
// provided by the Go standard library or requiring a more optimized
// implementation.
package filesystem
