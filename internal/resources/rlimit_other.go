//go:build !unix

package resources

// ApplyRlimits is a no-op on platforms without rlimits.
func ApplyRlimits(Limits) error { return nil }
