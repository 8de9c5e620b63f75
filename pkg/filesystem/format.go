package filesystem

// Format represents a filesystem volume format, used to bucket a probed
// root into the profile tag that the predictor tracks coefficients under
// (e.g. "network" for NFS, so that EMA planning estimates for network
// mounts aren't polluted by observations from local disks).
type Format uint8

const (
	// FormatUnknown represents a filesystem format that wasn't recognized
	// or couldn't be queried on the current platform.
	FormatUnknown Format = iota
	// FormatNFS represents an NFS filesystem format. Declared here (rather
	// than alongside the other platform-specific formats) because the
	// predictor's network-profile check needs to name it on every
	// platform, not just the ones that can actually detect it.
	FormatNFS
)
