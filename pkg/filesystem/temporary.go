package filesystem

const (
	// TemporaryNamePrefix is the file name prefix used for all temporary files
	// and directories created by Blit. Using this prefix guarantees that any
	// such files are ignored by enumeration. It may be suffixed with
	// additional elements if desired.
	TemporaryNamePrefix = ".blit-temporary-"
)
