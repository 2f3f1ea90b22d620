package pages

// LSN is a log sequence number. The first appended record gets 1.
type LSN int64

const (
	ZeroLSN LSN = 0

	// InvalidLSN marks a modification for which no log record was written.
	InvalidLSN LSN = -1
)
