package common

import "time"

const (
	// DefaultBlockSize is the block size of new databases.
	DefaultBlockSize = 400

	DefaultPoolSize = 8

	DefaultLogFile = "undodb.log"

	// MaxPinWait is the time a pin request waits for a free buffer before giving up.
	MaxPinWait = time.Second * 10

	// IntSize is the on-disk width of every int field, including length prefixes.
	IntSize = 4
)
