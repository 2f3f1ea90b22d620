package disk

import "fmt"

// BlockID identifies a block by the file it lives in and its position in that file. It is comparable and can be
// used as a map key.
type BlockID struct {
	filename string
	number   int
}

func NewBlockID(filename string, number int) BlockID {
	return BlockID{filename: filename, number: number}
}

func (b BlockID) FileName() string {
	return b.filename
}

func (b BlockID) Number() int {
	return b.number
}

// IsZero reports whether b is the zero BlockID, which no buffer or log position ever refers to.
func (b BlockID) IsZero() bool {
	return b == BlockID{}
}

func (b BlockID) String() string {
	return fmt.Sprintf("[file %s, block %d]", b.filename, b.number)
}
