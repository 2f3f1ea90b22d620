package buffer

import (
	"sync"

	"undodb/common"
)

var _ IReplacer = &ClockReplacer{}

type clockFrame struct {
	pinned     bool
	referenced bool
}

// ClockReplacer sweeps the frames with a hand. A frame released since the hand last passed it is referenced
// and survives one more sweep; the first unpinned frame that is not referenced is the victim. The victim is
// left in place since the pool pins it right after choosing it.
type ClockReplacer struct {
	frames    []clockFrame
	hand      int
	numPinned int
	lock      sync.Mutex
}

func NewClockReplacer(size int) *ClockReplacer {
	return &ClockReplacer{frames: make([]clockFrame, size)}
}

func (c *ClockReplacer) Pin(frameId int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	common.Assert(!c.frames[frameId].pinned, "frame %d is already pinned", frameId)
	c.frames[frameId].pinned = true
	c.numPinned++
}

func (c *ClockReplacer) Unpin(frameId int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	common.Assert(c.frames[frameId].pinned, "unpinning frame %d which is not pinned", frameId)
	c.frames[frameId] = clockFrame{referenced: true}
	c.numPinned--
}

// ChooseVictim needs at most two laps: the first one may only clear reference bits.
func (c *ClockReplacer) ChooseVictim() (frameId int, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.numPinned == len(c.frames) {
		return 0, ErrNoVictim
	}

	for {
		f := &c.frames[c.hand]
		victim := c.hand
		c.hand = (c.hand + 1) % len(c.frames)

		switch {
		case f.pinned:
		case f.referenced:
			f.referenced = false
		default:
			return victim, nil
		}
	}
}

func (c *ClockReplacer) GetSize() int {
	return len(c.frames)
}

func (c *ClockReplacer) NumPinnedPages() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.numPinned
}
