package buffer

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoVictim = errors.New("every frame is pinned")

// IReplacer chooses which unpinned frame of the pool is reassigned to a new block. The pool calls Pin when a
// frame's pin count leaves zero and Unpin when it drops back to zero. Every frame starts unpinned.
type IReplacer interface {
	Pin(frameId int)
	Unpin(frameId int)
	ChooseVictim() (frameId int, err error)
	GetSize() int
	NumPinnedPages() int
}

// NewReplacer returns the replacer registered under name for a pool of size frames.
func NewReplacer(name string, size int) (IReplacer, error) {
	switch name {
	case "", "naive":
		return NewNaiveReplacer(size), nil
	case "clock":
		return NewClockReplacer(size), nil
	case "random":
		return NewRandomReplacer(size), nil
	case "lru":
		return NewLruReplacer(size), nil
	default:
		return nil, fmt.Errorf("unknown replacer %q", name)
	}
}

var _ IReplacer = &NaiveReplacer{}

// NaiveReplacer picks the first unpinned frame it finds.
type NaiveReplacer struct {
	pinned []bool
	lock   sync.Mutex
}

func NewNaiveReplacer(size int) *NaiveReplacer {
	return &NaiveReplacer{pinned: make([]bool, size)}
}

func (n *NaiveReplacer) Pin(frameId int) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.pinned[frameId] = true
}

func (n *NaiveReplacer) Unpin(frameId int) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if !n.pinned[frameId] {
		panic("unpinning a frame which is not pinned")
	}
	n.pinned[frameId] = false
}

func (n *NaiveReplacer) ChooseVictim() (frameId int, err error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	for i, p := range n.pinned {
		if !p {
			return i, nil
		}
	}
	return 0, ErrNoVictim
}

func (n *NaiveReplacer) GetSize() int {
	return len(n.pinned)
}

func (n *NaiveReplacer) NumPinnedPages() int {
	n.lock.Lock()
	defer n.lock.Unlock()

	i := 0
	for _, p := range n.pinned {
		if p {
			i++
		}
	}
	return i
}
