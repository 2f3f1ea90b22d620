package buffer

import (
	"sync"
)

var _ IReplacer = &LruReplacer{}

// LruReplacer picks the frame that has been unpinned for the longest time. Frames that were never pinned come
// first, in index order.
type LruReplacer struct {
	unpinned []int
	pinned   map[int]struct{}
	size     int
	lock     sync.Mutex
}

func NewLruReplacer(poolSize int) *LruReplacer {
	unpinned := make([]int, poolSize)
	for i := range unpinned {
		unpinned[i] = i
	}

	return &LruReplacer{
		unpinned: unpinned,
		pinned:   make(map[int]struct{}),
		size:     poolSize,
	}
}

func (l *LruReplacer) NumPinnedPages() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return len(l.pinned)
}

func (l *LruReplacer) Pin(frameId int) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if idx, ok := l.findFrameId(frameId); ok {
		l.unpinned = append(l.unpinned[:idx], l.unpinned[idx+1:]...)
	}
	l.pinned[frameId] = struct{}{}
}

func (l *LruReplacer) Unpin(frameId int) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, ok := l.pinned[frameId]; !ok {
		panic("unpinning a frame which is not pinned")
	}

	delete(l.pinned, frameId)
	l.unpinned = append(l.unpinned, frameId)
}

// ChooseVictim returns the least recently unpinned frame. The frame stays a candidate until it is pinned.
func (l *LruReplacer) ChooseVictim() (frameId int, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if len(l.unpinned) == 0 {
		return 0, ErrNoVictim
	}
	return l.unpinned[0], nil
}

func (l *LruReplacer) GetSize() int {
	return l.size
}

func (l *LruReplacer) findFrameId(frameId int) (int, bool) {
	for idx, curr := range l.unpinned {
		if curr == frameId {
			return idx, true
		}
	}
	return 0, false
}
