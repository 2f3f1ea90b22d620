package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"undodb/common"
	"undodb/disk"
	"undodb/logger"
	"undodb/metrics"
	"undodb/transaction"
)

// ErrPoolExhausted is returned by Pin when no buffer became free within the wait budget or when the wait was
// cancelled. The caller should roll back its transaction.
var ErrPoolExhausted = errors.New("no buffer available")

type Pool interface {
	Pin(blk disk.BlockID) (*Buffer, error)
	PinContext(ctx context.Context, blk disk.BlockID) (*Buffer, error)
	Unpin(buf *Buffer)
	Available() int
	FlushAll(txnID transaction.TxnID) error
}

var _ Pool = &BufferPool{}

// BufferPool is a fixed set of buffers shared by every transaction. A block is held by at most one buffer at
// a time and a buffer is reassigned only when nobody pins it. Every operation runs under the pool lock.
type BufferPool struct {
	buffers      []*Buffer
	pageMap      map[disk.BlockID]int // block => index of the buffer holding it
	numAvailable int
	replacer     IReplacer
	dm           disk.IDiskManager
	lm           LogFlusher
	maxWait      time.Duration
	lock         sync.Mutex
	unpinned     *common.Event
	logger       *zap.Logger
}

type Option func(*BufferPool)

// WithMaxWait sets how long Pin waits for a buffer to become free.
func WithMaxWait(d time.Duration) Option {
	return func(b *BufferPool) {
		b.maxWait = d
	}
}

// WithReplacer replaces the default NaiveReplacer. r must be sized for the pool.
func WithReplacer(r IReplacer) Option {
	return func(b *BufferPool) {
		b.replacer = r
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *BufferPool) {
		b.logger = logger.OrNop(l)
	}
}

func NewBufferPool(poolSize int, dm disk.IDiskManager, lm LogFlusher, opts ...Option) *BufferPool {
	common.Assert(poolSize > 0, "buffer pool size must be positive, got %d", poolSize)

	b := &BufferPool{
		buffers:      make([]*Buffer, poolSize),
		pageMap:      make(map[disk.BlockID]int, poolSize),
		numAvailable: poolSize,
		dm:           dm,
		lm:           lm,
		maxWait:      common.MaxPinWait,
		unpinned:     common.NewEvent(),
		logger:       zap.NewNop(),
	}
	for i := range b.buffers {
		b.buffers[i] = newBuffer(dm, lm, i)
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.replacer == nil {
		b.replacer = NewNaiveReplacer(poolSize)
	}
	common.Assert(b.replacer.GetSize() == poolSize,
		"replacer of size %d cannot serve a pool of size %d", b.replacer.GetSize(), poolSize)

	metrics.BuffersAvailable.Set(float64(poolSize))
	return b
}

// Pin pins a buffer to blk, waiting for one to become free if the pool is full.
func (b *BufferPool) Pin(blk disk.BlockID) (*Buffer, error) {
	return b.PinContext(context.Background(), blk)
}

// PinContext is Pin with a wait that also ends when ctx is done. Both a timeout and a cancellation are
// reported as ErrPoolExhausted. Buffers already pinned by the caller stay pinned.
func (b *BufferPool) PinContext(ctx context.Context, blk disk.BlockID) (*Buffer, error) {
	timer := time.NewTimer(b.maxWait)
	defer timer.Stop()

	b.lock.Lock()
	for {
		buf, err := b.tryPin(blk)
		if err != nil {
			b.lock.Unlock()
			metrics.BufferPins.WithLabelValues("error").Inc()
			return nil, err
		}
		if buf != nil {
			b.lock.Unlock()
			metrics.BufferPins.WithLabelValues("ok").Inc()
			return buf, nil
		}

		// taken under the pool lock so that an Unpin cannot slip in before we wait.
		wake := b.unpinned.Wait()
		b.lock.Unlock()

		metrics.PinWaits.Inc()
		b.logger.Debug("waiting for a free buffer", zap.Stringer("block", blk))

		select {
		case <-wake:
		case <-timer.C:
			metrics.PinTimeouts.Inc()
			metrics.BufferPins.WithLabelValues("timeout").Inc()
			b.logger.Warn("pin timed out", zap.Stringer("block", blk), zap.Duration("max_wait", b.maxWait))
			return nil, fmt.Errorf("%w: %s not pinned within %s", ErrPoolExhausted, blk, b.maxWait)
		case <-ctx.Done():
			metrics.BufferPins.WithLabelValues("cancelled").Inc()
			return nil, fmt.Errorf("%w: pin of %s interrupted: %w", ErrPoolExhausted, blk, ctx.Err())
		}

		b.lock.Lock()
	}
}

// tryPin returns nil without an error when every buffer is pinned.
func (b *BufferPool) tryPin(blk disk.BlockID) (*Buffer, error) {
	idx, ok := b.pageMap[blk]
	if !ok {
		victim, err := b.replacer.ChooseVictim()
		if errors.Is(err, ErrNoVictim) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		buf := b.buffers[victim]
		common.Assert(buf.pins == 0, "replacer chose frame %d pinned %d times", victim, buf.pins)

		old, wasAssigned := buf.blk, buf.assigned
		if err := buf.assignToBlock(blk); err != nil {
			if wasAssigned && !buf.assigned {
				delete(b.pageMap, old)
			}
			b.logger.Error("buffer reassignment failed", zap.Stringer("block", blk), zap.Error(err))
			return nil, fmt.Errorf("pin %s: %w", blk, err)
		}

		if wasAssigned {
			delete(b.pageMap, old)
			metrics.BufferEvictions.Inc()
			b.logger.Debug("reassigned buffer", zap.Int("frame", victim),
				zap.Stringer("from", old), zap.Stringer("to", blk))
		}
		b.pageMap[blk] = victim
		idx = victim
	}

	buf := b.buffers[idx]
	if buf.pins == 0 {
		b.numAvailable--
		b.replacer.Pin(idx)
		metrics.BuffersAvailable.Set(float64(b.numAvailable))
	}
	buf.pins++
	return buf, nil
}

// Unpin releases one pin of buf. When the last pin is released every goroutine waiting in Pin is woken.
func (b *BufferPool) Unpin(buf *Buffer) {
	b.lock.Lock()
	defer b.lock.Unlock()

	common.Assert(buf.pins > 0, "unpinning %s which is not pinned", buf.blk)

	buf.pins--
	if buf.pins == 0 {
		b.numAvailable++
		b.replacer.Unpin(buf.frameID)
		metrics.BuffersAvailable.Set(float64(b.numAvailable))
		b.unpinned.Broadcast()
	}
}

// Available returns the number of unpinned buffers. The value may be stale by the time it is used.
func (b *BufferPool) Available() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.numAvailable
}

// FlushAll writes every buffer modified by txnID to disk.
func (b *BufferPool) FlushAll(txnID transaction.TxnID) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	for _, buf := range b.buffers {
		if buf.ModifyingTxn() == txnID {
			if err := buf.flush(); err != nil {
				return fmt.Errorf("flush buffers of txn %d: %w", txnID, err)
			}
		}
	}
	return nil
}

// FlushDirty writes every modified buffer to disk, whichever transaction modified it.
func (b *BufferPool) FlushDirty() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	for _, buf := range b.buffers {
		if buf.isDirty() {
			if err := buf.flush(); err != nil {
				return fmt.Errorf("flush dirty buffers: %w", err)
			}
		}
	}
	return nil
}

func (b *BufferPool) Size() int {
	return len(b.buffers)
}
