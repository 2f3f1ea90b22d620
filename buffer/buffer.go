package buffer

import (
	"fmt"
	"sync"

	"undodb/disk"
	"undodb/disk/pages"
	"undodb/transaction"
)

// LogFlusher is the part of the log a buffer needs to honour write ahead logging.
type LogFlusher interface {
	Flush(lsn pages.LSN) error
}

// Buffer is one frame of the pool. It holds the content of the block it is assigned to together with the
// transaction that last modified it and the LSN of the log record describing that modification.
type Buffer struct {
	dm       disk.IDiskManager
	lm       LogFlusher
	contents *pages.Page
	frameID  int

	// guarded by the pool lock
	blk      disk.BlockID
	assigned bool
	pins     int

	mu    sync.Mutex
	txnID transaction.TxnID
	lsn   pages.LSN
}

func newBuffer(dm disk.IDiskManager, lm LogFlusher, frameID int) *Buffer {
	return &Buffer{
		dm:       dm,
		lm:       lm,
		contents: pages.NewPage(dm.BlockSize()),
		frameID:  frameID,
		txnID:    transaction.InvalidTxnID,
		lsn:      pages.InvalidLSN,
	}
}

// Contents returns the page of the buffer. It must be accessed only while the buffer is pinned.
func (b *Buffer) Contents() *pages.Page {
	return b.contents
}

// Block returns the block the buffer is assigned to.
func (b *Buffer) Block() disk.BlockID {
	return b.blk
}

// SetModified records that txnID changed the page. A negative lsn leaves the recorded LSN untouched, which is
// used for changes that were not logged.
func (b *Buffer) SetModified(txnID transaction.TxnID, lsn pages.LSN) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.txnID = txnID
	if lsn >= 0 {
		b.lsn = lsn
	}
}

// ModifyingTxn returns the transaction that modified the page since it was last written, or InvalidTxnID.
func (b *Buffer) ModifyingTxn() transaction.TxnID {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.txnID
}

func (b *Buffer) LSN() pages.LSN {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lsn
}

func (b *Buffer) isDirty() bool {
	return b.ModifyingTxn() != transaction.InvalidTxnID
}

// flush writes a modified page to its block after making its log record durable.
func (b *Buffer) flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.txnID == transaction.InvalidTxnID {
		return nil
	}

	if err := b.lm.Flush(b.lsn); err != nil {
		return fmt.Errorf("flush log before %s: %w", b.blk, err)
	}
	if err := b.dm.Write(b.blk, b.contents); err != nil {
		return err
	}

	b.txnID = transaction.InvalidTxnID
	return nil
}

// assignToBlock flushes the current content and loads blk. If flushing fails the buffer keeps its block; if
// reading fails it is left unassigned.
func (b *Buffer) assignToBlock(blk disk.BlockID) error {
	if err := b.flush(); err != nil {
		return err
	}

	b.assigned = false
	b.blk = disk.BlockID{}
	if err := b.dm.Read(blk, b.contents); err != nil {
		return err
	}

	b.blk = blk
	b.assigned = true
	b.pins = 0
	return nil
}
