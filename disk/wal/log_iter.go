package wal

import (
	"errors"
	"fmt"

	"undodb/common"
	"undodb/disk"
	"undodb/disk/pages"
)

var ErrIteratorExhausted = errors.New("log iterator has no more records")

// LogIterator moves backwards through the log, starting at the most recent record of the last block. It reads
// one block at a time and never goes forward, so every call to Iterator yields a fresh iterator.
type LogIterator struct {
	dm         disk.IDiskManager
	block      disk.BlockID
	page       *pages.Page
	currentPos int
	serializer LogRecordSerializer
}

func newLogIterator(dm disk.IDiskManager, start disk.BlockID) (*LogIterator, error) {
	it := &LogIterator{
		dm:         dm,
		page:       pages.NewPage(dm.BlockSize()),
		serializer: NewDefaultLogRecordSerializer(),
	}

	if err := it.moveToBlock(start); err != nil {
		return nil, err
	}
	return it, nil
}

// HasNext tells whether an older record exists. It is false only at the end of the first block.
func (it *LogIterator) HasNext() bool {
	return it.currentPos < it.dm.BlockSize() || it.block.Number() > 0
}

// Next returns the raw bytes of the next older record.
func (it *LogIterator) Next() ([]byte, error) {
	if !it.HasNext() {
		return nil, ErrIteratorExhausted
	}

	if it.currentPos == it.dm.BlockSize() {
		prev := disk.NewBlockID(it.block.FileName(), it.block.Number()-1)
		if err := it.moveToBlock(prev); err != nil {
			return nil, err
		}
	}

	rec, err := it.page.Bytes(it.currentPos)
	if err != nil {
		return nil, fmt.Errorf("%w: record at %s offset %d: %w", ErrCorruptLogRecord, it.block, it.currentPos, err)
	}

	it.currentPos += common.IntSize + len(rec)
	return rec, nil
}

// NextRecord returns the next older record decoded.
func (it *LogIterator) NextRecord() (*LogRecord, error) {
	rec, err := it.Next()
	if err != nil {
		return nil, err
	}
	return it.serializer.Deserialize(rec)
}

func (it *LogIterator) moveToBlock(blk disk.BlockID) error {
	if err := it.dm.Read(blk, it.page); err != nil {
		return fmt.Errorf("read log block: %w", err)
	}

	boundary := int(it.page.Int(0))
	if boundary < common.IntSize || boundary > it.dm.BlockSize() {
		return fmt.Errorf("%w: boundary %d of %s", ErrCorruptLogRecord, boundary, blk)
	}

	it.block = blk
	it.currentPos = boundary
	return nil
}
