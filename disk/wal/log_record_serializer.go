package wal

import (
	"errors"
	"fmt"

	"undodb/common"
	"undodb/disk"
	"undodb/disk/pages"
	"undodb/transaction"
)

var ErrCorruptLogRecord = errors.New("corrupt log record")

// LogRecordSerializer converts between LogRecord and the bytes appended to the log.
type LogRecordSerializer interface {
	Serialize(r *LogRecord) []byte
	Size(r *LogRecord) int

	// Deserialize decodes src without retaining or modifying it.
	Deserialize(src []byte) (*LogRecord, error)
}

var _ LogRecordSerializer = &DefaultLogRecordSerializer{}

// DefaultLogRecordSerializer writes every field with the page encoding: a 4 byte operator code, then for all
// records but checkpoints a 4 byte transaction id. Update records continue with the length prefixed file name,
// the block number and the offset followed by the new and the old value, ints as 4 bytes and strings length
// prefixed with one byte per character. The old value of a string update is its raw image, length prefixed.
type DefaultLogRecordSerializer struct{}

func NewDefaultLogRecordSerializer() *DefaultLogRecordSerializer {
	return &DefaultLogRecordSerializer{}
}

func (d *DefaultLogRecordSerializer) Size(r *LogRecord) int {
	switch r.T {
	case TypeCheckpoint:
		return common.IntSize
	case TypeStart, TypeCommit, TypeRollback:
		return 2 * common.IntSize
	case TypeSetInt:
		return d.updatePrefixSize(r) + 2*common.IntSize
	case TypeSetString:
		return d.updatePrefixSize(r) +
			pages.MaxLength(len(pages.ASCII(r.NewString))) +
			pages.MaxLength(len(r.OldImage))
	default:
		panic(fmt.Sprintf("unknown log record type %d", r.T))
	}
}

func (d *DefaultLogRecordSerializer) updatePrefixSize(r *LogRecord) int {
	return 2*common.IntSize + pages.MaxLength(len(pages.ASCII(r.Block.FileName()))) + 2*common.IntSize
}

func (d *DefaultLogRecordSerializer) Serialize(r *LogRecord) []byte {
	common.Assert(r.T.valid(), "tried to serialize invalid log record type %d", r.T)

	p := pages.NewPage(d.Size(r))
	enc := encoder{p: p}

	enc.putInt(int32(r.T))
	if r.T == TypeCheckpoint {
		return p.Contents()
	}

	enc.putInt(int32(r.TxnID))
	if !r.IsUpdate() {
		return p.Contents()
	}

	enc.putString(r.Block.FileName())
	enc.putInt(int32(r.Block.Number()))
	enc.putInt(int32(r.Offset))

	if r.T == TypeSetInt {
		enc.putInt(r.NewInt)
		enc.putInt(r.OldInt)
	} else {
		enc.putString(r.NewString)
		enc.putBytes(r.OldImage)
	}

	return p.Contents()
}

func (d *DefaultLogRecordSerializer) Deserialize(src []byte) (*LogRecord, error) {
	dec := decoder{p: pages.NewPageFromBytes(src)}

	t := LogRecordType(dec.readInt())
	if dec.err != nil {
		return nil, dec.err
	}
	if !t.valid() {
		return nil, fmt.Errorf("%w: unknown operator code %d", ErrCorruptLogRecord, int32(t))
	}

	r := &LogRecord{T: t, TxnID: transaction.CheckpointTxnID}
	if t == TypeCheckpoint {
		return r, nil
	}

	r.TxnID = transaction.TxnID(dec.readInt())
	if r.IsUpdate() {
		filename := dec.readString()
		blkNum := dec.readInt()
		r.Block = disk.NewBlockID(filename, int(blkNum))
		r.Offset = int(dec.readInt())

		if t == TypeSetInt {
			r.NewInt = dec.readInt()
			r.OldInt = dec.readInt()
		} else {
			r.NewString = dec.readString()
			r.OldImage = dec.readBytes()
		}
	}

	if dec.err != nil {
		return nil, fmt.Errorf("%s record: %w", t, dec.err)
	}
	return r, nil
}

// encoder writes consecutive fields into a page sized to hold exactly them.
type encoder struct {
	p   *pages.Page
	pos int
}

func (e *encoder) putInt(v int32) {
	common.PanicIfErr(e.p.SetInt(e.pos, v))
	e.pos += common.IntSize
}

func (e *encoder) putString(s string) {
	s = pages.ASCII(s)
	common.PanicIfErr(e.p.SetString(e.pos, s))
	e.pos += pages.MaxLength(len(s))
}

func (e *encoder) putBytes(b []byte) {
	common.PanicIfErr(e.p.SetBytes(e.pos, b))
	e.pos += pages.MaxLength(len(b))
}

// decoder reads consecutive fields, remembering the first failure. After a failure every read returns a zero
// value.
type decoder struct {
	p   *pages.Page
	pos int
	err error
}

func (d *decoder) readInt() int32 {
	if d.err != nil {
		return 0
	}
	if d.pos+common.IntSize > d.p.Size() {
		d.err = fmt.Errorf("%w: truncated at offset %d of %d", ErrCorruptLogRecord, d.pos, d.p.Size())
		return 0
	}

	v := d.p.Int(d.pos)
	d.pos += common.IntSize
	return v
}

func (d *decoder) readString() string {
	if d.err != nil {
		return ""
	}

	s, err := d.p.String(d.pos)
	if err != nil {
		d.err = fmt.Errorf("%w: %w", ErrCorruptLogRecord, err)
		return ""
	}
	d.pos += pages.MaxLength(len(s))
	return s
}

func (d *decoder) readBytes() []byte {
	if d.err != nil {
		return nil
	}

	b, err := d.p.Bytes(d.pos)
	if err != nil {
		d.err = fmt.Errorf("%w: %w", ErrCorruptLogRecord, err)
		return nil
	}
	d.pos += pages.MaxLength(len(b))
	return b
}
