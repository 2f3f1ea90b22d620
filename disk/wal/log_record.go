package wal

import (
	"fmt"

	"undodb/disk"
	"undodb/disk/pages"
	"undodb/transaction"
)

// LogRecordType is the operator code leading every serialized log record.
type LogRecordType int32

const (
	TypeCheckpoint LogRecordType = iota
	TypeStart
	TypeCommit
	TypeRollback
	TypeSetInt
	TypeSetString
)

func (t LogRecordType) String() string {
	switch t {
	case TypeCheckpoint:
		return "CHECKPOINT"
	case TypeStart:
		return "START"
	case TypeCommit:
		return "COMMIT"
	case TypeRollback:
		return "ROLLBACK"
	case TypeSetInt:
		return "SETINT"
	case TypeSetString:
		return "SETSTRING"
	default:
		return fmt.Sprintf("LogRecordType(%d)", int32(t))
	}
}

func (t LogRecordType) valid() bool {
	return t >= TypeCheckpoint && t <= TypeSetString
}

// LogRecord is a single entry of the write ahead log. T decides which of the other fields are meaningful:
// update records (SetInt and SetString) use every field, Start, Commit and Rollback only TxnID and a
// checkpoint none. OldInt is the int found at Offset when the update was logged. OldImage holds the raw bytes a
// string update overwrote, as many as the new string occupies with its length prefix. Undo writes them back.
type LogRecord struct {
	T     LogRecordType
	TxnID transaction.TxnID

	Block  disk.BlockID
	Offset int

	NewInt int32
	OldInt int32

	NewString string
	OldImage  []byte
}

func NewCheckpointLogRecord() *LogRecord {
	return &LogRecord{T: TypeCheckpoint, TxnID: transaction.CheckpointTxnID}
}

func NewStartLogRecord(txnID transaction.TxnID) *LogRecord {
	return &LogRecord{T: TypeStart, TxnID: txnID}
}

func NewCommitLogRecord(txnID transaction.TxnID) *LogRecord {
	return &LogRecord{T: TypeCommit, TxnID: txnID}
}

func NewRollbackLogRecord(txnID transaction.TxnID) *LogRecord {
	return &LogRecord{T: TypeRollback, TxnID: txnID}
}

func NewSetIntLogRecord(txnID transaction.TxnID, blk disk.BlockID, offset int, newVal, oldVal int32) *LogRecord {
	return &LogRecord{T: TypeSetInt, TxnID: txnID, Block: blk, Offset: offset, NewInt: newVal, OldInt: oldVal}
}

func NewSetStringLogRecord(txnID transaction.TxnID, blk disk.BlockID, offset int, newVal string, oldImage []byte) *LogRecord {
	return &LogRecord{T: TypeSetString, TxnID: txnID, Block: blk, Offset: offset, NewString: newVal, OldImage: oldImage}
}

func (l *LogRecord) Type() LogRecordType {
	return l.T
}

func (l *LogRecord) GetTxnID() transaction.TxnID {
	return l.TxnID
}

// IsUpdate tells whether undoing l changes a block.
func (l *LogRecord) IsUpdate() bool {
	return l.T == TypeSetInt || l.T == TypeSetString
}

// IsTerminal tells whether l ends its transaction.
func (l *LogRecord) IsTerminal() bool {
	return l.T == TypeCommit || l.T == TypeRollback
}

func (l *LogRecord) String() string {
	switch l.T {
	case TypeCheckpoint:
		return "<CHECKPOINT>"
	case TypeSetInt:
		return fmt.Sprintf("<SETINT %d %s:%d %d %d -> %d>",
			l.TxnID, l.Block.FileName(), l.Block.Number(), l.Offset, l.OldInt, l.NewInt)
	case TypeSetString:
		return fmt.Sprintf("<SETSTRING %d %s:%d %d %s -> %q>",
			l.TxnID, l.Block.FileName(), l.Block.Number(), l.Offset, l.oldImageString(), l.NewString)
	default:
		return fmt.Sprintf("<%s %d>", l.T, l.TxnID)
	}
}

// oldImageString shows the overwritten string when the image holds a whole one, the image size otherwise.
func (l *LogRecord) oldImageString() string {
	if old, err := pages.NewPageFromBytes(l.OldImage).String(0); err == nil {
		return fmt.Sprintf("%q", old)
	}
	return fmt.Sprintf("[%d bytes]", len(l.OldImage))
}
