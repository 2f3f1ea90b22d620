package concurrency

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"undodb/buffer"
	"undodb/disk/pages"
	"undodb/disk/wal"
	"undodb/logger"
	"undodb/metrics"
	"undodb/transaction"
)

var ErrTxnNotActive = errors.New("transaction is not active")

// LogManager is the log as seen by recovery: it is appended to, flushed and read backwards.
type LogManager interface {
	wal.ILogManager
	Iterator() (*wal.LogIterator, error)
	MaxRecordSize() int
	RecordSize(lr *wal.LogRecord) int
}

var _ LogManager = &wal.LogManager{}

// RecoveryManager logs the changes of one transaction and undoes them. Undo writes back the old value
// stored in the update record and marks the buffer as modified by the undoing transaction, so that the
// restored value is written together with the transaction's other buffers.
type RecoveryManager struct {
	txnID  transaction.TxnID
	lm     LogManager
	pool   buffer.Pool
	undos  int
	logger *zap.Logger
}

// NewRecoveryManager creates the recovery manager of transaction txnID and logs its start.
func NewRecoveryManager(txnID transaction.TxnID, lm LogManager, pool buffer.Pool, l *zap.Logger) (*RecoveryManager, error) {
	r := attachRecoveryManager(txnID, lm, pool, l)
	if _, err := lm.AppendLog(wal.NewStartLogRecord(txnID)); err != nil {
		return nil, fmt.Errorf("start txn %d: %w", txnID, err)
	}
	return r, nil
}

// attachRecoveryManager returns a recovery manager for a transaction whose start is already logged.
func attachRecoveryManager(txnID transaction.TxnID, lm LogManager, pool buffer.Pool, l *zap.Logger) *RecoveryManager {
	return &RecoveryManager{
		txnID:  txnID,
		lm:     lm,
		pool:   pool,
		logger: logger.OrNop(l).With(zap.Int32("txn", int32(txnID))),
	}
}

// Commit forces the transaction's buffers to disk and then makes its commit record durable.
func (r *RecoveryManager) Commit() error {
	if err := r.pool.FlushAll(r.txnID); err != nil {
		return fmt.Errorf("commit txn %d: %w", r.txnID, err)
	}
	return r.logAndFlush(wal.NewCommitLogRecord(r.txnID))
}

// Rollback undoes every change of the transaction, forces the restored buffers to disk and then makes a
// rollback record durable.
func (r *RecoveryManager) Rollback() error {
	if err := r.doRollback(); err != nil {
		return fmt.Errorf("rollback txn %d: %w", r.txnID, err)
	}
	if err := r.pool.FlushAll(r.txnID); err != nil {
		return fmt.Errorf("rollback txn %d: %w", r.txnID, err)
	}
	return r.logAndFlush(wal.NewRollbackLogRecord(r.txnID))
}

// Recover undoes the changes of every transaction that was running when the system stopped and writes a
// quiescent checkpoint. It returns the highest transaction id found in the scanned part of the log. It must
// not run concurrently with other transactions.
func (r *RecoveryManager) Recover() (transaction.TxnID, error) {
	maxTxnID, err := r.doRecover()
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	if err := r.pool.FlushAll(r.txnID); err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	if err := r.logAndFlush(wal.NewCheckpointLogRecord()); err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	metrics.Checkpoints.Inc()
	return maxTxnID, nil
}

// SetInt logs that the int at offset of buf is about to be set to newVal and returns the LSN of the record.
// The caller writes the value and stamps the buffer with the LSN.
func (r *RecoveryManager) SetInt(buf *buffer.Buffer, offset int, newVal int32) (pages.LSN, error) {
	p := buf.Contents()
	if offset < 0 || offset+4 > p.Size() {
		return pages.InvalidLSN, fmt.Errorf("%w: int at offset %d, page size %d", pages.ErrCapacityExceeded, offset, p.Size())
	}

	lr := wal.NewSetIntLogRecord(r.txnID, buf.Block(), offset, newVal, p.Int(offset))
	if err := r.checkRecordSize(lr); err != nil {
		return pages.InvalidLSN, err
	}
	return r.lm.AppendLog(lr)
}

// SetString is SetInt for strings. The record keeps the bytes the new string overwrites, so a string of n
// characters needs about 2n bytes of log block and is refused when the record would not fit.
func (r *RecoveryManager) SetString(buf *buffer.Buffer, offset int, newVal string) (pages.LSN, error) {
	p := buf.Contents()
	need := pages.MaxLength(len(pages.ASCII(newVal)))
	if offset < 0 || offset+need > p.Size() {
		return pages.InvalidLSN, fmt.Errorf("%w: string of %d bytes at offset %d, page size %d",
			pages.ErrCapacityExceeded, need, offset, p.Size())
	}

	image, err := p.Raw(offset, need)
	if err != nil {
		return pages.InvalidLSN, err
	}
	lr := wal.NewSetStringLogRecord(r.txnID, buf.Block(), offset, newVal, image)
	if err := r.checkRecordSize(lr); err != nil {
		return pages.InvalidLSN, err
	}
	return r.lm.AppendLog(lr)
}

func (r *RecoveryManager) checkRecordSize(lr *wal.LogRecord) error {
	if size, limit := r.lm.RecordSize(lr), r.lm.MaxRecordSize(); size > limit {
		return fmt.Errorf("%w: %s record for %s is %d bytes with the old value, a log block holds %d",
			pages.ErrCapacityExceeded, lr.T, lr.Block, size, limit)
	}
	return nil
}

// UndoCount returns the number of update records undone by this recovery manager.
func (r *RecoveryManager) UndoCount() int {
	return r.undos
}

func (r *RecoveryManager) logAndFlush(lr *wal.LogRecord) error {
	lsn, err := r.lm.AppendLog(lr)
	if err != nil {
		return err
	}
	return r.lm.Flush(lsn)
}

// doRollback walks the log backwards undoing the records of the transaction until its start record.
func (r *RecoveryManager) doRollback() error {
	it, err := r.lm.Iterator()
	if err != nil {
		return err
	}

	for it.HasNext() {
		lr, err := it.NextRecord()
		if err != nil {
			return err
		}

		if lr.TxnID != r.txnID {
			continue
		}
		if lr.T == wal.TypeStart {
			return nil
		}
		if err := r.undo(lr); err != nil {
			return err
		}
	}

	r.logger.Warn("rollback reached the beginning of the log without finding the start record")
	return nil
}

// doRecover walks the log backwards up to the last checkpoint undoing every record of transactions that
// neither committed nor rolled back.
func (r *RecoveryManager) doRecover() (transaction.TxnID, error) {
	it, err := r.lm.Iterator()
	if err != nil {
		return 0, err
	}

	finished := map[transaction.TxnID]struct{}{}
	var maxTxnID transaction.TxnID
	for it.HasNext() {
		lr, err := it.NextRecord()
		if err != nil {
			return 0, err
		}

		if lr.T == wal.TypeCheckpoint {
			break
		}
		maxTxnID = max(maxTxnID, lr.TxnID)

		if lr.IsTerminal() {
			finished[lr.TxnID] = struct{}{}
			continue
		}
		if _, ok := finished[lr.TxnID]; !ok {
			if err := r.undo(lr); err != nil {
				return 0, err
			}
		}
	}

	r.logger.Info("recovery scan finished", zap.Int("undone", r.undos), zap.Int("finished_txns", len(finished)))
	return maxTxnID, nil
}

// undo restores the old value of an update record. Other records have nothing to undo.
func (r *RecoveryManager) undo(lr *wal.LogRecord) error {
	if !lr.IsUpdate() {
		return nil
	}

	buf, err := r.pool.Pin(lr.Block)
	if err != nil {
		return fmt.Errorf("undo %s: %w", lr, err)
	}
	defer r.pool.Unpin(buf)

	if lr.T == wal.TypeSetInt {
		err = buf.Contents().SetInt(lr.Offset, lr.OldInt)
	} else {
		err = buf.Contents().SetRaw(lr.Offset, lr.OldImage)
	}
	if err != nil {
		return fmt.Errorf("undo %s: %w", lr, err)
	}
	buf.SetModified(r.txnID, pages.InvalidLSN)

	r.undos++
	metrics.Undos.Inc()
	r.logger.Debug("undone", zap.Stringer("record", lr))
	return nil
}
