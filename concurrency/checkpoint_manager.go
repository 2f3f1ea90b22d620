package concurrency

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"undodb/disk/wal"
	"undodb/logger"
	"undodb/metrics"
)

var ErrActiveTransactions = errors.New("checkpoint requires no running transactions")

// DirtyFlusher writes every modified buffer to disk.
type DirtyFlusher interface {
	FlushDirty() error
}

// CheckpointManager takes quiescent checkpoints: while new transactions are held back and none is running,
// every dirty buffer is written and a checkpoint record is made durable. Recovery never reads the log past
// such a record.
type CheckpointManager struct {
	pool       DirtyFlusher
	logManager wal.ILogManager
	txnManager *TxnManager
	lock       sync.Mutex
	logger     *zap.Logger
}

func NewCheckpointManager(pool DirtyFlusher, logManager wal.ILogManager, txnManager *TxnManager, l *zap.Logger) *CheckpointManager {
	return &CheckpointManager{pool: pool, logManager: logManager, txnManager: txnManager, logger: logger.OrNop(l)}
}

// TakeCheckpoint fails with ErrActiveTransactions if a transaction is running.
func (c *CheckpointManager) TakeCheckpoint() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.txnManager.BlockNewTransactions()
	defer c.txnManager.ResumeNewTransactions()

	if actives := c.txnManager.ActiveTransactions(); len(actives) > 0 {
		return fmt.Errorf("%w: %v", ErrActiveTransactions, actives)
	}

	if err := c.pool.FlushDirty(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	lsn, err := c.logManager.AppendLog(wal.NewCheckpointLogRecord())
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := c.logManager.Flush(lsn); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	metrics.Checkpoints.Inc()
	c.logger.Info("checkpoint taken", zap.Int64("lsn", int64(lsn)))
	return nil
}
