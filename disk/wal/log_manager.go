package wal

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"undodb/common"
	"undodb/disk"
	"undodb/disk/pages"
	"undodb/logger"
	"undodb/metrics"
)

var ErrRecordTooLarge = errors.New("log record does not fit in a log block")

// ILogManager is the part of the log used by components that only write to it.
type ILogManager interface {
	Append(rec []byte) (pages.LSN, error)
	AppendLog(lr *LogRecord) (pages.LSN, error)
	Flush(lsn pages.LSN) error
}

var _ ILogManager = &LogManager{}

// LogManager appends records to the log file through an in memory tail page holding the last block of the
// file. Records are packed from the end of the page towards its head, each prefixed by its length, and the
// first 4 bytes of the page hold the boundary, the offset of the most recently appended record:
//
//	| boundary | free space ... | rec n | rec n-1 | ... | rec 1 |
//
// A block is written to disk only when a flush is requested or when it is full, hence Append alone does not
// make a record durable.
type LogManager struct {
	dm           disk.IDiskManager
	logFile      string
	logPage      *pages.Page
	currentBlock disk.BlockID
	serializer   LogRecordSerializer

	latestLSN    pages.LSN
	lastSavedLSN pages.LSN

	mu     sync.Mutex
	logger *zap.Logger
}

// OpenLogManager opens logFile, creating its first block if it is empty. An existing last block is loaded as
// the tail page.
func OpenLogManager(dm disk.IDiskManager, logFile string, l *zap.Logger) (*LogManager, error) {
	lm := &LogManager{
		dm:         dm,
		logFile:    logFile,
		logPage:    pages.NewPage(dm.BlockSize()),
		serializer: NewDefaultLogRecordSerializer(),
		logger:     logger.OrNop(l).With(zap.String("log_file", logFile)),
	}

	size, err := dm.Length(logFile)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", logFile, err)
	}

	if size == 0 {
		if lm.currentBlock, err = lm.appendNewBlock(); err != nil {
			return nil, fmt.Errorf("open log %s: %w", logFile, err)
		}
		lm.logger.Info("created log")
		return lm, nil
	}

	lm.currentBlock = disk.NewBlockID(logFile, size-1)
	if err := dm.Read(lm.currentBlock, lm.logPage); err != nil {
		return nil, fmt.Errorf("open log %s: %w", logFile, err)
	}

	// a crash right after growing the file leaves a zeroed block behind.
	if lm.logPage.Int(0) == 0 {
		lm.logger.Warn("priming uninitialised log block", zap.Stringer("block", lm.currentBlock))
		common.PanicIfErr(lm.logPage.SetInt(0, int32(dm.BlockSize())))
		if err := dm.Write(lm.currentBlock, lm.logPage); err != nil {
			return nil, fmt.Errorf("open log %s: %w", logFile, err)
		}
	}

	lm.logger.Info("opened log", zap.Int("blocks", size))
	return lm, nil
}

// Append adds rec to the log and returns its LSN. If rec does not fit in the tail page, the page is written
// to its block and a new block is appended to the log file.
func (l *LogManager) Append(rec []byte) (pages.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(rec) > l.MaxRecordSize() {
		return pages.InvalidLSN, fmt.Errorf("%w: %d bytes, block size %d", ErrRecordTooLarge, len(rec), l.dm.BlockSize())
	}

	required := len(rec) + common.IntSize
	boundary := int(l.logPage.Int(0))
	if boundary-required < common.IntSize {
		if err := l.flush(); err != nil {
			return pages.InvalidLSN, err
		}

		blk, err := l.appendNewBlock()
		if err != nil {
			return pages.InvalidLSN, err
		}
		l.currentBlock = blk
		boundary = int(l.logPage.Int(0))
	}

	recPos := boundary - required
	common.PanicIfErr(l.logPage.SetBytes(recPos, rec))
	common.PanicIfErr(l.logPage.SetInt(0, int32(recPos)))
	l.latestLSN++

	metrics.LogAppends.Inc()
	return l.latestLSN, nil
}

// MaxRecordSize returns the size of the largest record that fits in a log block next to the boundary and its
// own length prefix.
func (l *LogManager) MaxRecordSize() int {
	return l.dm.BlockSize() - 2*common.IntSize
}

// RecordSize returns the number of bytes lr takes once serialized.
func (l *LogManager) RecordSize(lr *LogRecord) int {
	return l.serializer.Size(lr)
}

// AppendLog serializes lr and appends it.
func (l *LogManager) AppendLog(lr *LogRecord) (pages.LSN, error) {
	lsn, err := l.Append(l.serializer.Serialize(lr))
	if err != nil {
		return pages.InvalidLSN, fmt.Errorf("append %s: %w", lr, err)
	}

	l.logger.Debug("appended log record", zap.Int64("lsn", int64(lsn)), zap.Stringer("record", lr))
	return lsn, nil
}

// Flush makes every record up to lsn durable. Records share the tail page with all the records appended
// after them, so the whole page is written.
func (l *LogManager) Flush(lsn pages.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lsn >= l.lastSavedLSN {
		return l.flush()
	}
	return nil
}

// Iterator flushes the log and returns an iterator yielding records from the most recent to the oldest.
func (l *LogManager) Iterator() (*LogIterator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flush(); err != nil {
		return nil, err
	}
	return newLogIterator(l.dm, l.currentBlock)
}

// LatestLSN returns the LSN of the most recently appended record, or ZeroLSN when nothing was appended since
// the log was opened.
func (l *LogManager) LatestLSN() pages.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.latestLSN
}

// LastSavedLSN returns the LSN up to which the log is known to be durable.
func (l *LogManager) LastSavedLSN() pages.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lastSavedLSN
}

func (l *LogManager) flush() error {
	if err := l.dm.Write(l.currentBlock, l.logPage); err != nil {
		l.logger.Error("log flush failed", zap.Error(err))
		return fmt.Errorf("flush log: %w", err)
	}

	l.lastSavedLSN = l.latestLSN
	metrics.LogFlushes.Inc()
	return nil
}

// appendNewBlock grows the log file by one block and primes the tail page for it.
func (l *LogManager) appendNewBlock() (disk.BlockID, error) {
	blk, err := l.dm.Append(l.logFile)
	if err != nil {
		return disk.BlockID{}, fmt.Errorf("grow log: %w", err)
	}

	l.logPage.Clear()
	common.PanicIfErr(l.logPage.SetInt(0, int32(l.dm.BlockSize())))
	if err := l.dm.Write(blk, l.logPage); err != nil {
		return disk.BlockID{}, fmt.Errorf("grow log: %w", err)
	}

	metrics.LogBlocks.Inc()
	l.logger.Debug("allocated log block", zap.Stringer("block", blk))
	return blk, nil
}
