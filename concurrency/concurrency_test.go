package concurrency

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undodb/buffer"
	"undodb/disk"
	"undodb/disk/pages"
	"undodb/disk/wal"
	"undodb/metrics"
	"undodb/transaction"
)

const (
	testBlockSize = 400
	testPoolSize  = 8
	testLogFile   = "undodb.log"
)

type testEnv struct {
	dm   *disk.Manager
	lm   *wal.LogManager
	pool *buffer.BufferPool
	tm   *TxnManager
}

func openTestEnv(t *testing.T, dir string) *testEnv {
	t.Helper()

	dm, err := disk.NewDiskManager(dir, testBlockSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	lm, err := wal.OpenLogManager(dm, testLogFile, nil)
	require.NoError(t, err)

	pool := buffer.NewBufferPool(testPoolSize, dm, lm, buffer.WithMaxWait(time.Second))
	return &testEnv{dm: dm, lm: lm, pool: pool, tm: NewTxnManager(pool, lm, nil)}
}

// writeBlock stores an int at offset 8 and a string at offset 40 of blk directly on disk.
func (e *testEnv) writeBlock(t *testing.T, blk disk.BlockID, i int32, s string) {
	t.Helper()

	p := pages.NewPage(testBlockSize)
	require.NoError(t, p.SetInt(8, i))
	require.NoError(t, p.SetString(40, s))
	require.NoError(t, e.dm.Write(blk, p))
}

func (e *testEnv) readBlock(t *testing.T, blk disk.BlockID) (int32, string) {
	t.Helper()

	p := pages.NewPage(testBlockSize)
	require.NoError(t, e.dm.Read(blk, p))
	s, err := p.String(40)
	require.NoError(t, err)
	return p.Int(8), s
}

// apply logs lr and, for updates, writes its new value into the pool the way a transaction does.
func (e *testEnv) apply(t *testing.T, lr *wal.LogRecord) {
	t.Helper()

	lsn, err := e.lm.AppendLog(lr)
	require.NoError(t, err)
	if !lr.IsUpdate() {
		return
	}

	buf, err := e.pool.Pin(lr.Block)
	require.NoError(t, err)
	defer e.pool.Unpin(buf)

	if lr.T == wal.TypeSetInt {
		require.NoError(t, buf.Contents().SetInt(lr.Offset, lr.NewInt))
	} else {
		require.NoError(t, buf.Contents().SetString(lr.Offset, lr.NewString))
	}
	buf.SetModified(lr.TxnID, lsn)
}

// stringImage returns the bytes newVal overwrites when it is stored over old.
func stringImage(old, newVal string) []byte {
	p := pages.NewPage(pages.MaxLength(max(len(old), len(newVal))))
	if err := p.SetString(0, old); err != nil {
		panic(err)
	}
	return p.Contents()[:pages.MaxLength(len(newVal))]
}

func (e *testEnv) lastRecord(t *testing.T) *wal.LogRecord {
	t.Helper()

	it, err := e.lm.Iterator()
	require.NoError(t, err)
	require.True(t, it.HasNext())
	lr, err := it.NextRecord()
	require.NoError(t, err)
	return lr
}

func (e *testEnv) pinnedInt(t *testing.T, blk disk.BlockID, offset int) int32 {
	t.Helper()

	buf, err := e.pool.Pin(blk)
	require.NoError(t, err)
	defer e.pool.Unpin(buf)
	return buf.Contents().Int(offset)
}

func TestRecoveryManager_Rollback_Undoes_Only_Own_Records(t *testing.T) {
	env := openTestEnv(t, t.TempDir())

	blk := disk.NewBlockID("students.tbl", 0)
	other := disk.NewBlockID("students.tbl", 1)
	env.writeBlock(t, blk, 100, "before")

	env.apply(t, wal.NewStartLogRecord(5))
	env.apply(t, wal.NewSetIntLogRecord(5, blk, 8, 200, 100))
	env.apply(t, wal.NewSetStringLogRecord(5, blk, 40, "after", stringImage("before", "after")))
	env.apply(t, wal.NewStartLogRecord(6))
	env.apply(t, wal.NewSetIntLogRecord(6, other, 0, 77, 11))
	env.apply(t, wal.NewCommitLogRecord(6))

	undos := testutil.ToFloat64(metrics.Undos)
	rm := attachRecoveryManager(5, env.lm, env.pool, nil)
	require.NoError(t, rm.Rollback())

	assert.Equal(t, 2, rm.UndoCount())
	assert.Equal(t, undos+2, testutil.ToFloat64(metrics.Undos))
	i, s := env.readBlock(t, blk)
	assert.Equal(t, int32(100), i)
	assert.Equal(t, "before", s)
	assert.Equal(t, int32(77), env.pinnedInt(t, other, 0))

	assert.Equal(t, wal.NewRollbackLogRecord(5), env.lastRecord(t))
	assert.Equal(t, env.lm.LatestLSN(), env.lm.LastSavedLSN())
}

func TestRecoveryManager_Recover_Skips_Finished_Transactions(t *testing.T) {
	env := openTestEnv(t, t.TempDir())

	blk := disk.NewBlockID("students.tbl", 0)
	env.apply(t, wal.NewStartLogRecord(1))
	env.apply(t, wal.NewSetIntLogRecord(1, blk, 8, 1, 0))
	// running when the checkpoint was taken, hence never undone
	env.apply(t, wal.NewStartLogRecord(2))
	env.apply(t, wal.NewSetIntLogRecord(2, blk, 12, 2, 0))
	env.apply(t, wal.NewCommitLogRecord(1))
	env.apply(t, wal.NewCheckpointLogRecord())
	env.apply(t, wal.NewStartLogRecord(3))
	env.apply(t, wal.NewSetIntLogRecord(3, blk, 8, 3, 1))
	env.apply(t, wal.NewCommitLogRecord(3))
	env.apply(t, wal.NewStartLogRecord(4))
	env.apply(t, wal.NewSetStringLogRecord(4, blk, 40, "x", stringImage("", "x")))
	env.apply(t, wal.NewRollbackLogRecord(4))

	rm := attachRecoveryManager(9, env.lm, env.pool, nil)
	maxTxnID, err := rm.Recover()
	require.NoError(t, err)

	assert.Zero(t, rm.UndoCount())
	assert.Equal(t, transaction.TxnID(4), maxTxnID)
	assert.Equal(t, int32(3), env.pinnedInt(t, blk, 8))
	assert.Equal(t, int32(2), env.pinnedInt(t, blk, 12))
	assert.Equal(t, wal.NewCheckpointLogRecord(), env.lastRecord(t))
}

func TestRecoveryManager_Recover_Undoes_Unfinished_Transaction(t *testing.T) {
	env := openTestEnv(t, t.TempDir())

	blk := disk.NewBlockID("students.tbl", 0)
	env.writeBlock(t, blk, 100, "before")

	env.apply(t, wal.NewCheckpointLogRecord())
	env.apply(t, wal.NewStartLogRecord(4))
	env.apply(t, wal.NewSetIntLogRecord(4, blk, 8, 200, 100))
	env.apply(t, wal.NewStartLogRecord(5))
	env.apply(t, wal.NewSetStringLogRecord(4, blk, 40, "after", stringImage("before", "after")))
	env.apply(t, wal.NewCommitLogRecord(5))

	// the uncommitted change reached the disk before the crash
	require.NoError(t, env.pool.FlushDirty())
	i, s := env.readBlock(t, blk)
	require.Equal(t, int32(200), i)
	require.Equal(t, "after", s)

	undos := testutil.ToFloat64(metrics.Undos)
	rm := attachRecoveryManager(10, env.lm, env.pool, nil)
	maxTxnID, err := rm.Recover()
	require.NoError(t, err)

	assert.Equal(t, 2, rm.UndoCount())
	assert.Equal(t, undos+2, testutil.ToFloat64(metrics.Undos))
	assert.Equal(t, transaction.TxnID(5), maxTxnID)
	i, s = env.readBlock(t, blk)
	assert.Equal(t, int32(100), i)
	assert.Equal(t, "before", s)
}

func TestRecoveryManager_Set_Rejects_Values_That_Do_Not_Fit(t *testing.T) {
	env := openTestEnv(t, t.TempDir())

	rm, err := NewRecoveryManager(1, env.lm, env.pool, nil)
	require.NoError(t, err)
	buf, err := env.pool.Pin(disk.NewBlockID("students.tbl", 0))
	require.NoError(t, err)

	lsn := env.lm.LatestLSN()
	_, err = rm.SetInt(buf, testBlockSize-2, 1)
	assert.ErrorIs(t, err, pages.ErrCapacityExceeded)
	_, err = rm.SetString(buf, testBlockSize-6, "hello")
	assert.ErrorIs(t, err, pages.ErrCapacityExceeded)
	assert.Equal(t, lsn, env.lm.LatestLSN())

	got, err := rm.SetString(buf, testBlockSize-9, "hello")
	require.NoError(t, err)
	assert.Equal(t, lsn+1, got)
}

func TestRecoveryManager_SetString_Log_Record_Limit(t *testing.T) {
	env := openTestEnv(t, t.TempDir())
	blk := disk.NewBlockID("students.tbl", 0)
	old := strings.Repeat("a", 200)
	env.writeBlock(t, blk, 1, old)

	// the record holds the new string and the bytes it overwrites
	longest := (env.lm.MaxRecordSize() - 32 - len(blk.FileName())) / 2
	require.Equal(t, 174, longest)

	txn, err := env.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Pin(blk))

	lsn := env.lm.LatestLSN()
	for _, n := range []int{200, longest + 1} {
		err = txn.SetString(blk, 40, strings.Repeat("b", n))
		assert.ErrorIs(t, err, pages.ErrCapacityExceeded)
		assert.NotErrorIs(t, err, wal.ErrRecordTooLarge)
	}
	assert.Equal(t, lsn, env.lm.LatestLSN())
	s, err := txn.GetString(blk, 40)
	require.NoError(t, err)
	assert.Equal(t, old, s)

	require.NoError(t, txn.SetString(blk, 40, strings.Repeat("b", longest)))
	lr := env.lastRecord(t)
	assert.Equal(t, pages.MaxLength(longest), len(lr.OldImage))
	assert.Equal(t, env.lm.MaxRecordSize(), env.lm.RecordSize(lr))

	require.NoError(t, txn.Rollback())
	_, s = env.readBlock(t, blk)
	assert.Equal(t, old, s)
}

func TestTxn_GetInt_Out_Of_Page(t *testing.T) {
	env := openTestEnv(t, t.TempDir())
	blk := disk.NewBlockID("students.tbl", 0)

	txn, err := env.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Pin(blk))

	_, err = txn.GetInt(blk, testBlockSize-3)
	assert.ErrorIs(t, err, pages.ErrCapacityExceeded)
	_, err = txn.GetInt(blk, -1)
	assert.ErrorIs(t, err, pages.ErrCapacityExceeded)
	require.NoError(t, txn.Commit())
}

func TestTxn_Commit_Makes_Changes_Durable(t *testing.T) {
	env := openTestEnv(t, t.TempDir())
	blk := disk.NewBlockID("students.tbl", 2)

	txn, err := env.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Pin(blk))
	require.NoError(t, txn.SetInt(blk, 8, 42))
	require.NoError(t, txn.SetString(blk, 40, "committed"))

	v, err := txn.GetInt(blk, 8)
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)
	s, err := txn.GetString(blk, 40)
	require.NoError(t, err)
	assert.Equal(t, "committed", s)

	require.NoError(t, txn.Commit())
	assert.Equal(t, transaction.Committed, txn.State())
	assert.Equal(t, testPoolSize, env.pool.Available())
	assert.Empty(t, env.tm.ActiveTransactions())

	i, s := env.readBlock(t, blk)
	assert.Equal(t, int32(42), i)
	assert.Equal(t, "committed", s)
	assert.Equal(t, wal.NewCommitLogRecord(txn.GetID()), env.lastRecord(t))

	assert.ErrorIs(t, txn.SetInt(blk, 8, 1), ErrTxnNotActive)
	assert.ErrorIs(t, txn.Commit(), ErrTxnNotActive)
	assert.ErrorIs(t, txn.Rollback(), ErrTxnNotActive)
}

func TestTxn_Rollback_Restores_Previous_Values(t *testing.T) {
	env := openTestEnv(t, t.TempDir())
	blk := disk.NewBlockID("students.tbl", 0)
	env.writeBlock(t, blk, 7, "seven")

	txn, err := env.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Pin(blk))
	require.NoError(t, txn.Pin(blk))
	require.NoError(t, txn.SetInt(blk, 8, 8))
	require.NoError(t, txn.SetString(blk, 40, "eight"))
	require.NoError(t, txn.SetInt(blk, 8, 9))

	require.NoError(t, txn.Rollback())
	assert.Equal(t, transaction.RolledBack, txn.State())
	assert.Equal(t, testPoolSize, env.pool.Available())

	i, s := env.readBlock(t, blk)
	assert.Equal(t, int32(7), i)
	assert.Equal(t, "seven", s)
	assert.Equal(t, wal.NewRollbackLogRecord(txn.GetID()), env.lastRecord(t))
}

func TestTxn_Requires_Pinned_Blocks(t *testing.T) {
	env := openTestEnv(t, t.TempDir())
	blk := disk.NewBlockID("students.tbl", 0)

	txn, err := env.tm.Begin()
	require.NoError(t, err)

	assert.ErrorIs(t, txn.Unpin(blk), ErrBlockNotPinned)
	assert.ErrorIs(t, txn.SetInt(blk, 0, 1), ErrBlockNotPinned)
	_, err = txn.GetString(blk, 0)
	assert.ErrorIs(t, err, ErrBlockNotPinned)

	require.NoError(t, txn.Pin(blk))
	require.NoError(t, txn.Pin(blk))
	require.NoError(t, txn.Unpin(blk))
	_, err = txn.GetInt(blk, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Unpin(blk))
	assert.ErrorIs(t, txn.Unpin(blk), ErrBlockNotPinned)
	assert.Equal(t, testPoolSize, env.pool.Available())
}

func TestTxnManager_Recover_After_Crash(t *testing.T) {
	dir := t.TempDir()
	env := openTestEnv(t, dir)
	blk := disk.NewBlockID("students.tbl", 0)

	committed, err := env.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, committed.Pin(blk))
	require.NoError(t, committed.SetInt(blk, 8, 42))
	require.NoError(t, committed.SetString(blk, 40, "committed"))
	require.NoError(t, committed.Commit())

	crashed, err := env.tm.Begin()
	require.NoError(t, err)
	require.NoError(t, crashed.Pin(blk))
	require.NoError(t, crashed.SetInt(blk, 8, 99))
	require.NoError(t, crashed.SetString(blk, 40, "dirty"))
	require.NoError(t, env.pool.FlushAll(crashed.GetID()))
	require.NoError(t, env.dm.Close())

	i, s := openTestEnv(t, dir).readBlock(t, blk)
	require.Equal(t, int32(99), i)
	require.Equal(t, "dirty", s)

	restarted := openTestEnv(t, dir)
	undone, err := restarted.tm.Recover()
	require.NoError(t, err)
	assert.Equal(t, 2, undone)

	i, s = restarted.readBlock(t, blk)
	assert.Equal(t, int32(42), i)
	assert.Equal(t, "committed", s)
	assert.Equal(t, wal.NewCheckpointLogRecord(), restarted.lastRecord(t))

	next, err := restarted.tm.Begin()
	require.NoError(t, err)
	assert.Greater(t, next.GetID(), crashed.GetID())
}

func TestCheckpointManager_Requires_Quiescence(t *testing.T) {
	env := openTestEnv(t, t.TempDir())
	cm := NewCheckpointManager(env.pool, env.lm, env.tm, nil)
	blk := disk.NewBlockID("students.tbl", 0)

	txn, err := env.tm.Begin()
	require.NoError(t, err)
	assert.ErrorIs(t, cm.TakeCheckpoint(), ErrActiveTransactions)

	require.NoError(t, txn.Pin(blk))
	require.NoError(t, txn.SetInt(blk, 8, 5))
	require.NoError(t, txn.Commit())

	require.NoError(t, cm.TakeCheckpoint())
	assert.Equal(t, wal.NewCheckpointLogRecord(), env.lastRecord(t))
	assert.Equal(t, env.lm.LatestLSN(), env.lm.LastSavedLSN())

	// a later recovery has nothing to do
	rm := attachRecoveryManager(100, env.lm, env.pool, nil)
	_, err = rm.Recover()
	require.NoError(t, err)
	assert.Zero(t, rm.UndoCount())

	_, err = env.tm.Begin()
	require.NoError(t, err)
	assert.Len(t, env.tm.ActiveTransactions(), 1)
}
