package concurrency

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"undodb/buffer"
	"undodb/disk"
	"undodb/disk/pages"
	"undodb/logger"
	"undodb/metrics"
	"undodb/transaction"
)

var ErrBlockNotPinned = errors.New("block is not pinned by the transaction")

var _ transaction.Transaction = &Txn{}

// Txn is a running transaction. It keeps track of the blocks it pinned and logs every change it makes before
// applying it. A Txn must be used by one goroutine at a time.
type Txn struct {
	id      transaction.TxnID
	state   transaction.State
	rm      *RecoveryManager
	pool    buffer.Pool
	mgr     *TxnManager
	buffers map[disk.BlockID]*buffer.Buffer
	pins    map[disk.BlockID]int
}

func (t *Txn) GetID() transaction.TxnID {
	return t.id
}

func (t *Txn) State() transaction.State {
	return t.state
}

func (t *Txn) checkActive() error {
	if t.state != transaction.Active {
		return fmt.Errorf("%w: txn %d is %s", ErrTxnNotActive, t.id, t.state)
	}
	return nil
}

// Pin pins blk for the transaction. A block may be pinned several times and needs as many Unpin calls.
func (t *Txn) Pin(blk disk.BlockID) error {
	if err := t.checkActive(); err != nil {
		return err
	}

	buf, err := t.pool.Pin(blk)
	if err != nil {
		return fmt.Errorf("txn %d: %w", t.id, err)
	}
	t.buffers[blk] = buf
	t.pins[blk]++
	return nil
}

func (t *Txn) Unpin(blk disk.BlockID) error {
	if err := t.checkActive(); err != nil {
		return err
	}

	buf, err := t.buffer(blk)
	if err != nil {
		return err
	}

	t.pool.Unpin(buf)
	if t.pins[blk]--; t.pins[blk] == 0 {
		delete(t.pins, blk)
		delete(t.buffers, blk)
	}
	return nil
}

func (t *Txn) GetInt(blk disk.BlockID, offset int) (int32, error) {
	if err := t.checkActive(); err != nil {
		return 0, err
	}

	buf, err := t.buffer(blk)
	if err != nil {
		return 0, err
	}

	p := buf.Contents()
	if offset < 0 || offset+4 > p.Size() {
		return 0, fmt.Errorf("txn %d: %w: int at offset %d of %s", t.id, pages.ErrCapacityExceeded, offset, blk)
	}
	return p.Int(offset), nil
}

func (t *Txn) GetString(blk disk.BlockID, offset int) (string, error) {
	if err := t.checkActive(); err != nil {
		return "", err
	}

	buf, err := t.buffer(blk)
	if err != nil {
		return "", err
	}
	return buf.Contents().String(offset)
}

// SetInt logs the change and writes val at offset of the pinned block blk.
func (t *Txn) SetInt(blk disk.BlockID, offset int, val int32) error {
	if err := t.checkActive(); err != nil {
		return err
	}

	buf, err := t.buffer(blk)
	if err != nil {
		return err
	}

	lsn, err := t.rm.SetInt(buf, offset, val)
	if err != nil {
		return fmt.Errorf("txn %d: set int: %w", t.id, err)
	}
	if err := buf.Contents().SetInt(offset, val); err != nil {
		return err
	}
	buf.SetModified(t.id, lsn)
	return nil
}

// SetString logs the change and writes val at offset of the pinned block blk.
func (t *Txn) SetString(blk disk.BlockID, offset int, val string) error {
	if err := t.checkActive(); err != nil {
		return err
	}

	buf, err := t.buffer(blk)
	if err != nil {
		return err
	}

	lsn, err := t.rm.SetString(buf, offset, val)
	if err != nil {
		return fmt.Errorf("txn %d: set string: %w", t.id, err)
	}
	if err := buf.Contents().SetString(offset, val); err != nil {
		return err
	}
	buf.SetModified(t.id, lsn)
	return nil
}

// Commit makes the transaction's changes durable and releases its pins.
func (t *Txn) Commit() error {
	if err := t.checkActive(); err != nil {
		return err
	}

	if err := t.rm.Commit(); err != nil {
		return err
	}
	t.finish(transaction.Committed)
	return nil
}

// Rollback undoes the transaction's changes and releases its pins.
func (t *Txn) Rollback() error {
	if err := t.checkActive(); err != nil {
		return err
	}

	if err := t.rm.Rollback(); err != nil {
		return err
	}
	t.finish(transaction.RolledBack)
	return nil
}

func (t *Txn) finish(state transaction.State) {
	for blk, n := range t.pins {
		for i := 0; i < n; i++ {
			t.pool.Unpin(t.buffers[blk])
		}
	}
	clear(t.pins)
	clear(t.buffers)

	t.state = state
	t.mgr.finished(t)
}

func (t *Txn) buffer(blk disk.BlockID) (*buffer.Buffer, error) {
	buf, ok := t.buffers[blk]
	if !ok {
		return nil, fmt.Errorf("%w: txn %d, %s", ErrBlockNotPinned, t.id, blk)
	}
	return buf, nil
}

// TxnManager starts transactions and keeps track of the running ones.
type TxnManager struct {
	actives    map[transaction.TxnID]*Txn
	lm         LogManager
	pool       buffer.Pool
	txnCounter transaction.TxnID
	mut        sync.Mutex
	newTxn     sync.RWMutex
	logger     *zap.Logger
}

func NewTxnManager(pool buffer.Pool, lm LogManager, l *zap.Logger) *TxnManager {
	return &TxnManager{
		actives: map[transaction.TxnID]*Txn{},
		lm:      lm,
		pool:    pool,
		logger:  logger.OrNop(l),
	}
}

// Begin starts a transaction. It waits while new transactions are blocked by a checkpoint.
func (t *TxnManager) Begin() (*Txn, error) {
	t.newTxn.RLock()
	defer t.newTxn.RUnlock()

	id := t.nextID()
	rm, err := NewRecoveryManager(id, t.lm, t.pool, t.logger)
	if err != nil {
		return nil, err
	}

	txn := &Txn{
		id:      id,
		state:   transaction.Active,
		rm:      rm,
		pool:    t.pool,
		mgr:     t,
		buffers: map[disk.BlockID]*buffer.Buffer{},
		pins:    map[disk.BlockID]int{},
	}

	t.mut.Lock()
	t.actives[id] = txn
	t.mut.Unlock()

	t.logger.Debug("began txn", zap.Int32("txn", int32(id)))
	return txn, nil
}

// Recover runs restart recovery in a transaction of its own and returns the number of records it undid.
// Transactions begun afterwards get ids above every id found in the log. It must be called before any
// transaction begins.
func (t *TxnManager) Recover() (int, error) {
	t.newTxn.Lock()
	defer t.newTxn.Unlock()

	id := t.nextID()
	rm, err := NewRecoveryManager(id, t.lm, t.pool, t.logger)
	if err != nil {
		return 0, err
	}

	maxTxnID, err := rm.Recover()
	if err != nil {
		return rm.UndoCount(), err
	}

	t.mut.Lock()
	t.txnCounter = max(t.txnCounter, maxTxnID)
	t.mut.Unlock()

	t.logger.Info("recovered", zap.Int("undone", rm.UndoCount()), zap.Int32("max_txn", int32(maxTxnID)))
	return rm.UndoCount(), nil
}

// BlockNewTransactions makes Begin wait until ResumeNewTransactions is called.
func (t *TxnManager) BlockNewTransactions() {
	t.newTxn.Lock()
}

func (t *TxnManager) ResumeNewTransactions() {
	t.newTxn.Unlock()
}

// ActiveTransactions returns the ids of running transactions in ascending order.
func (t *TxnManager) ActiveTransactions() []transaction.TxnID {
	t.mut.Lock()
	defer t.mut.Unlock()

	res := make([]transaction.TxnID, 0, len(t.actives))
	for id := range t.actives {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (t *TxnManager) nextID() transaction.TxnID {
	t.mut.Lock()
	defer t.mut.Unlock()

	t.txnCounter++
	return t.txnCounter
}

func (t *TxnManager) finished(txn *Txn) {
	t.mut.Lock()
	delete(t.actives, txn.id)
	t.mut.Unlock()

	outcome := "commit"
	if txn.state == transaction.RolledBack {
		outcome = "rollback"
	}
	metrics.TxnOutcomes.WithLabelValues(outcome).Inc()
	t.logger.Debug("finished txn", zap.Int32("txn", int32(txn.id)), zap.Stringer("state", txn.state))
}
