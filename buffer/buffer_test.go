package buffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undodb/disk"
	"undodb/disk/pages"
	"undodb/transaction"
)

// journal records the order in which the log and the disk are touched.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, fmt.Sprintf(format, args...))
}

func (j *journal) get() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]string(nil), j.events...)
}

type mockDiskManager struct {
	j *journal
}

func (m *mockDiskManager) Read(blk disk.BlockID, p *pages.Page) error {
	m.j.add("read %s:%d", blk.FileName(), blk.Number())
	return nil
}

func (m *mockDiskManager) Write(blk disk.BlockID, p *pages.Page) error {
	m.j.add("write %s:%d", blk.FileName(), blk.Number())
	return nil
}

func (m *mockDiskManager) Append(filename string) (disk.BlockID, error) {
	return disk.BlockID{}, nil
}

func (m *mockDiskManager) Length(filename string) (int, error) {
	return 0, nil
}

func (m *mockDiskManager) BlockSize() int {
	return 64
}

type mockLogManager struct {
	j *journal
}

func (m *mockLogManager) Flush(lsn pages.LSN) error {
	m.j.add("flush log %d", lsn)
	return nil
}

func newMocks() (*journal, *mockDiskManager, *mockLogManager) {
	j := &journal{}
	return j, &mockDiskManager{j: j}, &mockLogManager{j: j}
}

func TestBuffer(t *testing.T) {
	t.Parallel()

	t.Run("dirty buffers flush the log before writing the page", func(t *testing.T) {
		t.Parallel()
		j, dm, lm := newMocks()

		buf := newBuffer(dm, lm, 0)
		require.NoError(t, buf.assignToBlock(disk.NewBlockID("test", 1)))
		buf.SetModified(123, 7)
		require.NoError(t, buf.flush())

		assert.Equal(t, []string{"read test:1", "flush log 7", "write test:1"}, j.get())
		assert.Equal(t, transaction.InvalidTxnID, buf.ModifyingTxn())
	})

	t.Run("unmodified buffers are not flushed", func(t *testing.T) {
		t.Parallel()
		j, dm, lm := newMocks()

		buf := newBuffer(dm, lm, 0)
		require.NoError(t, buf.flush())
		assert.Empty(t, j.get())
	})

	t.Run("negative lsn keeps the recorded one", func(t *testing.T) {
		t.Parallel()
		_, dm, lm := newMocks()

		buf := newBuffer(dm, lm, 0)
		buf.SetModified(3, 10)
		buf.SetModified(4, pages.InvalidLSN)
		assert.Equal(t, pages.LSN(10), buf.LSN())
		assert.Equal(t, transaction.TxnID(4), buf.ModifyingTxn())
	})
}
