package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"undodb/common"
	"undodb/disk/pages"
	"undodb/logger"
	"undodb/metrics"
)

// ErrIO wraps every failure of the underlying file system. Such failures are fatal for the caller and are never
// retried.
var ErrIO = errors.New("block store i/o failure")

// TempFilePrefix marks files that are deleted every time a Manager is opened on the directory.
const TempFilePrefix = "temp"

const (
	statBlocksRead    = "blocks_read"
	statBlocksWritten = "blocks_written"
)

// IDiskManager is the block store. Every method reads or writes whole blocks at block boundaries, so each call
// costs exactly one disk access.
type IDiskManager interface {
	Read(blk BlockID, p *pages.Page) error
	Write(blk BlockID, p *pages.Page) error
	Append(filename string) (BlockID, error)
	Length(filename string) (int, error)
	BlockSize() int
}

var _ IDiskManager = &Manager{}

// Manager is an IDiskManager storing each file of the database as an os file inside one directory. Files are
// opened with O_SYNC so that a returned Write is on disk.
type Manager struct {
	dir       string
	blockSize int
	isNew     bool
	openFiles map[string]*os.File
	mu        sync.Mutex
	stats     *common.Stats
	logger    *zap.Logger
}

func NewDiskManager(dir string, blockSize int, l *zap.Logger) (*Manager, error) {
	l = logger.OrNop(l)
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}

	_, err := os.Stat(dir)
	isNew := os.IsNotExist(err)
	if err != nil && !isNew {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrIO, dir, err)
	}

	if isNew {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create database directory %s: %w", ErrIO, dir, err)
		}
		l.Info("created database directory", zap.String("dir", dir))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrIO, dir, err)
	}

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), TempFilePrefix) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return nil, fmt.Errorf("%w: remove temporary file %s: %w", ErrIO, e.Name(), err)
			}
		}
	}

	return &Manager{
		dir:       dir,
		blockSize: blockSize,
		isNew:     isNew,
		openFiles: make(map[string]*os.File),
		stats:     common.NewStats(),
		logger:    l,
	}, nil
}

// IsNew tells whether the database directory was created by this Manager.
func (d *Manager) IsNew() bool {
	return d.isNew
}

func (d *Manager) BlockSize() int {
	return d.blockSize
}

// Read reads the content of blk into p. Reading past the end of the file yields zeroes.
func (d *Manager) Read(blk BlockID, p *pages.Page) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkPage(p); err != nil {
		return err
	}

	f, err := d.getFile(blk.FileName())
	if err != nil {
		return err
	}

	n, err := f.ReadAt(p.Contents(), d.offset(blk))
	if err != nil && err != io.EOF {
		d.logger.Error("block read failed", zap.Stringer("block", blk), zap.Error(err))
		return fmt.Errorf("%w: read %s: %w", ErrIO, blk, err)
	}
	clear(p.Contents()[n:])

	d.stats.Incr(statBlocksRead)
	metrics.BlocksRead.Inc()
	return nil
}

// Write writes p to blk.
func (d *Manager) Write(blk BlockID, p *pages.Page) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkPage(p); err != nil {
		return err
	}

	f, err := d.getFile(blk.FileName())
	if err != nil {
		return err
	}

	if _, err := f.WriteAt(p.Contents(), d.offset(blk)); err != nil {
		d.logger.Error("block write failed", zap.Stringer("block", blk), zap.Error(err))
		return fmt.Errorf("%w: write %s: %w", ErrIO, blk, err)
	}

	d.stats.Incr(statBlocksWritten)
	metrics.BlocksWritten.Inc()
	return nil
}

// Append extends filename by one zeroed block and returns it.
func (d *Manager) Append(filename string) (BlockID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.length(filename)
	if err != nil {
		return BlockID{}, err
	}

	blk := NewBlockID(filename, n)
	f, err := d.getFile(filename)
	if err != nil {
		return BlockID{}, err
	}

	if _, err := f.WriteAt(make([]byte, d.blockSize), d.offset(blk)); err != nil {
		return BlockID{}, fmt.Errorf("%w: append %s: %w", ErrIO, blk, err)
	}

	d.stats.Incr(statBlocksWritten)
	metrics.BlocksWritten.Inc()
	return blk, nil
}

// Length returns the size of filename in blocks.
func (d *Manager) Length(filename string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.length(filename)
}

func (d *Manager) BlocksRead() int {
	return d.stats.Get(statBlocksRead)
}

func (d *Manager) BlocksWritten() int {
	return d.stats.Get(statBlocksWritten)
}

func (d *Manager) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for name, f := range d.openFiles {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%w: close %s: %w", ErrIO, name, err))
		}
		delete(d.openFiles, name)
	}
	return errors.Join(errs...)
}

func (d *Manager) length(filename string) (int, error) {
	f, err := d.getFile(filename)
	if err != nil {
		return 0, err
	}

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %w", ErrIO, filename, err)
	}
	return int(info.Size() / int64(d.blockSize)), nil
}

func (d *Manager) offset(blk BlockID) int64 {
	return int64(blk.Number()) * int64(d.blockSize)
}

func (d *Manager) checkPage(p *pages.Page) error {
	if p.Size() != d.blockSize {
		return fmt.Errorf("page of %d bytes cannot hold a block of %d bytes", p.Size(), d.blockSize)
	}
	return nil
}

func (d *Manager) getFile(filename string) (*os.File, error) {
	if f, ok := d.openFiles[filename]; ok {
		return f, nil
	}

	f, err := os.OpenFile(filepath.Join(d.dir, filename), os.O_CREATE|os.O_RDWR|os.O_SYNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrIO, filename, err)
	}
	d.openFiles[filename] = f
	return f, nil
}
