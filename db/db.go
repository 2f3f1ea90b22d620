// Package db wires the engine together: it opens the block store, the log, the buffer pool and the
// transaction manager once, recovers an existing database and shuts everything down with a checkpoint.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"undodb/buffer"
	"undodb/concurrency"
	"undodb/config"
	"undodb/disk"
	"undodb/disk/wal"
	"undodb/logger"
)

const tracerName = "undodb/db"

type DB struct {
	cm   *concurrency.CheckpointManager
	pool *buffer.BufferPool
	Tm   *concurrency.TxnManager
	dm   *disk.Manager
	lm   *wal.LogManager
	l    *zap.Logger

	sessionID string
	recovered int
	tracer    trace.Tracer

	checkPointRunning bool
	checkPointDone    chan bool
	checkPointStopped chan bool
}

type options struct {
	logger         *zap.Logger
	tracerProvider trace.TracerProvider
}

type Option func(*options)

// WithLogger makes the engine log to l instead of a logger built from the config.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTracerProvider makes the engine trace with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// Open opens the database described by cfg. An existing database is recovered before Open returns.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (hdb *DB, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	o := options{tracerProvider: otel.GetTracerProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	l := o.logger
	if l == nil {
		if l, err = logger.New(cfg.Log); err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
	}

	sessionID := uuid.NewString()
	l = l.With(zap.String("session", sessionID))

	tracer := o.tracerProvider.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "db.Open", trace.WithAttributes(
		attribute.String("session", sessionID),
		attribute.String("dir", cfg.Dir),
		attribute.Int("block_size", cfg.BlockSize),
		attribute.Int("pool_size", cfg.PoolSize),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	dm, err := disk.NewDiskManager(cfg.Dir, cfg.BlockSize, l)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	defer func() {
		if err != nil {
			dm.Close()
		}
	}()

	lm, err := wal.OpenLogManager(dm, cfg.LogFile, l)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	replacer, err := buffer.NewReplacer(cfg.Replacer, cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	pool := buffer.NewBufferPool(cfg.PoolSize, dm, lm,
		buffer.WithMaxWait(cfg.PinTimeout),
		buffer.WithReplacer(replacer),
		buffer.WithLogger(l),
	)

	tm := concurrency.NewTxnManager(pool, lm, l)
	hdb = &DB{
		cm:                concurrency.NewCheckpointManager(pool, lm, tm, l),
		pool:              pool,
		Tm:                tm,
		dm:                dm,
		lm:                lm,
		l:                 l,
		sessionID:         sessionID,
		tracer:            tracer,
		checkPointDone:    make(chan bool),
		checkPointStopped: make(chan bool),
	}

	if !dm.IsNew() {
		if err := hdb.recoverDB(ctx); err != nil {
			return nil, fmt.Errorf("failed to recover db: %w", err)
		}
	}

	if cfg.CheckpointInterval > 0 {
		hdb.StartCheckpointRoutine(cfg.CheckpointInterval)
	}

	span.SetAttributes(attribute.Bool("created", dm.IsNew()), attribute.Int("undone", hdb.recovered))
	l.Info("opened db", zap.String("dir", cfg.Dir), zap.Bool("created", dm.IsNew()), zap.Int("undone", hdb.recovered))
	return hdb, nil
}

// recoverDB undoes the transactions that were running when the database was last used. If the database was
// closed gracefully the log ends with a checkpoint and there is nothing to undo.
func (d *DB) recoverDB(ctx context.Context) error {
	_, span := d.tracer.Start(ctx, "db.Recover")
	defer span.End()

	start := time.Now()
	undone, err := d.Tm.Recover()
	d.recovered = undone
	span.SetAttributes(attribute.Int("undone", undone))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	d.l.Info("recovery finished", zap.Int("undone", undone), zap.Duration("took", time.Since(start)))
	return nil
}

// StartCheckpointRoutine tries a checkpoint every interval until Close. Attempts made while transactions are
// running are skipped.
func (d *DB) StartCheckpointRoutine(interval time.Duration) {
	d.checkPointRunning = true
	go func() {
		for {
			tick := time.After(interval)
			select {
			case <-tick:
				err := d.Checkpoint(context.Background())
				if errors.Is(err, concurrency.ErrActiveTransactions) {
					d.l.Debug("checkpoint skipped", zap.Error(err))
				} else if err != nil {
					d.l.Error("checkpoint failed", zap.Error(err))
				}
			case <-d.checkPointDone:
				d.l.Debug("stopped checkpoint routine")
				d.checkPointStopped <- true
				return
			}
		}
	}()
}

// Checkpoint takes a quiescent checkpoint. It fails with concurrency.ErrActiveTransactions while a
// transaction is running.
func (d *DB) Checkpoint(ctx context.Context) error {
	_, span := d.tracer.Start(ctx, "db.Checkpoint")
	defer span.End()

	if err := d.cm.TakeCheckpoint(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (d *DB) BeginTxn() (*concurrency.Txn, error) {
	return d.Tm.Begin()
}

// Close stops the checkpoint routine, takes a final checkpoint and closes the files. The files are closed even
// if the checkpoint fails, in which case the next Open recovers.
func (d *DB) Close(ctx context.Context) error {
	if d.checkPointRunning {
		d.checkPointDone <- true
		<-d.checkPointStopped
		d.checkPointRunning = false
	}

	cpErr := d.Checkpoint(ctx)
	if cpErr != nil {
		d.l.Warn("closing without a final checkpoint", zap.Error(cpErr))
	}

	err := errors.Join(cpErr, d.dm.Close())
	d.l.Info("closed db")
	_ = d.l.Sync()
	return err
}

// Recovered returns the number of records undone when the database was opened.
func (d *DB) Recovered() int {
	return d.recovered
}

func (d *DB) SessionID() string {
	return d.sessionID
}

func (d *DB) LogManager() *wal.LogManager {
	return d.lm
}

func (d *DB) BufferPool() *buffer.BufferPool {
	return d.pool
}

func (d *DB) DiskManager() *disk.Manager {
	return d.dm
}
