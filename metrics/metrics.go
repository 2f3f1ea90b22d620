// Package metrics holds the Prometheus collectors updated by the engine. Collectors are always live; they are
// only exposed once Register is called with a registerer.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "undodb"

var (
	BlocksRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "disk", Name: "blocks_read_total",
		Help: "Number of blocks read from the block store.",
	})
	BlocksWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "disk", Name: "blocks_written_total",
		Help: "Number of blocks written to the block store.",
	})

	LogAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "wal", Name: "appends_total",
		Help: "Number of records appended to the log.",
	})
	LogFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "wal", Name: "flushes_total",
		Help: "Number of physical writes of the log tail page.",
	})
	LogBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "wal", Name: "blocks_allocated_total",
		Help: "Number of blocks appended to the log file.",
	})

	BufferPins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "pins_total",
		Help: "Number of successful pins, by whether the block was already resident.",
	}, []string{"result"})
	BufferEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "reassignments_total",
		Help: "Number of buffers reassigned to a different block.",
	})
	PinWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "pin_waits_total",
		Help: "Number of times a pin request had to wait for an unpin.",
	})
	PinTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "pin_timeouts_total",
		Help: "Number of pin requests that gave up because the pool stayed exhausted.",
	})
	BuffersAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "buffer", Name: "available",
		Help: "Number of unpinned buffers in the most recently updated pool.",
	})

	TxnOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "txn", Name: "finished_total",
		Help: "Number of transactions finished, by outcome.",
	}, []string{"outcome"})
	Undos = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "recovery", Name: "undos_total",
		Help: "Number of update records undone by rollback or restart recovery.",
	})
	Checkpoints = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "recovery", Name: "checkpoints_total",
		Help: "Number of checkpoint records written.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		BlocksRead, BlocksWritten,
		LogAppends, LogFlushes, LogBlocks,
		BufferPins, BufferEvictions, PinWaits, PinTimeouts, BuffersAvailable,
		TxnOutcomes, Undos, Checkpoints,
	}
}

// Register registers every engine collector with reg. Registering twice with the same registerer is not an
// error.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
