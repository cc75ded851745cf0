package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latoulicious/jockie/pkg/logging"
)

// record is one pending journal row.
type record interface {
	insert(ctx context.Context, tx *sql.Tx) error
}

// WriterStats holds batch writer counters.
type WriterStats struct {
	Written  int64
	Dropped  int64
	Failed   int64
	Buffered int
}

// batchWriter collects journal rows off the caller's goroutine and writes
// them in transactions, either when a batch fills up or on every flush tick.
type batchWriter struct {
	db            *sql.DB
	logger        logging.Logger
	batchSize     int
	flushInterval time.Duration

	in       chan record
	flushReq chan chan error
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

func newBatchWriter(db *sql.DB, logger logging.Logger, batchSize, bufferSize int, flushInterval time.Duration) *batchWriter {
	return &batchWriter{
		db:            db,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		in:            make(chan record, bufferSize),
		flushReq:      make(chan chan error),
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
}

func (w *batchWriter) start() {
	go w.run()
}

// add queues r without blocking. A full buffer drops the row.
func (w *batchWriter) add(r record) bool {
	select {
	case <-w.stopChan:
		return false
	default:
	}

	select {
	case w.in <- r:
		return true
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.logger.Warn("Journal buffer full, dropping rows", logging.Int64("dropped_total", n))
		}
		return false
	}
}

// flush writes everything queued so far and waits for the result.
func (w *batchWriter) flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.flushReq <- reply:
	case <-w.doneChan:
		return ErrWriterStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop writes the remaining rows and ends the writer goroutine.
func (w *batchWriter) stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.doneChan
}

func (w *batchWriter) stats() WriterStats {
	return WriterStats{
		Written:  w.written.Load(),
		Dropped:  w.dropped.Load(),
		Failed:   w.failed.Load(),
		Buffered: len(w.in),
	}
}

func (w *batchWriter) run() {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]record, 0, w.batchSize)
	write := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.writeBatch(batch)
		batch = batch[:0]
		return err
	}
	drain := func() error {
		var err error
		for {
			select {
			case r := <-w.in:
				batch = append(batch, r)
				if len(batch) >= w.batchSize {
					if werr := write(); werr != nil {
						err = werr
					}
				}
			default:
				if werr := write(); werr != nil {
					err = werr
				}
				return err
			}
		}
	}

	for {
		select {
		case r := <-w.in:
			batch = append(batch, r)
			if len(batch) >= w.batchSize {
				write()
			}

		case <-ticker.C:
			write()

		case reply := <-w.flushReq:
			reply <- drain()

		case <-w.stopChan:
			drain()
			return
		}
	}
}

func (w *batchWriter) writeBatch(batch []record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := w.insertAll(ctx, batch)
	if err != nil {
		w.failed.Add(int64(len(batch)))
		w.logger.Error("Failed to write journal batch",
			logging.Int("rows", len(batch)),
			logging.Error(err),
		)
		return err
	}
	w.written.Add(int64(len(batch)))
	return nil
}

func (w *batchWriter) insertAll(ctx context.Context, batch []record) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range batch {
		if err := r.insert(ctx, tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}
