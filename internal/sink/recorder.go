package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	recorderQueueSize  = 10000
	recorderBatchLimit = 100
	recorderFlushEvery = 500 * time.Millisecond
)

// Recorder is a non-blocking front for a Writer: Record never blocks
// the flush path that calls it, and the backing writer is only ever
// touched from a single worker goroutine. Uses a
// channel-buffer-plus-batching-worker-plus-drain-on-Stop pattern.
type Recorder struct {
	ch       chan Record
	writer   Writer
	logger   *zap.Logger
	wg       sync.WaitGroup
	isClosed atomic.Bool
}

// NewRecorder wraps writer in a non-blocking, batching front. A nil
// writer is a supported no-op mode.
func NewRecorder(writer Writer, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		ch:     make(chan Record, recorderQueueSize),
		writer: writer,
		logger: logger.Named("sink.recorder"),
	}
}

// Start launches the background worker. No-op if writer is nil.
func (r *Recorder) Start() {
	if r.writer == nil {
		return
	}
	r.wg.Add(1)
	go r.worker()
}

// Stop closes the input channel and waits for the worker to drain and
// flush whatever remains, then returns. Safe to call even if Start was
// never called (e.g. writer == nil).
func (r *Recorder) Stop() {
	if r.writer == nil {
		return
	}
	r.isClosed.Store(true)
	close(r.ch)
	r.wg.Wait()
}

// Record enqueues rec for eventual write. If the channel is full the
// record is dropped and logged rather than blocking the caller — the
// compliance sink is best-effort and must never add backpressure to
// the delivery path it is recording.
func (r *Recorder) Record(rec Record) {
	if r.writer == nil || r.isClosed.Load() {
		return
	}
	select {
	case r.ch <- rec:
	default:
		r.logger.Warn("compliance record dropped: recorder queue full", zap.String("batch_id", rec.BatchID))
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	batch := make([]Record, 0, recorderBatchLimit)
	ticker := time.NewTicker(recorderFlushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.writer.WriteBatch(context.Background(), batch); err != nil {
			r.logger.Warn("compliance batch write failed", zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= recorderBatchLimit {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
