package sink

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]Record
}

func (f *fakeWriter) WriteBatch(ctx context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]Record(nil), records...)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeWriter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestRecorderFlushesOnTickerWithoutHittingBatchLimit(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, nil)
	r.Start()
	defer r.Stop()

	r.Record(Record{BatchID: "a", ProjectID: "p", Queue: "events", ItemCount: 1, DeliveredAt: time.Now()})
	r.Record(Record{BatchID: "b", ProjectID: "p", Queue: "events", ItemCount: 1, DeliveredAt: time.Now()})

	deadline := time.After(2 * time.Second)
	for w.total() < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for records to flush, got %d", w.total())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRecorderStopDrainsPendingRecords(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, nil)
	r.Start()

	for i := 0; i < 5; i++ {
		r.Record(Record{BatchID: "x", ProjectID: "p", Queue: "metrics", ItemCount: 1, DeliveredAt: time.Now()})
	}
	r.Stop()

	if got := w.total(); got != 5 {
		t.Fatalf("total records written after Stop = %d, want 5", got)
	}
}

func TestRecorderWithNilWriterIsANoOp(t *testing.T) {
	r := NewRecorder(nil, nil)
	r.Start()
	r.Record(Record{BatchID: "x"})
	r.Stop()
}

func TestRecorderDropsWhenQueueFullRatherThanBlocking(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, nil)
	// Deliberately not calling Start(): the worker never drains the
	// channel, so Record must still return immediately once it fills.
	for i := 0; i < recorderQueueSize+10; i++ {
		r.Record(Record{BatchID: "x"})
	}
}
