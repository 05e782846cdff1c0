// Package audit persists per-request cost records for external analysis.
// Persistence is optional; the gateway's in-memory statistics never depend
// on it.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/thriftgate/thriftgate/internal/accounting"
)

type Store interface {
	Append(ctx context.Context, rec *accounting.Record) error
	GetRecords(ctx context.Context, from, to time.Time) ([]*accounting.Record, error)
	GetTotalSavings(ctx context.Context, from, to time.Time) (float64, error)
}

// Writer drains records to a Store off the request path. Enqueue never
// blocks a request; when the buffer is full the record is dropped with a
// warning, since audit persistence is best-effort by contract.
type Writer struct {
	store Store
	ch    chan accounting.Record
	done  chan struct{}
}

func NewWriter(store Store, buffer int) *Writer {
	w := &Writer{
		store: store,
		ch:    make(chan accounting.Record, buffer),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.store.Append(ctx, &rec); err != nil {
			log.Printf("WARN audit: append record %s: %v", rec.RequestID, err)
		}
		cancel()
	}
}

func (w *Writer) Enqueue(rec accounting.Record) {
	select {
	case w.ch <- rec:
	default:
		log.Printf("WARN audit: buffer full, dropping record %s", rec.RequestID)
	}
}

// Close flushes queued records and waits for the drain loop to finish, or
// for ctx to expire.
func (w *Writer) Close(ctx context.Context) error {
	close(w.ch)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
