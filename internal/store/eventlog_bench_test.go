package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/rendis/gantry/pkg/schema"
)

func newBenchStore(b *testing.B) (*LibSQLStore, *EventLog) {
	b.Helper()
	dir := b.TempDir()
	s, err := NewLibSQLStore("file:" + dir + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s, NewEventLog(s)
}

func benchEvent(executionID string) *schema.ControlEvent {
	return &schema.ControlEvent{
		EventID:     uuid.New().String(),
		ExecutionID: executionID,
		Type:        schema.EventStateChanged,
	}
}

func BenchmarkEventAppend_Sequential(b *testing.B) {
	_, el := newBenchStore(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := el.Append(ctx, benchEvent("exec-bench")); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEventAppend_ManyExecutions(b *testing.B) {
	_, el := newBenchStore(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("exec-%d", i%32)
		if err := el.Append(ctx, benchEvent(id)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEventAppend_Concurrent(b *testing.B) {
	_, el := newBenchStore(b)
	ctx := context.Background()

	b.ResetTimer()
	var wg sync.WaitGroup
	workers := 8
	perWorker := b.N / workers
	if perWorker == 0 {
		perWorker = 1
	}
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("exec-%d", w)
			for i := 0; i < perWorker; i++ {
				if err := el.Append(ctx, benchEvent(id)); err != nil {
					b.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
}
