package usage

import (
	"context"
	"testing"
	"time"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

func TestRecorderRunReturnsCanceledAfterReports(t *testing.T) {
	r := NewRecorder(Config{FlushInterval: time.Hour, BufferSize: 8})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	id, err := clusterid.RandomStackID('s')
	if err != nil {
		t.Fatalf("RandomStackID: %v", err)
	}
	r.ReportUsage(id, 100)
	r.ReportUsage(id, 50)

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestRecordAddAccumulatesAndTakesMaxMemory(t *testing.T) {
	rec := &Record{}
	rec.add(Record{Traffic: 10, Requests: 1, DBWeakReads: 2, MemoryMegabytes: 5})
	rec.add(Record{Traffic: 5, Requests: 1, DBWeakWrites: 3, MemoryMegabytes: 8})

	if rec.Traffic != 15 || rec.Requests != 2 || rec.DBWeakReads != 2 || rec.DBWeakWrites != 3 {
		t.Fatalf("unexpected aggregate: %+v", rec)
	}
	if rec.MemoryMegabytes != 8 {
		t.Fatalf("memory = %d, want max(5,8)=8", rec.MemoryMegabytes)
	}
}

func TestRecorderDropsWhenBufferFull(t *testing.T) {
	r := NewRecorder(Config{FlushInterval: time.Hour, BufferSize: 1})
	id, _ := clusterid.RandomStackID('s')

	// Fill the buffer without a consumer running; the second call must not
	// block.
	r.Record(Record{StackID: id, Requests: 1})
	done := make(chan struct{})
	go func() {
		r.Record(Record{StackID: id, Requests: 1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer instead of dropping")
	}
}
