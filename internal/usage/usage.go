// Package usage fans in the per-invocation and per-request resource
// records the gateway and runtime emit, and periodically logs aggregated
// totals, standing in for whatever downstream billing/metering collector
// the on-chain marketplace would consume in production. Records are
// accumulated and flushed on an interval rather than logged per call.
package usage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

// Record is one usage observation: either a gateway request (Traffic,
// Requests set) or a runtime invocation (DBWeakReads..MemoryMegabytes set).
// A single stack may accumulate both kinds of record across a flush window.
type Record struct {
	StackID              clusterid.StackID
	Traffic              uint64
	Requests             uint64
	DBWeakReads          uint64
	DBWeakWrites         uint64
	FunctionInstructions uint64
	MemoryMegabytes      uint64
}

func (r *Record) add(o Record) {
	r.Traffic += o.Traffic
	r.Requests += o.Requests
	r.DBWeakReads += o.DBWeakReads
	r.DBWeakWrites += o.DBWeakWrites
	r.FunctionInstructions += o.FunctionInstructions
	if o.MemoryMegabytes > r.MemoryMegabytes {
		r.MemoryMegabytes = o.MemoryMegabytes
	}
}

// Config configures a Recorder's flush cadence and inbox depth.
type Config struct {
	FlushInterval time.Duration
	BufferSize    int
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	return c
}

// Recorder batches Record values per stack over FlushInterval windows and
// logs the aggregated totals, rather than emitting one log line per
// request or invocation.
type Recorder struct {
	cfg Config
	log *logrus.Entry

	inbox chan Record
	stop  chan struct{}
	done  chan struct{}
}

// NewRecorder constructs a Recorder. Run must be called to start flushing.
func NewRecorder(cfg Config) *Recorder {
	cfg = cfg.withDefaults()
	return &Recorder{
		cfg:   cfg,
		log:   logrus.WithField("component", "usage"),
		inbox: make(chan Record, cfg.BufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Record enqueues one usage observation. Non-blocking: under sustained
// overload a full buffer drops the record rather than stalling the caller's
// gateway/runtime reactor.
func (r *Recorder) Record(rec Record) {
	select {
	case r.inbox <- rec:
	default:
		r.log.Warn("usage recorder buffer full, dropping record")
	}
}

// ReportUsage adapts the gateway's narrower UsageReporter contract onto
// Record.
func (r *Recorder) ReportUsage(stackID clusterid.StackID, traffic uint64) {
	r.Record(Record{StackID: stackID, Traffic: traffic, Requests: 1})
}

// Run drains the inbox, aggregating per stack, and flushes totals every
// FlushInterval until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)

	totals := make(map[clusterid.StackID]*Record)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		for id, rec := range totals {
			r.log.WithFields(logrus.Fields{
				"stack":        id.String(),
				"traffic":      rec.Traffic,
				"requests":     rec.Requests,
				"db_reads":     rec.DBWeakReads,
				"db_writes":    rec.DBWeakWrites,
				"instructions": rec.FunctionInstructions,
				"memory_mb":    rec.MemoryMegabytes,
			}).Info("usage window")
		}
		totals = make(map[clusterid.StackID]*Record)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case <-r.stop:
			flush()
			return nil
		case rec := <-r.inbox:
			cur, ok := totals[rec.StackID]
			if !ok {
				cur = &Record{StackID: rec.StackID}
				totals[rec.StackID] = cur
			}
			cur.add(rec)
		case <-ticker.C:
			flush()
		}
	}
}

// Stop requests Run to flush and exit.
func (r *Recorder) Stop() {
	close(r.stop)
	<-r.done
}
