// Package audit is the append-only trail of every action attempt. Writes
// are fire-and-forget from the request path: a full buffer drops (and
// counts) entries, a failing sink is reported on the service log, and
// neither ever fails the action that produced the entry.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Actor types recorded on entries.
const (
	ActorAPIKey = "api_key"
	ActorSystem = "system"
)

// Entry is one attempt and its outcome. Params never appear verbatim; only
// their top-level keys and a hash survive.
type Entry struct {
	ID             string    `json:"id"`
	Time           time.Time `json:"time"`
	RequestID      string    `json:"request_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	ActorType      string    `json:"actor_type"`
	ActorID        string    `json:"actor_id,omitempty"`
	Action         string    `json:"action"`
	Outcome        string    `json:"outcome"` // allowed | denied | error
	Code           string    `json:"code,omitempty"`
	DryRun         bool      `json:"dry_run,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	SourceIP       string    `json:"ip_address,omitempty"`
	PayloadHash    string    `json:"payload_hash,omitempty"`
	ParamKeys      []string  `json:"param_keys,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	Message        string    `json:"message,omitempty"`
}

// UsageEvent is the per-call accounting row behind usage summaries.
type UsageEvent struct {
	TenantID   string    `json:"tenant_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Time       time.Time `json:"time"`
	DurationMs int64     `json:"duration_ms"`
}

type Filter struct {
	TenantID string
	Action   string
	Since    time.Time
	Limit    int
}

type Summary struct {
	TenantID  string           `json:"tenant_id"`
	Since     time.Time        `json:"since"`
	Total     int64            `json:"total"`
	ByAction  map[string]int64 `json:"by_action"`
	ByOutcome map[string]int64 `json:"by_outcome"`
}

// Sink is where entries land. Postgres in production, memory in tests.
type Sink interface {
	WriteAudit(ctx context.Context, entries []Entry) error
	WriteUsage(ctx context.Context, events []UsageEvent) error
	QueryAudit(ctx context.Context, f Filter) ([]Entry, error)
	UsageSummary(ctx context.Context, tenantID string, since time.Time) (Summary, error)
}

type WriterOptions struct {
	BufferSize   int
	BatchMax     int
	FlushEvery   time.Duration
	WriteTimeout time.Duration
}

// Writer decouples the request path from the sink: Record never blocks,
// a background loop batches and flushes on size or interval.
type Writer struct {
	sink Sink
	log  *zap.SugaredLogger
	opts WriterOptions

	entries  chan Entry
	usage    chan UsageEvent
	quit     chan struct{}
	finished chan struct{}
	once     sync.Once

	dropped atomic.Int64
}

func NewWriter(sink Sink, log *zap.SugaredLogger, opts WriterOptions) *Writer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.BatchMax <= 0 {
		opts.BatchMax = 64
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	w := &Writer{
		sink:     sink,
		log:      log,
		opts:     opts,
		entries:  make(chan Entry, opts.BufferSize),
		usage:    make(chan UsageEvent, opts.BufferSize),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Record enqueues an entry without ever blocking the caller.
func (w *Writer) Record(e Entry) {
	select {
	case w.entries <- e:
	default:
		w.dropped.Add(1)
	}
}

func (w *Writer) RecordUsage(ev UsageEvent) {
	select {
	case w.usage <- ev:
	default:
		w.dropped.Add(1)
	}
}

// Dropped reports how many entries were lost to a full buffer.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close drains and flushes whatever is queued, then stops the loop.
func (w *Writer) Close() {
	w.once.Do(func() {
		close(w.quit)
		<-w.finished
	})
}

func (w *Writer) loop() {
	defer close(w.finished)
	ticker := time.NewTicker(w.opts.FlushEvery)
	defer ticker.Stop()

	var batch []Entry
	var ubatch []UsageEvent
	for {
		select {
		case e := <-w.entries:
			batch = append(batch, e)
			if len(batch) >= w.opts.BatchMax {
				batch = w.flushEntries(batch)
			}
		case ev := <-w.usage:
			ubatch = append(ubatch, ev)
			if len(ubatch) >= w.opts.BatchMax {
				ubatch = w.flushUsage(ubatch)
			}
		case <-ticker.C:
			batch = w.flushEntries(batch)
			ubatch = w.flushUsage(ubatch)
		case <-w.quit:
			batch, ubatch = w.drain(batch, ubatch)
			w.flushEntries(batch)
			w.flushUsage(ubatch)
			return
		}
	}
}

func (w *Writer) drain(batch []Entry, ubatch []UsageEvent) ([]Entry, []UsageEvent) {
	for {
		select {
		case e := <-w.entries:
			batch = append(batch, e)
		case ev := <-w.usage:
			ubatch = append(ubatch, ev)
		default:
			return batch, ubatch
		}
	}
}

func (w *Writer) flushEntries(batch []Entry) []Entry {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
	defer cancel()
	if err := w.sink.WriteAudit(ctx, batch); err != nil {
		w.log.Errorw("audit write failed", "err", err, "entries", len(batch))
	}
	return nil
}

func (w *Writer) flushUsage(batch []UsageEvent) []UsageEvent {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
	defer cancel()
	if err := w.sink.WriteUsage(ctx, batch); err != nil {
		w.log.Errorw("usage write failed", "err", err, "events", len(batch))
	}
	return nil
}
