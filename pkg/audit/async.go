package audit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultQueueSize bounds the async audit queue
const DefaultQueueSize = 1024

// writeTimeout bounds a single backend write so one slow insert cannot stall
// the drain goroutine indefinitely
const writeTimeout = 5 * time.Second

type queued struct {
	entry    *Entry
	security *SecurityEntry
}

// AsyncLogger wraps a backend Logger with a bounded queue and a single drain
// goroutine. Log and LogSecurity never block and never return an error; when
// the queue is full the entry is dropped and counted. Backend failures are
// swallowed after being reported through onError.
type AsyncLogger struct {
	backend Logger
	queue   chan queued
	onError func(error)

	dropped prometheus.Counter
	depth   prometheus.Gauge

	closeOnce sync.Once
	done      chan struct{}
}

// AsyncOptions configures an AsyncLogger
type AsyncOptions struct {
	// QueueSize bounds the in-memory queue; DefaultQueueSize when <= 0
	QueueSize int

	// OnError receives backend write failures for diagnostics; may be nil
	OnError func(error)

	// Registry receives queue metrics; may be nil
	Registry prometheus.Registerer
}

// NewAsyncLogger wraps backend with a bounded fire-and-forget queue
func NewAsyncLogger(backend Logger, opts AsyncOptions) *AsyncLogger {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	onError := opts.OnError
	if onError == nil {
		onError = func(error) {}
	}

	l := &AsyncLogger{
		backend: backend,
		queue:   make(chan queued, size),
		onError: onError,
		done:    make(chan struct{}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labd_audit_entries_dropped_total",
			Help: "Audit entries dropped because the queue was full",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labd_audit_queue_depth",
			Help: "Current number of audit entries waiting to be written",
		}),
	}

	if opts.Registry != nil {
		opts.Registry.MustRegister(l.dropped, l.depth)
	}

	go l.drain()
	return l
}

// Log enqueues an audit entry. It never blocks; a full queue drops the entry.
func (l *AsyncLogger) Log(ctx context.Context, entry *Entry) error {
	l.enqueue(queued{entry: entry})
	return nil
}

// LogSecurity enqueues a security entry. It never blocks; a full queue drops
// the entry.
func (l *AsyncLogger) LogSecurity(ctx context.Context, entry *SecurityEntry) error {
	l.enqueue(queued{security: entry})
	return nil
}

func (l *AsyncLogger) enqueue(q queued) {
	select {
	case l.queue <- q:
		l.depth.Set(float64(len(l.queue)))
	default:
		l.dropped.Inc()
	}
}

func (l *AsyncLogger) drain() {
	defer close(l.done)
	for q := range l.queue {
		l.depth.Set(float64(len(l.queue)))
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		if q.entry != nil {
			err = l.backend.Log(ctx, q.entry)
		} else if q.security != nil {
			err = l.backend.LogSecurity(ctx, q.security)
		}
		cancel()
		if err != nil {
			l.onError(err)
		}
	}
}

// Close stops accepting entries, drains the queue, and closes the backend
func (l *AsyncLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.queue)
		<-l.done
	})
	return l.backend.Close()
}
