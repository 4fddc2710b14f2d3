package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"iot-dataflow/internal/telemetry/domain"
)

// ErrDispatcherClosed is returned by Submit after Stop.
var ErrDispatcherClosed = errors.New("ingest: dispatcher closed")

// Handler processes one inbound message.
type Handler interface {
	Handle(ctx context.Context, topic string, raw []byte) (domain.WriteResult, error)
}

type job struct {
	topic string
	raw   []byte
}

// Dispatcher fans messages out to a fixed set of workers. Messages on the same
// topic always land on the same worker, so they are written in arrival order.
// A failing message never affects others.
type Dispatcher struct {
	handler Handler
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	queues []chan job
	wg     sync.WaitGroup
}

// NewDispatcher creates workers queues of queueSize. timeout bounds each Handle call; zero means none.
func NewDispatcher(h Handler, workers, queueSize int, timeout time.Duration, log *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{handler: h, timeout: timeout, log: log, queues: make([]chan job, workers)}
	for i := range d.queues {
		d.queues[i] = make(chan job, queueSize)
	}
	return d
}

// Start launches the workers. ctx is the parent of every Handle call.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, q := range d.queues {
		d.wg.Add(1)
		go d.work(ctx, i, q)
	}
}

func (d *Dispatcher) work(ctx context.Context, id int, q <-chan job) {
	defer d.wg.Done()
	for j := range q {
		d.handle(ctx, id, j)
	}
}

func (d *Dispatcher) handle(ctx context.Context, worker int, j job) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("ingest worker recovered from panic", "worker", worker, "topic", j.topic, "panic", r)
		}
	}()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if _, err := d.handler.Handle(ctx, j.topic, j.raw); err != nil {
		var perr *domain.ParseError
		if errors.As(err, &perr) {
			return
		}
		d.log.Error("telemetry message not stored", "worker", worker, "topic", j.topic, "error", err)
	}
}

// Submit queues a message, blocking while its worker's queue is full.
func (d *Dispatcher) Submit(ctx context.Context, topic string, raw []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	q := d.queues[xxhash.Sum64String(topic)%uint64(len(d.queues))]
	select {
	case q <- job{topic: topic, raw: raw}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new messages, lets workers drain their queues and waits for them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}
