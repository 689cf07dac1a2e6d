package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const sendTimeout = 10 * time.Second

// Dispatcher queues notifications and delivers them in the background.
// Send never blocks; when the queue is full the notification is dropped and logged.
type Dispatcher struct {
	sink    Sink
	size    int
	queue   chan Notification
	logger  *zap.Logger
	dropped func()

	mu        sync.Mutex
	isRunning bool
	done      chan struct{}
}

// Ensure Dispatcher implements the Sink interface
var _ Sink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher delivering to sink with a queue of queueSize
func NewDispatcher(sink Sink, queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		sink:    sink,
		size:    queueSize,
		logger:  logger,
		dropped: func() {},
	}
}

// OnDrop registers a callback invoked for every dropped notification
func (d *Dispatcher) OnDrop(fn func()) {
	d.dropped = fn
}

// Start launches the delivery loop
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return fmt.Errorf("dispatcher already running")
	}

	d.queue = make(chan Notification, d.size)
	d.done = make(chan struct{})
	d.isRunning = true
	go d.run(d.queue, d.done)

	return nil
}

// Stop closes the queue and waits for queued notifications to drain or ctx to end
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	d.isRunning = false
	close(d.queue)
	done := d.done
	d.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining notification queue: %w", ctx.Err())
	}
}

// Send enqueues n for delivery
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isRunning {
		d.drop(n, "dispatcher not running")
		return nil
	}

	select {
	case d.queue <- n:
	default:
		d.drop(n, "queue full")
	}
	return nil
}

func (d *Dispatcher) drop(n Notification, reason string) {
	d.dropped()
	d.logger.Warn("Dropping notification",
		zap.String("reason", reason),
		zap.String("severity", string(n.Severity)),
		zap.String("target", n.Target),
		zap.String("subject", n.Subject))
}

func (d *Dispatcher) run(queue <-chan Notification, done chan<- struct{}) {
	defer close(done)

	for n := range queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic delivering notification",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := d.sink.Send(ctx, n); err != nil {
		d.logger.Error("Failed to deliver notification",
			zap.String("severity", string(n.Severity)),
			zap.String("target", n.Target),
			zap.String("subject", n.Subject),
			zap.Error(err))
	}
}
