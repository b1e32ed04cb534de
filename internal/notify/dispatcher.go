package notify

import (
	"context"
	"sync"
	"time"

	"github.com/kindline-ai/kindline/internal/redact"
)

// Metrics holds counters for notification delivery.
type Metrics struct {
	enqueued uint64
	dropped  uint64

	channelSuccess map[string]uint64
	channelFailure map[string]uint64
}

// Snapshot copies the counters for observation/testing.
func (m *Metrics) Snapshot() Metrics {
	if m == nil {
		return Metrics{}
	}
	out := Metrics{
		enqueued:       m.enqueued,
		dropped:        m.dropped,
		channelSuccess: make(map[string]uint64, len(m.channelSuccess)),
		channelFailure: make(map[string]uint64, len(m.channelFailure)),
	}
	for k, v := range m.channelSuccess {
		out.channelSuccess[k] = v
	}
	for k, v := range m.channelFailure {
		out.channelFailure[k] = v
	}
	return out
}

func (m Metrics) Enqueued() uint64 { return m.enqueued }
func (m Metrics) Dropped() uint64  { return m.dropped }

func (m Metrics) ChannelSuccess(name string) uint64 { return m.channelSuccess[name] }
func (m Metrics) ChannelFailure(name string) uint64 { return m.channelFailure[name] }

// Dispatcher buffers and delivers messages to channels off the request
// path. Crisis messages are different from everything else: if every
// channel fails, the dispatcher invokes the exhaustion callback so the
// case gets flagged for manual review; a crisis notification is never
// allowed to fail silently.
type Dispatcher struct {
	queue           chan Message
	channels        []Channel
	metrics         *Metrics
	shutdownTimeout time.Duration
	onExhausted     func(Message)

	mu        sync.RWMutex
	metricsMu sync.Mutex
	closed    bool
	wg        sync.WaitGroup
}

// DispatcherConfig controls worker and queue sizing.
type DispatcherConfig struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
	// OnExhausted fires when a message fails on every channel.
	OnExhausted func(Message)
}

// NewDispatcher starts background workers delivering to the channels.
func NewDispatcher(cfg DispatcherConfig, channels []Channel) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	workerCount := cfg.Workers
	if workerCount <= 0 {
		workerCount = 1
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 2 * time.Second
	}

	m := &Metrics{
		channelSuccess: make(map[string]uint64, len(channels)),
		channelFailure: make(map[string]uint64, len(channels)),
	}
	for _, c := range channels {
		m.channelSuccess[c.Name()] = 0
		m.channelFailure[c.Name()] = 0
	}

	d := &Dispatcher{
		queue:           make(chan Message, queueSize),
		channels:        channels,
		metrics:         m,
		shutdownTimeout: shutdownTimeout,
		onExhausted:     cfg.OnExhausted,
	}

	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Send enqueues the message without blocking the request path. A full
// queue drops non-crisis messages; crisis messages are delivered inline
// instead of dropped.
func (d *Dispatcher) Send(ctx context.Context, msg Message) {
	if d == nil {
		return
	}

	// The read lock is held across the enqueue so Close cannot shut the
	// queue between the closed check and the send.
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.countDrop()
		return
	}

	select {
	case d.queue <- msg:
		d.mu.RUnlock()
		d.metricsMu.Lock()
		d.metrics.enqueued++
		d.metricsMu.Unlock()
	default:
		d.mu.RUnlock()
		if msg.Kind == KindCrisisDirective {
			d.deliver(msg)
			return
		}
		d.countDrop()
	}
}

// Close stops accepting new messages and waits briefly to drain the queue.
func (d *Dispatcher) Close(ctx context.Context) {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if d.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, d.shutdownTimeout)
		defer cancel()
	}

	select {
	case <-done:
	case <-waitCtx.Done():
	}

	for _, c := range d.channels {
		if err := c.Close(waitCtx); err != nil {
			redact.Logf("notify: channel %s close error: %v", c.Name(), err)
		}
	}
}

// MetricsSnapshot safely copies current counters.
func (d *Dispatcher) MetricsSnapshot() Metrics {
	if d == nil || d.metrics == nil {
		return Metrics{}
	}
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	return d.metrics.Snapshot()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	delivered := false
	for _, c := range d.channels {
		if err := c.Deliver(context.Background(), msg); err != nil {
			redact.Logf("notify: channel %s failed for case %s: %v", c.Name(), msg.CaseID, err)
			d.metricsMu.Lock()
			d.metrics.channelFailure[c.Name()]++
			d.metricsMu.Unlock()
			continue
		}
		delivered = true
		d.metricsMu.Lock()
		d.metrics.channelSuccess[c.Name()]++
		d.metricsMu.Unlock()
	}

	if !delivered && d.onExhausted != nil {
		d.onExhausted(msg)
	}
}

func (d *Dispatcher) countDrop() {
	d.metricsMu.Lock()
	d.metrics.dropped++
	d.metricsMu.Unlock()
}
