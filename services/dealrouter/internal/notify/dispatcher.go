package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/metrics"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
)

const (
	DefaultQueueSize    = 1024
	DefaultDrainTimeout = 5 * time.Second
)

var ErrQueueFull = errors.New("notify: dispatch queue full")

// Sink delivers one committed transition, e.g. KafkaNotifier.
type Sink interface {
	DealStatusChanged(ctx context.Context, deal storage.Deal, previous storage.DealStatus) error
}

type change struct {
	ctx      context.Context
	deal     storage.Deal
	previous storage.DealStatus
}

// Dispatcher queues committed transitions and delivers them to the sink on
// a single worker, in commit order. Enqueueing never waits on the sink.
type Dispatcher struct {
	sink         Sink
	queue        chan change
	drainTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

func NewDispatcher(sink Sink, size int, drainTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &Dispatcher{
		sink:         sink,
		queue:        make(chan change, size),
		drainTimeout: drainTimeout,
		logger:       logger,
		metrics:      m,
	}
}

// DealStatusChanged enqueues the transition. A full queue drops it and
// returns ErrQueueFull.
func (d *Dispatcher) DealStatusChanged(ctx context.Context, deal storage.Deal, previous storage.DealStatus) error {
	select {
	case d.queue <- change{ctx: context.WithoutCancel(ctx), deal: deal, previous: previous}:
		return nil
	default:
		d.metrics.IncNotify("dropped")
		return ErrQueueFull
	}
}

// Pending is the number of queued transitions not yet delivered.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Run delivers until ctx is done, then drains the queue for at most the
// drain timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case c := <-d.queue:
			d.deliver(c)
		case <-ctx.Done():
			d.drain(time.Now().Add(d.drainTimeout))
			return nil
		}
	}
}

func (d *Dispatcher) drain(deadline time.Time) {
	for {
		if time.Now().After(deadline) {
			d.logger.Warn("notification queue not drained before shutdown", "pending", len(d.queue))
			return
		}
		select {
		case c := <-d.queue:
			d.deliver(c)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(c change) {
	if err := d.sink.DealStatusChanged(c.ctx, c.deal, c.previous); err != nil {
		d.metrics.IncNotify("failed")
		d.logger.Warn("deal status delivery failed",
			"deal_id", c.deal.ID, "status", string(c.deal.Status), "error", err)
		return
	}
	d.metrics.IncNotify("delivered")
}
