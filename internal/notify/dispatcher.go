package notify

import (
	"context"
	"time"

	"voice-jobs-go/internal/logger"
)

// Dispatcher emits events best-effort: bounded by a timeout, failures logged and dropped.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	log     *logger.Logger
	now     func() time.Time
}

func NewDispatcher(sink Sink, timeout time.Duration, log *logger.Logger) *Dispatcher {
	if sink == nil {
		sink = Nop{}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{sink: sink, timeout: timeout, log: log.Component("notify"), now: time.Now}
}

// Publish never fails the caller. A canceled parent context does not stop delivery.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = d.now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("event", ev.Type).WithField("panic", r).Error("notification sink panicked")
		}
	}()
	if err := d.sink.Emit(ctx, ev); err != nil {
		d.log.WithError(err).WithField("event", ev.Type).WithField("call_id", ev.CallID).
			Warn("notification dropped")
	}
}
