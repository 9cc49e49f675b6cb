// Package publisher forwards hub events to external brokers.
package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"bus-tracker/internal/hub"
	"bus-tracker/internal/transit"
)

// Sink delivers one event to an external broker.
type Sink interface {
	Send(ctx context.Context, ev transit.Event) error
}

// sendTimeout bounds a single Send.
const sendTimeout = 5 * time.Second

// Forward subscribes to every vehicle event and hands each one to sink until
// ctx is done. A subscription dropped by the hub for being slow is renewed.
// It returns nil on cancellation and hub.ErrClosed once the hub shuts down.
func Forward(ctx context.Context, h *hub.Hub, name string, sink Sink) error {
	log := logrus.WithField("sink", name)
	for {
		sub := h.NewSubscriber()
		if err := h.Subscribe(hub.AllVehicles, sub); err != nil {
			return err
		}
		err := drain(ctx, sub, sink, log)
		h.Remove(sub)
		if err != nil {
			return nil
		}
		log.Warn("subscription dropped, resubscribing")
	}
}

// drain returns ctx.Err() on cancellation and nil when the queue closes.
func drain(ctx context.Context, sub *hub.Subscriber, sink Sink, log *logrus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := sink.Send(sctx, ev)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).WithFields(logrus.Fields{"vehicle": ev.Vehicle, "kind": ev.Kind}).Warn("forward event failed")
			}
		}
	}
}
