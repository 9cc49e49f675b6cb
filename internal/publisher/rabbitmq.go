package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"bus-tracker/internal/transit"
)

const (
	exchangeName = "fleet.events"
	queueName    = "trip_lifecycle"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type RabbitMetrics interface {
	RabbitPublishedInc()
	RabbitPublishErrInc()
}

// RabbitPublisher emits trip lifecycle messages (start, end, status change)
// on a fanout exchange. Location updates are not forwarded.
type RabbitPublisher struct {
	ch      amqpChannel
	closer  *amqp.Channel
	now     func() time.Time
	metrics RabbitMetrics
}

func NewRabbitPublisher(conn *amqp.Connection, m RabbitMetrics) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchangeName, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(queueName, "", exchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	return &RabbitPublisher{ch: ch, closer: ch, now: time.Now, metrics: m}, nil
}

func (p *RabbitPublisher) Close() {
	if p.closer != nil {
		_ = p.closer.Close()
	}
}

// Trip lifecycle actions carried in tripMessage.Action.
const (
	ActionTripStarted   = "trip_started"
	ActionTripEnded     = "trip_ended"
	ActionStatusChanged = "status_changed"
)

type tripMessage struct {
	VehicleCode string         `json:"vehicle_code"`
	Action      string         `json:"action"`
	Status      transit.Status `json:"status"`
	IsActive    bool           `json:"is_active"`
	Timestamp   int64          `json:"timestamp"`
}

func lifecycleAction(u transit.StatusUpdate) string {
	switch {
	case u.TripEnded:
		return ActionTripEnded
	case u.IsActive:
		return ActionTripStarted
	}
	return ActionStatusChanged
}

// Send forwards statusUpdate events and ignores every other kind.
func (p *RabbitPublisher) Send(ctx context.Context, ev transit.Event) error {
	u, ok := ev.Payload.(transit.StatusUpdate)
	if ev.Kind != transit.KindStatusUpdate || !ok {
		return nil
	}
	msg := tripMessage{
		VehicleCode: u.VehicleCode,
		Action:      lifecycleAction(u),
		Status:      u.Status,
		IsActive:    u.IsActive,
		Timestamp:   p.now().Unix(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal trip message: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, exchangeName, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if p.metrics != nil {
		if err != nil {
			p.metrics.RabbitPublishErrInc()
		} else {
			p.metrics.RabbitPublishedInc()
		}
	}
	return err
}
