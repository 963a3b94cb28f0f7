package notification

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
)

const (
	EventOrderPlaced        = "order.placed"
	EventOrderStatusChanged = "order.status_changed"
	EventPaymentSucceeded   = "payment.succeeded"
	EventPaymentFailed      = "payment.failed"
	publishTimeout          = 5 * time.Second
)

// MessageWriter is the part of kafka.Writer the event notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Event is the JSON payload published for every order event. Messages are
// keyed by order id so one order's events stay in order on a partition.
type Event struct {
	Type           string    `json:"type"`
	OrderID        string    `json:"order_id"`
	OrderNumber    string    `json:"order_number"`
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	PaymentMethod  string    `json:"payment_method"`
	PaymentStatus  string    `json:"payment_status"`
	Total          string    `json:"total"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type EventNotifier struct {
	writer MessageWriter
	now    func() time.Time
}

func NewEventNotifier(writer MessageWriter) *EventNotifier {
	return &EventNotifier{
		writer: writer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewKafkaWriter returns nil when no brokers are configured.
func NewKafkaWriter(brokersCSV, topic string) *kafka.Writer {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

func (n *EventNotifier) OrderPlaced(ctx context.Context, o *order.Order) {
	n.publish(ctx, EventOrderPlaced, o, "")
}

func (n *EventNotifier) PaymentSucceeded(ctx context.Context, o *order.Order) {
	n.publish(ctx, EventPaymentSucceeded, o, "")
}

func (n *EventNotifier) PaymentFailed(ctx context.Context, o *order.Order) {
	n.publish(ctx, EventPaymentFailed, o, "")
}

func (n *EventNotifier) StatusChanged(ctx context.Context, o *order.Order, from order.Status) {
	n.publish(ctx, EventOrderStatusChanged, o, from)
}

func (n *EventNotifier) publish(ctx context.Context, eventType string, o *order.Order, from order.Status) {
	event := Event{
		Type:           eventType,
		OrderID:        o.ID.String(),
		OrderNumber:    o.Number,
		UserID:         o.UserID.String(),
		Status:         string(o.Status.Current),
		PreviousStatus: string(from),
		PaymentMethod:  string(o.Payment.Method),
		PaymentStatus:  string(o.Payment.Status),
		Total:          o.Totals.Total.StringFixed(2),
		OccurredAt:     n.now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Str("event", eventType).Msg("notification: failed to encode event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.OrderID),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Str("event", eventType).Msg("notification: failed to publish event")
		return
	}
	log.Debug().Stringer("order_id", o.ID).Str("event", eventType).Msg("notification: event published")
}
