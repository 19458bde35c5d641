package dsub

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Queue names for the document notification pipeline.
const (
	NotificationQueueName = "xds_document_notification_queue"
	NotificationDLQName   = "xds_document_notification_dlq"
)

// DocumentEvent is the payload queued for every registered document.
type DocumentEvent struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	FacilityID   string    `json:"facility_id"`
	RegisteredAt time.Time `json:"registered_at"`
	FailedCount  int       `json:"failed_count"`
}

// Queue manages the RabbitMQ notification queues: completed transactions
// publish document events here and the notifier worker drains them.
type Queue struct {
	ch  *amqp.Channel
	log *zap.Logger
}

// NewQueue initializes the queue service, declares durable queues, and
// enables publisher confirms.
func NewQueue(conn *amqp.Connection, log *zap.Logger) (*Queue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	for _, name := range []string{NotificationQueueName, NotificationDLQName} {
		if _, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		); err != nil {
			return nil, err
		}
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		return nil, err
	}

	return &Queue{ch: ch, log: log}, nil
}

// Publish enqueues a document event.
func (q *Queue) Publish(ctx context.Context, event *DocumentEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return q.ch.PublishWithContext(ctx, "", NotificationQueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Body:         body,
	})
}

// Consume drains the notification queue, handing each event to the handler.
// A failing event is republished until it has failed three times in all
// (the first delivery plus two retries) and is then parked on the DLQ.
func (q *Queue) Consume(ctx context.Context, handler func(context.Context, *DocumentEvent) error) error {
	deliveries, err := q.ch.Consume(NotificationQueueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			q.handleDelivery(ctx, delivery, handler)
		}
	}
}

func (q *Queue) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler func(context.Context, *DocumentEvent) error) {
	var event DocumentEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		q.log.Error("undecodable document event, parking on DLQ", zap.Error(err))
		q.park(ctx, delivery.Body)
		delivery.Ack(false)
		return
	}

	if err := handler(ctx, &event); err != nil {
		event.FailedCount++
		q.log.Error("document notification failed",
			zap.String("documentId", event.DocumentID),
			zap.Int("failedCount", event.FailedCount),
			zap.Error(err))

		if event.FailedCount >= 3 {
			if body, merr := json.Marshal(&event); merr == nil {
				q.park(ctx, body)
			}
		} else if body, merr := json.Marshal(&event); merr == nil {
			q.ch.PublishWithContext(ctx, "", NotificationQueueName, false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    event.ID,
				Body:         body,
			})
		}
	}

	delivery.Ack(false)
}

func (q *Queue) park(ctx context.Context, body []byte) {
	if err := q.ch.PublishWithContext(ctx, "", NotificationDLQName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}); err != nil {
		q.log.Error("failed to park event on DLQ", zap.Error(err))
	}
}

// Publisher bridges completed transactions onto the notification pipeline.
// With a broker configured events are queued; otherwise subscribers are
// notified inline.
type Publisher struct {
	queue   *Queue
	service *Service
	log     *zap.Logger
}

// NewPublisher creates a publisher. queue may be nil.
func NewPublisher(queue *Queue, service *Service, log *zap.Logger) *Publisher {
	return &Publisher{queue: queue, service: service, log: log}
}

// NewDocumentRegistered implements the orchestrator event sink.
func (p *Publisher) NewDocumentRegistered(ctx context.Context, docID, facilityID string) {
	if p.queue != nil {
		err := p.queue.Publish(ctx, &DocumentEvent{
			DocumentID:   docID,
			FacilityID:   facilityID,
			RegisteredAt: time.Now(),
		})
		if err == nil {
			return
		}
		p.log.Error("failed to queue document event, notifying inline", zap.Error(err))
	}

	if p.service != nil {
		if err := p.service.NotifyNewDocument(ctx, docID, facilityID); err != nil {
			p.log.Error("failed to notify subscribers", zap.Error(err))
		}
	}
}

// RunNotifier drains the queue until the context is cancelled, delivering
// each event through the DSUB service.
func RunNotifier(ctx context.Context, queue *Queue, service *Service) error {
	return queue.Consume(ctx, func(ctx context.Context, event *DocumentEvent) error {
		return service.NotifyNewDocument(ctx, event.DocumentID, event.FacilityID)
	})
}
