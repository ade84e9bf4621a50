package mq

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zeebo/blake3"

	"github.com/shaiso/AgentQueue/internal/domain"
)

// MessageType — тип сообщения (AMQP-свойство type).
type MessageType string

// Типы сообщений.
const (
	MessageTypeTaskRequest MessageType = "task.request"
	MessageTypeTaskOutcome MessageType = "task.outcome"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn     *Connection
	logger   *slog.Logger
	topology Topology
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger, topology Topology) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:     conn,
		logger:   logger,
		topology: topology.WithDefaults(),
	}
}

// Publish публикует тело в exchange и ждёт подтверждения брокера.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msgType MessageType, messageID string, body []byte) error {
	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			exchange,   // exchange
			routingKey, // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    messageID,
				Type:         string(msgType),
				Timestamp:    time.Now(),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		// nil — канал не в режиме confirms.
		if confirm != nil {
			acked, err := confirm.WaitContext(ctx)
			if err != nil {
				return fmt.Errorf("wait confirm %s/%s: %w", exchange, routingKey, err)
			}
			if !acked {
				return fmt.Errorf("%w: %s/%s", ErrNotConfirmed, exchange, routingKey)
			}
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", messageID,
			"type", msgType,
		)
		return nil
	})
}

// PublishTask ставит TaskEnvelope в очередь запросов.
// Потребитель: Dispatcher.
func (p *Publisher) PublishTask(ctx context.Context, env domain.TaskEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal task envelope: %w", err)
	}
	return p.Publish(ctx, p.topology.RequestExchange, p.topology.RequestRoutingKey,
		MessageTypeTaskRequest, uuid.NewString(), body)
}

// PublishOutcome публикует OutcomeEnvelope в очередь результатов.
//
// MessageId детерминирован (OutcomeMessageID), поэтому повторная
// публикация того же outcome распознаётся потребителем как дубликат.
func (p *Publisher) PublishOutcome(ctx context.Context, outcome domain.OutcomeEnvelope) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome envelope: %w", err)
	}
	return p.Publish(ctx, p.topology.ResultExchange, p.topology.ResultRoutingKey,
		MessageTypeTaskOutcome, OutcomeMessageID(outcome.TaskID, outcome.Status), body)
}

// OutcomeMessageID возвращает MessageId outcome: blake3(task_id:status), 128 бит в hex.
func OutcomeMessageID(taskID string, status domain.TaskStatus) string {
	sum := blake3.Sum256([]byte(taskID + ":" + string(status)))
	return hex.EncodeToString(sum[:16])
}
