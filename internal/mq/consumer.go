package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler — функция обработки сообщения.
//
// nil — ack; ошибка, обёрнутая в ErrReject, — nack без requeue (DLQ);
// любая другая ошибка — nack с requeue.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery — доставленное сообщение.
// Подтверждение делает Consumer по результату Handler.
type Delivery struct {
	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// Body возвращает тело сообщения.
func (d *Delivery) Body() []byte {
	return d.Raw.Body
}

// MessageID возвращает AMQP MessageId.
func (d *Delivery) MessageID() string {
	return d.Raw.MessageId
}

// Redelivered возвращает true для повторной доставки.
func (d *Delivery) Redelivered() bool {
	return d.Raw.Redelivered
}

// Decode разбирает JSON-тело в v.
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Body(), v); err != nil {
		return fmt.Errorf("%w: decode body: %v", ErrReject, err)
	}
	return nil
}

// Default configuration values.
const (
	defaultSettleAttempts   = 3
	defaultSettleDelay      = 100 * time.Millisecond
	defaultResubscribeDelay = 5 * time.Second
)

// consumeChannel — часть *amqp.Channel, нужная потребителю.
type consumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Consumer потребляет сообщения из очереди RabbitMQ.
//
// Каждое сообщение обрабатывается в своей горутине; число одновременно
// необработанных сообщений ограничено prefetch.
type Consumer struct {
	openChannel func() (consumeChannel, error)
	reconnected func() <-chan struct{}

	logger   *slog.Logger
	queue    string
	prefetch int

	settleAttempts   int
	settleDelay      time.Duration
	resubscribeDelay time.Duration
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди (consumer group).
	Queue string

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Consumer{
		logger:           logger,
		queue:            cfg.Queue,
		prefetch:         prefetch,
		settleAttempts:   defaultSettleAttempts,
		settleDelay:      defaultSettleDelay,
		resubscribeDelay: defaultResubscribeDelay,
	}
	if conn != nil {
		c.openChannel = func() (consumeChannel, error) {
			ch, err := conn.OpenChannel()
			if err != nil {
				return nil, err
			}
			return ch, nil
		}
		c.reconnected = conn.Reconnected
	}
	return c
}

// Consume потребляет сообщения до отмены ctx.
//
// Consumer работает на собственном канале. После разрыва соединения
// (или закрытия канала брокером) подписка восстанавливается.
// Возвращается только после завершения всех запущенных обработчиков;
// канал закрывается после того, как они подтвердили свои сообщения.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	// closers — фоновое закрытие каналов прошлых подписок.
	var closers sync.WaitGroup
	defer closers.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Поколение берём до подписки, чтобы не пропустить переподключение.
		reconnected := c.reconnected()

		ch, tag, deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			if !c.waitResubscribe(ctx, reconnected) {
				return ctx.Err()
			}
			continue
		}

		c.logger.Info("consumer started", "queue", c.queue, "prefetch", c.prefetch)

		var handlers sync.WaitGroup
		err = c.processDeliveries(ctx, deliveries, handler, &handlers)
		if ctx.Err() != nil {
			c.cancelConsume(ch, tag, deliveries)
			// Обработчики подтверждают сообщения на этом же канале.
			handlers.Wait()
			ch.Close()
			return ctx.Err()
		}
		if err != nil {
			closers.Add(1)
			go func() {
				defer closers.Done()
				handlers.Wait()
				ch.Close()
			}()

			c.logger.Warn("deliveries channel closed, resubscribing", "queue", c.queue)
			if !c.waitResubscribe(ctx, reconnected) {
				return ctx.Err()
			}
		}
	}
}

// waitResubscribe ждёт переподключения, но не дольше resubscribeDelay:
// канал мог закрыться при живом соединении. false — ctx отменён.
func (c *Consumer) waitResubscribe(ctx context.Context, reconnected <-chan struct{}) bool {
	timer := time.NewTimer(c.resubscribeDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-reconnected:
		c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
	case <-timer.C:
	}
	return true
}

// setupConsume открывает канал потребителя и подписывается на очередь.
func (c *Consumer) setupConsume() (consumeChannel, string, <-chan amqp.Delivery, error) {
	ch, err := c.openChannel()
	if err != nil {
		return nil, "", nil, err
	}

	// Брокер отдаёт не больше prefetch неподтверждённых сообщений.
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, "", nil, fmt.Errorf("set qos: %w", err)
	}

	tag := "agentqueue-" + uuid.NewString()
	deliveries, err := ch.Consume(
		c.queue, // queue
		tag,     // consumer tag
		false,   // auto-ack (мы ack вручную)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		ch.Close()
		return nil, "", nil, fmt.Errorf("consume: %w", err)
	}

	return ch, tag, deliveries, nil
}

// cancelConsume останавливает доставку и возвращает в очередь
// сообщения, которые брокер уже успел отдать, но обработчик не получил.
func (c *Consumer) cancelConsume(ch consumeChannel, tag string, deliveries <-chan amqp.Delivery) {
	if ch == nil {
		return
	}
	if err := ch.Cancel(tag, false); err != nil {
		c.logger.Warn("failed to cancel consumer", "queue", c.queue, "error", err)
		return
	}
	for raw := range deliveries {
		if err := raw.Nack(false, true); err != nil {
			c.logger.Warn("failed to requeue buffered message", "queue", c.queue, "error", err)
		}
	}
}

// processDeliveries раздаёт сообщения обработчикам.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler, wg *sync.WaitGroup) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				c.handleDelivery(ctx, raw, handler)
			}()
		}
	}
}

// handleDelivery обрабатывает одно сообщение и подтверждает его ровно один раз.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery, handler Handler) {
	delivery := &Delivery{Raw: raw}

	c.logger.Debug("received message",
		"queue", c.queue,
		"message_id", raw.MessageId,
		"redelivered", raw.Redelivered,
	)

	err := handler(ctx, delivery)
	switch {
	case err == nil:
		c.settle("ack", raw.MessageId, func() error { return raw.Ack(false) })

	case errors.Is(err, ErrReject):
		c.logger.Error("message rejected",
			"queue", c.queue,
			"message_id", raw.MessageId,
			"error", err,
		)
		// Некорректное сообщение — отправляем в DLQ
		c.settle("reject", raw.MessageId, func() error { return raw.Nack(false, false) })

	default:
		c.logger.Warn("handler failed, requeueing",
			"queue", c.queue,
			"message_id", raw.MessageId,
			"error", err,
		)
		c.settle("requeue", raw.MessageId, func() error { return raw.Nack(false, true) })
	}
}

// settle выполняет ack/nack с ограниченным числом повторов.
// Если все попытки неудачны, брокер повторит доставку после разрыва канала.
func (c *Consumer) settle(op, messageID string, fn func() error) {
	delay := c.settleDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return
		}
		if attempt >= c.settleAttempts || errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("failed to settle message",
				"queue", c.queue,
				"op", op,
				"message_id", messageID,
				"attempt", attempt,
				"error", err,
			)
			return
		}
		time.Sleep(delay)
		delay *= 2
	}
}
