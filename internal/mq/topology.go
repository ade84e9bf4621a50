package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Имена по умолчанию.
const (
	DefaultRequestExchange   = "agentqueue.requests"
	DefaultRequestRoutingKey = "task"
	DefaultConsumerGroup     = "agent-workers"
	DefaultResultExchange    = "agentqueue.results"
	DefaultResultQueue       = "agent-results"
	DefaultResultRoutingKey  = "outcome"
	DefaultDLXExchange       = "agentqueue.dlq"
)

// Topology — имена exchanges и очередей.
//
// Очередь запросов называется по consumer group: все воркеры группы
// читают одну очередь, и каждый envelope получает один из них.
type Topology struct {
	RequestExchange   string `yaml:"request_exchange" toml:"request_exchange"`
	RequestRoutingKey string `yaml:"request_routing_key" toml:"request_routing_key"`
	ConsumerGroup     string `yaml:"consumer_group" toml:"consumer_group"`

	ResultExchange   string `yaml:"result_exchange" toml:"result_exchange"`
	ResultQueue      string `yaml:"result_queue" toml:"result_queue"`
	ResultRoutingKey string `yaml:"result_routing_key" toml:"result_routing_key"`

	DLXExchange string `yaml:"dlx_exchange" toml:"dlx_exchange"`
}

// DefaultTopology возвращает топологию с именами по умолчанию.
func DefaultTopology() Topology {
	return Topology{
		RequestExchange:   DefaultRequestExchange,
		RequestRoutingKey: DefaultRequestRoutingKey,
		ConsumerGroup:     DefaultConsumerGroup,
		ResultExchange:    DefaultResultExchange,
		ResultQueue:       DefaultResultQueue,
		ResultRoutingKey:  DefaultResultRoutingKey,
		DLXExchange:       DefaultDLXExchange,
	}
}

// WithDefaults заполняет пустые поля значениями по умолчанию.
func (t Topology) WithDefaults() Topology {
	d := DefaultTopology()
	if t.RequestExchange == "" {
		t.RequestExchange = d.RequestExchange
	}
	if t.RequestRoutingKey == "" {
		t.RequestRoutingKey = d.RequestRoutingKey
	}
	if t.ConsumerGroup == "" {
		t.ConsumerGroup = d.ConsumerGroup
	}
	if t.ResultExchange == "" {
		t.ResultExchange = d.ResultExchange
	}
	if t.ResultQueue == "" {
		t.ResultQueue = d.ResultQueue
	}
	if t.ResultRoutingKey == "" {
		t.ResultRoutingKey = d.ResultRoutingKey
	}
	if t.DLXExchange == "" {
		t.DLXExchange = d.DLXExchange
	}
	return t
}

// RequestQueue — очередь запросов consumer group.
func (t Topology) RequestQueue() string {
	return t.ConsumerGroup
}

// DLQ — очередь отклонённых запросов.
func (t Topology) DLQ() string {
	return "dlq." + t.ConsumerGroup
}

// SetupTopology объявляет exchanges, очереди и привязки. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection, t Topology) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch, t); err != nil {
			return err
		}

		// 2. Создаём queues
		if err := declareQueues(ch, t); err != nil {
			return err
		}

		// 3. Привязываем queues к exchanges
		return bindQueues(ch, t)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel, t Topology) error {
	for _, name := range []string{t.RequestExchange, t.ResultExchange, t.DLXExchange} {
		err := ch.ExchangeDeclare(
			name,     // name
			"direct", // type
			true,     // durable
			false,    // auto-deleted
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel, t Topology) error {
	// Отклонённые запросы (nack без requeue) уходят в DLQ группы.
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    t.DLXExchange,
		"x-dead-letter-routing-key": t.ConsumerGroup,
	}

	queues := []struct {
		name string
		args amqp.Table
	}{
		{t.RequestQueue(), dlqArgs},
		{t.ResultQueue, nil},
		{t.DLQ(), nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.name, // name
			true,   // durable
			false,  // delete when unused
			false,  // exclusive
			false,  // no-wait
			q.args, // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel, t Topology) error {
	bindings := []struct {
		queue      string
		routingKey string
		exchange   string
	}{
		{t.RequestQueue(), t.RequestRoutingKey, t.RequestExchange},
		{t.ResultQueue, t.ResultRoutingKey, t.ResultExchange},
		{t.DLQ(), t.ConsumerGroup, t.DLXExchange},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			b.queue,      // queue name
			b.routingKey, // routing key
			b.exchange,   // exchange
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// Info возвращает описание топологии для логирования.
func (t Topology) Info() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (direct)\n", t.RequestExchange)
	fmt.Fprintf(&b, "└── %s [routing: %s] consumer group, DLQ: %s\n", t.RequestQueue(), t.RequestRoutingKey, t.DLQ())
	fmt.Fprintf(&b, "%s (direct)\n", t.ResultExchange)
	fmt.Fprintf(&b, "└── %s [routing: %s]\n", t.ResultQueue, t.ResultRoutingKey)
	fmt.Fprintf(&b, "%s (direct)\n", t.DLXExchange)
	fmt.Fprintf(&b, "└── %s [routing: %s]\n", t.DLQ(), t.ConsumerGroup)
	return b.String()
}
