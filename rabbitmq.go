package main

import (
	"encoding/json"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// EventPublisher mirrors inbound-message events onto a RabbitMQ queue for
// downstream consumers. Publishing is optional; with no broker URL the
// publisher is inert and Publish is a no-op.
type EventPublisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
	enabled bool
}

// NewEventPublisher connects to the broker and declares the queue. A dial
// failure disables publishing rather than failing startup; the webhook path
// stays available either way.
func NewEventPublisher(url, queue string) *EventPublisher {
	p := &EventPublisher{queue: queue}
	if p.queue == "" {
		p.queue = "whatsapp_events"
	}
	if url == "" {
		log.Info().Msg("RABBITMQ_URL is not set. RabbitMQ publishing disabled.")
		return p
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ")
		return p
	}
	channel, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("Could not open RabbitMQ channel")
		conn.Close()
		return p
	}
	if _, err := channel.QueueDeclare(
		p.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		log.Error().Err(err).Str("queue", p.queue).Msg("Could not declare RabbitMQ queue")
		conn.Close()
		return p
	}

	p.conn = conn
	p.channel = channel
	p.enabled = true
	log.Info().Str("queue", p.queue).Msg("RabbitMQ connection established")
	return p
}

func (p *EventPublisher) Enabled() bool {
	return p != nil && p.enabled
}

// Publish sends one event as JSON. Best effort: failures are logged, never
// propagated to the capture path.
func (p *EventPublisher) Publish(evt WebhookEvent) {
	if !p.Enabled() {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("userID", evt.UserID).Msg("Failed to marshal event for RabbitMQ")
		return
	}
	err = p.channel.Publish(
		"",      // exchange (default)
		p.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", p.queue).Msg("Could not publish to RabbitMQ")
		return
	}
	log.Debug().Str("queue", p.queue).Str("userID", evt.UserID).Msg("Published event to RabbitMQ")
}

func (p *EventPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing RabbitMQ connection")
	}
}
