package events

import (
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/chatbuddy/inbox-bridge/internal/models"
)

// Publisher fans inbox events out to RabbitMQ for downstream consumers
// (analytics, notification workers). Publishing is best-effort: failures are
// logged and never propagate into the sync path.
type Publisher struct {
	enabled bool
	channel *amqp091.Channel
	queue   string
}

// NewPublisher connects to RabbitMQ and declares the queue. An empty URL
// returns a disabled publisher whose methods are no-ops.
func NewPublisher(url, queue string) *Publisher {
	if url == "" {
		log.Info().Msg("RABBITMQ_URL is not set, inbox event fan-out disabled")
		return &Publisher{}
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ, fan-out disabled")
		return &Publisher{}
	}
	channel, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("Could not open RabbitMQ channel, fan-out disabled")
		conn.Close()
		return &Publisher{}
	}

	_, err = channel.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue, fan-out disabled")
		conn.Close()
		return &Publisher{}
	}

	log.Info().Str("queue", queue).Msg("RabbitMQ connection established")
	return &Publisher{enabled: true, channel: channel, queue: queue}
}

// Consume publishes a lead message admitted by the sync controller,
// satisfying the controller's MessageSink.
func (p *Publisher) Consume(msg models.Message) {
	p.publish(map[string]interface{}{
		"type":    "lead_message",
		"message": msg,
	})
}

// PublishHandover publishes a takeover state change.
func (p *Publisher) PublishHandover(chatbotID, leadID string, takeOver bool) {
	p.publish(map[string]interface{}{
		"type":            "handover",
		"chatbot_id":      chatbotID,
		"lead_id":         leadID,
		"takeOverAsHuman": takeOver,
	})
}

func (p *Publisher) publish(payload map[string]interface{}) {
	if !p.enabled {
		return
	}

	payload["published_at"] = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal inbox event for RabbitMQ")
		return
	}

	err = p.channel.Publish(
		"",      // exchange (default)
		p.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        data,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", p.queue).Msg("Could not publish inbox event to RabbitMQ")
	} else {
		log.Debug().Str("queue", p.queue).Msg("Published inbox event to RabbitMQ")
	}
}
