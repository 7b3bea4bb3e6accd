// Package notify publishes durable commits to a message broker so a
// replication consumer can follow session logs without polling.
package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// Message is one outbound broker message.
type Message struct {
	// ID deduplicates redeliveries; the commit's session and marker.
	ID        string
	SessionID string
	Body      []byte
	Timestamp time.Time
}

// Publisher sends messages to an exchange.
type Publisher interface {
	Publish(exchange string, msg Message) error
	Close() error
}

// AMQPPublisher publishes to a durable fanout exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
}

// NewAMQPPublisher connects to the broker at amqpURL.
func NewAMQPPublisher(amqpURL string) (*AMQPPublisher, error) {
	if strings.TrimSpace(amqpURL) == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

// Publish declares the exchange on first use and publishes msg persistently.
func (p *AMQPPublisher) Publish(exchange string, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(
			exchange,
			"fanout",
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = true
	}
	return p.channel.Publish(
		exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Headers:      amqp.Table{"session_id": msg.SessionID},
			Body:         msg.Body,
		},
	)
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
