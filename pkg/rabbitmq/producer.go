/**
 * @description
 * Publisher side of the event bus. Subjects are routing keys on a single durable
 * topic exchange. Messages are persistent and every publish waits for the broker
 * confirm, so a nil error means the broker has taken responsibility for the message.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ErrPublishNotConfirmed is returned when the broker nacks a publish.
var ErrPublishNotConfirmed = errors.New("publish not confirmed by broker")

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, subject string, body interface{}) error
	Close()
}

// EventProducer holds the RabbitMQ connection and a confirm-mode channel.
type EventProducer struct {
	conn     *amqp091.Connection
	exchange string

	mu      sync.Mutex
	channel *amqp091.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Drop stray characters in front of the scheme.
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func dial(amqpURL string) (*amqp091.Connection, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	// Bounded dial timeout so startup does not hang indefinitely.
	return amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
}

// NewEventProducer connects and declares the events exchange.
func NewEventProducer(amqpURL, exchange string) (*EventProducer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}

	p := &EventProducer{conn: conn, exchange: exchange}
	ch, err := p.openChannel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.channel = ch
	return p, nil
}

func (p *EventProducer) openChannel() (*amqp091.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return ch, nil
}

func declareExchange(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

// Publish marshals body to JSON and publishes it under subject.
func (p *EventProducer) Publish(ctx context.Context, subject string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" subject=%s err=%v", subject, err)
		return err
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishConfirmed(ctx, subject, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPublishNotConfirmed) || ctx.Err() != nil {
		return err
	}

	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s subject=%s err=%v", p.exchange, subject, err)
	// One-shot retry on a fresh channel.
	ch, chErr := p.openChannel()
	if chErr != nil {
		return fmt.Errorf("publish %s: %w (reopen: %v)", subject, err, chErr)
	}
	if p.channel != nil {
		p.channel.Close()
	}
	p.channel = ch
	return p.publishConfirmed(ctx, subject, msg)
}

func (p *EventProducer) publishConfirmed(ctx context.Context, subject string, msg amqp091.Publishing) error {
	if p.channel == nil {
		return errors.New("rabbitmq channel is not open")
	}
	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		p.exchange, // exchange
		subject,    // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	)
	if err != nil {
		return err
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("%w: subject=%s", ErrPublishNotConfirmed, subject)
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
