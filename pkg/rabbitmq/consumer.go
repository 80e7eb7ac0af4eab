package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Disposition tells the consumer what to do with a delivery once its handler returns.
type Disposition struct {
	retry bool
	delay time.Duration
}

// Ack settles the delivery.
func Ack() Disposition { return Disposition{} }

// NackAfter asks for redelivery no sooner than delay.
func NackAfter(delay time.Duration) Disposition {
	if delay < 0 {
		delay = 0
	}
	return Disposition{retry: true, delay: delay}
}

// IsAck reports whether the delivery is settled.
func (d Disposition) IsAck() bool { return !d.retry }

// Delay is the redelivery delay of a nack.
func (d Disposition) Delay() time.Duration { return d.delay }

func (d Disposition) String() string {
	if d.retry {
		return "nack(" + d.delay.String() + ")"
	}
	return "ack"
}

// Handler processes one message body. It must be safe for concurrent use.
type Handler func(ctx context.Context, body []byte) Disposition

// Outcome labels reported to Observer.
const (
	OutcomeAck     = "ack"
	OutcomeRetry   = "retry"
	OutcomeRequeue = "requeue"
)

// Observer receives one call per settled delivery.
type Observer func(queue, outcome string)

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	Exchange string
	// Prefetch bounds unacknowledged deliveries per consumer channel.
	Prefetch int
	// PanicDelay is the redelivery delay applied when a handler panics.
	PanicDelay time.Duration
	Observer   Observer
}

// republisher moves a delivery to the delayed retry queue of queue.
type republisher interface {
	Republish(ctx context.Context, queue string, d amqp.Delivery, delay time.Duration) error
}

// Consumer runs competing-consumer subscriptions. Each delivery is handled on its
// own goroutine; Close waits for in-flight handlers.
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	cfg   ConsumerConfig
	retry republisher

	wg        sync.WaitGroup
	mu        sync.Mutex
	tags      []string
	closeOnce sync.Once
}

// NewConsumer connects, opens a consume channel and a confirm channel for retries.
func NewConsumer(amqpURL string, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 800
	}
	if cfg.PanicDelay <= 0 {
		cfg.PanicDelay = 10 * time.Second
	}

	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	retryCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := retryCh.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable retry confirms: %w", err)
	}

	return &Consumer{
		conn:  conn,
		ch:    ch,
		cfg:   cfg,
		retry: &channelRepublisher{ch: retryCh},
	}, nil
}

// RetryQueueName is the queue holding delayed redeliveries for queue.
func RetryQueueName(queue string) string { return queue + ".retry" }

// Subscribe binds the durable queue named group to subject and starts dispatching.
// Replicas subscribing with the same group share the queue's deliveries. ctx is the
// parent of every handler context and should outlive Close so in-flight work can finish.
func (c *Consumer) Subscribe(ctx context.Context, subject, group string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for subject %s", subject)
	}
	if err := declareExchange(c.ch, c.cfg.Exchange); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(group, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(q.Name, subject, c.cfg.Exchange, false, nil); err != nil {
		return err
	}
	// Expired messages in the retry queue dead-letter straight back into the work queue.
	if _, err := c.ch.QueueDeclare(RetryQueueName(q.Name), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.Name,
	}); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}

	tag := fmt.Sprintf("%s-%d", q.Name, time.Now().UnixNano())
	msgs, err := c.ch.Consume(q.Name, tag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tags = append(c.tags, tag)
	c.mu.Unlock()

	log.Printf("level=info component=rabbitmq_consumer msg=\"subscribed\" subject=%s queue=%s prefetch=%d", subject, q.Name, c.cfg.Prefetch)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for d := range msgs {
			c.wg.Add(1)
			go func(d amqp.Delivery) {
				defer c.wg.Done()
				c.dispatch(ctx, q.Name, d, handler)
			}(d)
		}
		log.Printf("level=info component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	disposition := c.invoke(ctx, queue, d, handler)
	if disposition.IsAck() {
		if err := d.Ack(false); err != nil {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"ack failed\" queue=%s err=%v", queue, err)
		}
		c.observe(queue, OutcomeAck)
		return
	}

	if err := c.retry.Republish(ctx, queue, d, disposition.Delay()); err != nil {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"delayed retry failed; requeueing\" queue=%s err=%v", queue, err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"nack failed\" queue=%s err=%v", queue, nackErr)
		}
		c.observe(queue, OutcomeRequeue)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"ack after retry publish failed\" queue=%s err=%v", queue, err)
	}
	c.observe(queue, OutcomeRetry)
}

func (c *Consumer) invoke(ctx context.Context, queue string, d amqp.Delivery, handler Handler) (disposition Disposition) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=rabbitmq_consumer msg=\"handler panicked\" queue=%s panic=%v", queue, r)
			disposition = NackAfter(c.cfg.PanicDelay)
		}
	}()
	return handler(ctx, d.Body)
}

func (c *Consumer) observe(queue, outcome string) {
	if c.cfg.Observer != nil {
		c.cfg.Observer(queue, outcome)
	}
}

// NotifyClose reports the connection going away so the process can exit and be restarted.
func (c *Consumer) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close stops deliveries, waits for in-flight handlers and closes the connection.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		tags := append([]string(nil), c.tags...)
		c.mu.Unlock()
		for _, tag := range tags {
			if err := c.ch.Cancel(tag, false); err != nil {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"cancel consumer failed\" tag=%s err=%v", tag, err)
			}
		}
		c.wg.Wait()
		if c.ch != nil {
			c.ch.Close()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

type channelRepublisher struct {
	mu sync.Mutex
	ch *amqp.Channel
}

// Republish copies the delivery into the retry queue with a per-message TTL of delay
// and waits for the broker confirm.
func (r *channelRepublisher) Republish(ctx context.Context, queue string, d amqp.Delivery, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	confirm, err := r.ch.PublishWithDeferredConfirmWithContext(ctx, "", RetryQueueName(queue), false, false, retryPublishing(d, delay))
	if err != nil {
		return err
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}

func retryPublishing(d amqp.Delivery, delay time.Duration) amqp.Publishing {
	return amqp.Publishing{
		Headers:      d.Headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    d.Timestamp,
		MessageId:    d.MessageId,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Body:         d.Body,
	}
}
