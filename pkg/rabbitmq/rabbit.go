package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"driver-dispatch/pkg/config"
	"driver-dispatch/pkg/logger"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	maxRetries    = 10
	retryInterval = 3 * time.Second
)

// Exchanges declared by SetupTopology.
const (
	ExchangeOrders    = "order_topic"
	ExchangeDrivers   = "driver_topic"
	ExchangeLocations = "location_fanout"
)

var ErrNotConnected = errors.New("rabbitmq is not connected")

// Connection is a wrapper around the amqp.Connection that handles auto-reconnection.
type Connection struct {
	logger      logger.Logger
	dsn         string
	conn        *amqp.Connection
	pubChannel  *amqp.Channel // A dedicated channel for publishing
	mu          sync.RWMutex  // Protects conn and pubChannel during reconnects
	isConnected bool
	notifyClose chan *amqp.Error
	done        chan struct{} // Signals graceful shutdown
	closeOnce   sync.Once
}

// Binding routes an exchange into a queue.
type Binding struct {
	Exchange   string
	RoutingKey string
}

// QueueSpec describes a queue a consumer declares for itself. The queue is
// re-declared after every reconnect, so exclusive queues survive outages.
type QueueSpec struct {
	Name       string // empty lets the broker pick a name
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Bindings   []Binding
}

func NewConnection(cfg *config.Config, log logger.Logger) (*Connection, error) {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d/",
		cfg.RabbitMQ.User,
		cfg.RabbitMQ.Password,
		cfg.RabbitMQ.Host,
		cfg.RabbitMQ.Port,
	)
	c := &Connection{
		logger: log.WithFields(logger.LogFields{"component": "rabbitmq"}),
		dsn:    dsn,
		done:   make(chan struct{}),
	}
	var err error
	for i := 0; i < maxRetries; i++ {
		err = c.connect()
		if err != nil {
			c.logger.Error("rabbitmq.connect_retry", fmt.Errorf("failed to connect to RabbitMQ (attempt %d/%d): %w", i+1, maxRetries, err))
			time.Sleep(retryInterval)
			continue
		}
		c.logger.Info("rabbitmq.connect", "Initial RabbitMQ connection established")
		if setupErr := c.SetupTopology(); setupErr != nil {
			c.Close()
			return nil, fmt.Errorf("failed to setup RabbitMQ topology: %w", setupErr)
		}
		go c.reconnectLoop()
		return c, nil
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d retries: %w", maxRetries, err)
}

func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	c.conn, err = amqp.Dial(c.dsn)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	c.pubChannel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to open publisher channel: %w", err)
	}

	c.isConnected = true
	c.notifyClose = make(chan *amqp.Error, 1)
	c.conn.NotifyClose(c.notifyClose)
	return nil
}

func (c *Connection) reconnectLoop() {
	for {
		c.mu.RLock()
		notify := c.notifyClose
		c.mu.RUnlock()

		select {
		case <-c.done:
			return
		case err := <-notify:
			if err == nil {
				c.logger.Info("rabbitmq.reconnect_loop", "Connection closed gracefully")
				return
			}
			c.logger.Error("rabbitmq.disconnect", fmt.Errorf("RabbitMQ connection lost: %w", err))
			c.mu.Lock()
			c.isConnected = false
			c.mu.Unlock()

			backoff := time.Second
			for {
				select {
				case <-c.done:
					return
				case <-time.After(backoff):
				}
				if err := c.connect(); err != nil {
					c.logger.Error("rabbitmq.reconnect_failed", fmt.Errorf("failed to reconnect to RabbitMQ: %w", err))
					backoff = time.Duration(float64(backoff) * 1.5)
					if backoff > 30*time.Second {
						backoff = 30 * time.Second
					}
					continue
				}
				if setupErr := c.SetupTopology(); setupErr != nil {
					c.logger.Error("rabbitmq.reconnect_setup_failed", fmt.Errorf("failed to re-declare topology: %w", setupErr))
					continue
				}
				c.logger.Info("rabbitmq.reconnect_success", "RabbitMQ connection established")
				break
			}
		}
	}
}

// SetupTopology declares the exchanges the dispatch client publishes to and
// consumes from, plus the durable queues the backend reads presence from.
func (c *Connection) SetupTopology() error {
	c.mu.RLock()
	if !c.isConnected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	ch, err := c.conn.Channel()
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to open setup channel: %w", err)
	}
	defer ch.Close()

	exchanges := []struct {
		Name string
		Type string
	}{
		{Name: ExchangeOrders, Type: "topic"},
		{Name: ExchangeDrivers, Type: "topic"},
		{Name: ExchangeLocations, Type: "fanout"},
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Type, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.Name, err)
		}
	}

	queues := []QueueSpec{
		{Name: "driver_status", Durable: true, Bindings: []Binding{{ExchangeDrivers, "driver.status.*"}}},
		{Name: "location_updates", Durable: true, Bindings: []Binding{{ExchangeLocations, ""}}},
	}
	for _, q := range queues {
		if _, err := declare(ch, q); err != nil {
			return err
		}
	}
	c.logger.Debug("rabbitmq.setup_success", "Declared RabbitMQ topology")
	return nil
}

func declare(ch *amqp.Channel, spec QueueSpec) (string, error) {
	q, err := ch.QueueDeclare(spec.Name, spec.Durable, spec.AutoDelete, spec.Exclusive, false, nil)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %q: %w", spec.Name, err)
	}
	for _, b := range spec.Bindings {
		if err := ch.QueueBind(q.Name, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return "", fmt.Errorf("failed to bind queue %s to %s: %w", q.Name, b.Exchange, err)
		}
	}
	return q.Name, nil
}

// IsConnected reports whether the broker connection is currently up.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// Publish sends a message to an exchange. It is goroutine-safe.
func (c *Connection) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isConnected {
		return ErrNotConnected
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	return c.pubChannel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

// Consume declares spec and delivers its messages to handler one at a time,
// re-opening the channel after broker outages. It stops when ctx is cancelled
// or the connection is closed; the returned channel is closed once the
// consumer goroutine has exited and handler will not be called again.
// handler must ack or nack every delivery.
func (c *Connection) Consume(ctx context.Context, spec QueueSpec, handler func(amqp.Delivery)) (<-chan struct{}, error) {
	select {
	case <-c.done:
		return nil, ErrNotConnected
	default:
	}
	log := c.logger.WithFields(logger.LogFields{"queue": spec.Name})
	exited := make(chan struct{})

	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-c.done:
			return false
		case <-time.After(retryInterval):
			return true
		}
	}

	go func() {
		defer close(exited)
		for {
			if ctx.Err() != nil {
				return
			}
			c.mu.RLock()
			if !c.isConnected {
				c.mu.RUnlock()
				log.Debug("rabbitmq.consumer_wait", "Not connected, waiting to restart consumer")
				if !wait() {
					return
				}
				continue
			}
			ch, err := c.conn.Channel()
			c.mu.RUnlock()
			if err != nil {
				log.Error("rabbitmq.consumer_channel_fail", fmt.Errorf("failed to open consumer channel: %w", err))
				if !wait() {
					return
				}
				continue
			}

			name, err := declare(ch, spec)
			if err != nil {
				log.Error("rabbitmq.consumer_declare_fail", err)
				ch.Close()
				if !wait() {
					return
				}
				continue
			}
			msgs, err := ch.Consume(name, "", false, spec.Exclusive, false, false, nil)
			if err != nil {
				log.Error("rabbitmq.consumer_consume_fail", fmt.Errorf("failed to start consuming: %w", err))
				ch.Close()
				if !wait() {
					return
				}
				continue
			}
			log.Info("rabbitmq.consumer_running", "Consumer started")
			notifyChanClose := ch.NotifyClose(make(chan *amqp.Error, 1))

		consumerLoop:
			for {
				select {
				case <-ctx.Done():
					ch.Close()
					return
				case <-c.done:
					ch.Close()
					return
				case err := <-notifyChanClose:
					log.Error("rabbitmq.consumer_channel_closed", fmt.Errorf("consumer channel closed: %v", err))
					break consumerLoop
				case msg, ok := <-msgs:
					if !ok {
						break consumerLoop
					}
					handler(msg)
				}
			}
			if !wait() {
				return
			}
		}
	}()
	return exited, nil
}

// Close gracefully shuts down the connection and the reconnect loop.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.logger.Info("rabbitmq.close", "Closing RabbitMQ connection")
		c.isConnected = false
		if c.pubChannel != nil {
			c.pubChannel.Close()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
