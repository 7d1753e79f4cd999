package messaging

import (
	"context"
	"fmt"
	"sync"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/infrastructure/wire"
	"driver-dispatch/pkg/logger"
	"driver-dispatch/pkg/rabbitmq"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// OrderRoutingKey matches every order change the backend publishes on
// rabbitmq.ExchangeOrders (order.<status>.<order_id>).
const OrderRoutingKey = "order.#"

type consumer interface {
	Consume(ctx context.Context, spec rabbitmq.QueueSpec, handler func(amqp.Delivery)) (<-chan struct{}, error)
}

// OrderFeed implements domain.OrderFeed over RabbitMQ. Each subscription
// gets its own exclusive queue bound to the order exchange.
type OrderFeed struct {
	rabbit consumer
	log    logger.Logger
}

// NewOrderFeed creates a RabbitMQ-backed order feed
func NewOrderFeed(rabbit *rabbitmq.Connection, log logger.Logger) *OrderFeed {
	return newOrderFeed(rabbit, log)
}

func newOrderFeed(rabbit consumer, log logger.Logger) *OrderFeed {
	return &OrderFeed{rabbit: rabbit, log: log.WithFields(logger.LogFields{"component": "order_feed", "transport": "rabbitmq"})}
}

// Subscribe starts delivering decoded order events to onEvent. Deliveries
// that fail validation are logged and dropped. The returned function stops
// the consumer and waits for an in-flight onEvent to return.
func (f *OrderFeed) Subscribe(ctx context.Context, driverID string, onEvent func(domain.Order)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NetworkError("subscribe order feed", err)
	}
	consumeCtx, cancel := context.WithCancel(context.Background())
	spec := rabbitmq.QueueSpec{
		Name:       fmt.Sprintf("driver_orders.%s.%s", driverID, uuid.NewString()[:8]),
		Exclusive:  true,
		AutoDelete: true,
		Bindings:   []rabbitmq.Binding{{Exchange: rabbitmq.ExchangeOrders, RoutingKey: OrderRoutingKey}},
	}
	log := f.log.WithFields(logger.LogFields{"driver_id": driverID, "queue": spec.Name})

	done, err := f.rabbit.Consume(consumeCtx, spec, func(msg amqp.Delivery) {
		f.handle(log, msg, onEvent)
	})
	if err != nil {
		cancel()
		return nil, domain.NetworkError("subscribe order feed", err)
	}
	log.Info("order_feed.subscribed", "listening for order events")

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			log.Info("order_feed.unsubscribed", "order feed stopped")
		})
	}, nil
}

func (f *OrderFeed) handle(log logger.Logger, msg amqp.Delivery, onEvent func(domain.Order)) {
	order, err := wire.Decode(msg.Body)
	if err != nil {
		log.WithFields(logger.LogFields{"routing_key": msg.RoutingKey}).Warn("order_feed.invalid_event", err.Error())
		msg.Nack(false, false)
		return
	}
	onEvent(order)
	msg.Ack(false)
}

var _ domain.OrderFeed = (*OrderFeed)(nil)
