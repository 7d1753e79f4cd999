package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/pkg/clock"
	"driver-dispatch/pkg/rabbitmq"

	"github.com/google/uuid"
)

type publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// DriverStatusMessage is published on driver.status.{driver_id}
type DriverStatusMessage struct {
	DriverID      string    `json:"driver_id"`
	Online        bool      `json:"online"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// LocationUpdateMessage is fanned out to every location consumer
type LocationUpdateMessage struct {
	DriverID      string    `json:"driver_id"`
	OrderID       string    `json:"order_id,omitempty"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// PresencePublisher implements domain.PresenceReporter over RabbitMQ
type PresencePublisher struct {
	rabbit publisher
	clock  clock.Clock
}

// NewPresencePublisher creates a RabbitMQ presence reporter
func NewPresencePublisher(rabbit *rabbitmq.Connection, clk clock.Clock) *PresencePublisher {
	return &PresencePublisher{rabbit: rabbit, clock: clk}
}

// SetOnline announces the driver's duty state
func (p *PresencePublisher) SetOnline(ctx context.Context, driverID string, online bool, status domain.DriverStatus) error {
	return p.publish(ctx, rabbitmq.ExchangeDrivers, "driver.status."+driverID, DriverStatusMessage{
		DriverID:      driverID,
		Online:        online,
		Status:        status.String(),
		CorrelationID: uuid.NewString(),
		Timestamp:     p.clock.Now(),
	})
}

// ReportLocation publishes a position fix, tagged with the active order if any
func (p *PresencePublisher) ReportLocation(ctx context.Context, driverID string, lat, lng float64, activeOrderID string) error {
	return p.publish(ctx, rabbitmq.ExchangeLocations, "", LocationUpdateMessage{
		DriverID:      driverID,
		OrderID:       activeOrderID,
		Latitude:      lat,
		Longitude:     lng,
		CorrelationID: uuid.NewString(),
		Timestamp:     p.clock.Now(),
	})
}

func (p *PresencePublisher) publish(ctx context.Context, exchange, key string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal presence message: %w", err)
	}
	if err := p.rabbit.Publish(ctx, exchange, key, body); err != nil {
		return domain.NetworkError("publish to "+exchange, err)
	}
	return nil
}

var _ domain.PresenceReporter = (*PresencePublisher)(nil)
