// Package websocket is the alternative realtime transport: the backend pushes
// order change envelopes over an authenticated websocket.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/infrastructure/wire"
	"driver-dispatch/pkg/logger"
	ws "driver-dispatch/pkg/websocket"

	"github.com/gorilla/websocket"
)

const maxRetryInterval = 30 * time.Second

type dialFunc func(ctx context.Context, url, token string, log logger.Logger) (*ws.Connection, error)

// OrderFeed implements domain.OrderFeed over a websocket. A dropped
// connection is re-dialled with exponential backoff until unsubscribed.
type OrderFeed struct {
	url   string
	token string
	log   logger.Logger
	dial  dialFunc
	retry time.Duration
}

// NewOrderFeed creates a websocket order feed for url, authenticating with token
func NewOrderFeed(url, token string, log logger.Logger) *OrderFeed {
	return &OrderFeed{
		url:   url,
		token: token,
		log:   log.WithFields(logger.LogFields{"component": "order_feed", "transport": "websocket"}),
		dial:  ws.Dial,
		retry: time.Second,
	}
}

// Subscribe dials once synchronously so a bad URL or token fails here, then
// reads frames on a background goroutine.
func (f *OrderFeed) Subscribe(ctx context.Context, driverID string, onEvent func(domain.Order)) (func(), error) {
	log := f.log.WithFields(logger.LogFields{"driver_id": driverID})
	conn, err := f.dial(ctx, f.url, f.token, log)
	if err != nil {
		return nil, domain.NetworkError("subscribe order feed", err)
	}
	log.Info("order_feed.subscribed", "listening for order events")

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go f.run(runCtx, conn, log, onEvent, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			log.Info("order_feed.unsubscribed", "order feed stopped")
		})
	}, nil
}

func (f *OrderFeed) run(ctx context.Context, conn *ws.Connection, log logger.Logger, onEvent func(domain.Order), done chan<- struct{}) {
	defer close(done)
	for {
		stop := context.AfterFunc(ctx, conn.Close)
		conn.ReadPump(func(mt int, p []byte) {
			if mt == websocket.TextMessage {
				f.handle(log, p, onEvent)
			}
		}, func(err error) {
			if ctx.Err() == nil {
				log.Warn("order_feed.disconnected", errText(err))
			}
		})
		stop()

		conn = f.redial(ctx, log)
		if conn == nil {
			return
		}
		log.Info("order_feed.reconnected", "order feed connection restored")
	}
}

// redial returns nil once ctx is cancelled.
func (f *OrderFeed) redial(ctx context.Context, log logger.Logger) *ws.Connection {
	backoff := f.retry
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		conn, err := f.dial(ctx, f.url, f.token, log)
		if err == nil {
			return conn
		}
		log.Error("order_feed.redial_failed", err)
		backoff *= 2
		if backoff > maxRetryInterval {
			backoff = maxRetryInterval
		}
	}
}

func (f *OrderFeed) handle(log logger.Logger, p []byte, onEvent func(domain.Order)) {
	var head struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p, &head); err != nil {
		log.Warn("order_feed.invalid_frame", err.Error())
		return
	}
	switch wire.EventType(head.Type) {
	case wire.EventInsert, wire.EventUpdate:
	case "error":
		log.Error("order_feed.server_error", errors.New(head.Message))
		return
	default:
		log.Debug("order_feed.ignored_frame", head.Type)
		return
	}
	order, err := wire.Decode(p)
	if err != nil {
		log.Warn("order_feed.invalid_event", err.Error())
		return
	}
	onEvent(order)
}

func errText(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

var _ domain.OrderFeed = (*OrderFeed)(nil)
