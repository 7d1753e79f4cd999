package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"driver-dispatch/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Period of sending Ping messages
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 64 << 10

	// Time allowed to complete the handshake and send the auth frame
	authTime = 5 * time.Second
)

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New("websocket connection closed")

// ErrorFrame is what the server sends before closing a rejected connection.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type authRequest struct {
	Type  string `json:"type"`
	Token string `json:"message"`
}

// Connection is an authenticated client connection with ping keepalive.
type Connection struct {
	conn       *websocket.Conn
	log        logger.Logger
	send       chan []byte
	done       chan struct{}
	writeMutex sync.Mutex
	closeOnce  sync.Once
}

// Dial opens a connection to url and authenticates with a bearer token.
func Dial(ctx context.Context, url, token string, log logger.Logger) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, authTime)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: authTime, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	conn.SetWriteDeadline(time.Now().Add(authTime))
	if err := conn.WriteJSON(authRequest{Type: "auth", Token: "Bearer " + token}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth frame: %w", err)
	}

	c := &Connection{
		conn: conn,
		log:  log,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c, nil
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.log.Error("websocket.write", err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				c.log.Error("websocket.ping", err)
				return
			}
		case <-c.done:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Connection) write(mt int, payload []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(mt, payload)
}

// WriteJSON queues v for the write pump.
func (c *Connection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return errors.New("send buffer full")
	}
}

// ReadPump delivers frames to onMessage until the connection drops, then
// calls onDisconnect with the read error. It blocks; onMessage runs on the
// calling goroutine.
func (c *Connection) ReadPump(onMessage func(msgType int, p []byte), onDisconnect func(err error)) {
	var readErr error
	defer func() {
		c.Close()
		onDisconnect(readErr)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error("websocket.read_error", err)
			} else {
				c.log.Debug("websocket.disconnect", "server closed the connection")
			}
			return
		}
		onMessage(msgType, msg)
	}
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close stops the pumps and closes the socket. It is safe to call twice.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMutex.Lock()
		defer c.writeMutex.Unlock()
		c.conn.Close()
	})
}
