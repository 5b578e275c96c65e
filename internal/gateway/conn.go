package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/duocam/duocam/internal/protocol"
)

var (
	errChannelClosed     = errors.New("channel closed")
	errChannelBacklogged = errors.New("channel send buffer full")
)

// wsConn adapts a WebSocket connection to the session.DeviceChannel
// contract: non-blocking sends through a buffered channel drained by a
// write pump that also drives the transport-level ping.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	config Config

	closeOnce sync.Once
}

func newWSConn(id string, ws *websocket.Conn, config Config) *wsConn {
	return &wsConn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, config.SendBuffer),
		done:   make(chan struct{}),
		config: config,
	}
}

// Send enqueues msg for the write pump. A closed or backed-up connection
// returns an error so the session layer can skip this device.
func (c *wsConn) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	select {
	case <-c.done:
		return errChannelClosed
	case c.send <- data:
		return nil
	default:
		return errChannelBacklogged
	}
}

// Close signals the write pump to flush pending messages, send a normal
// close frame, and tear the socket down. Safe to call more than once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writePump owns all writes to the socket: queued messages, transport pings,
// and the final close frame.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.flush()
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// flush drains messages that were queued before Close so session_ended and
// final error notices reach the device ahead of the close frame.
func (c *wsConn) flush() {
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
