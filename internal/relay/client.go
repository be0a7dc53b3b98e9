package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chronicle/collab/internal/auth"
	"chronicle/collab/internal/awareness"
	"chronicle/collab/internal/protocol"
)

// client is one authenticated websocket connection.
type client struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	claims auth.Claims
	logger *zap.Logger

	// presenceID is the one awareness client id this connection may speak
	// for. It comes from the auth message or, failing that, the first
	// awareness update.
	presenceMu sync.Mutex
	presenceID string

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newClient(id, presenceID string, ws *websocket.Conn, claims auth.Claims, buffer int, logger *zap.Logger) *client {
	return &client{
		id:         id,
		ws:         ws,
		send:       make(chan []byte, buffer),
		claims:     claims,
		logger:     logger.With(zap.String("conn", id), zap.String("user", claims.Subject)),
		presenceID: presenceID,
		done:       make(chan struct{}),
	}
}

// enqueue never blocks: a client that cannot keep up is disconnected and
// resyncs when it reconnects.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, disconnecting slow consumer")
		c.kick(protocol.CloseSlowConsumer, "send buffer full")
		return false
	}
}

// kick asks the write loop to close the connection with code.
func (c *client) kick(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *client) writeLoop(clk clock.Clock, pingInterval, writeTimeout, closeGrace time.Duration, readDone <-chan struct{}) {
	ping := clk.Ticker(pingInterval)
	defer ping.Stop()

	write := func(data []byte) bool {
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("write failed", zap.Error(err))
			c.kick(websocket.CloseAbnormalClosure, "write failed")
			c.ws.Close()
			return false
		}
		return true
	}

	for {
		select {
		case data := <-c.send:
			if !write(data) {
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.kick(websocket.CloseAbnormalClosure, "ping failed")
				c.ws.Close()
				return
			}
		case <-c.done:
		drain:
			for {
				select {
				case data := <-c.send:
					if !write(data) {
						return
					}
				default:
					break drain
				}
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason),
				time.Now().Add(writeTimeout))
			grace := time.NewTimer(closeGrace)
			defer grace.Stop()
			select {
			case <-readDone:
			case <-grace.C:
			}
			c.ws.Close()
			return
		}
	}
}

func (c *client) presence() string {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	return c.presenceID
}

// claim keeps the entries of an awareness update that belong to this
// connection. It returns nil when none do.
func (c *client) claim(data json.RawMessage) (json.RawMessage, error) {
	var update awareness.Update
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("%w: %v", awareness.ErrMalformedUpdate, err)
	}

	c.presenceMu.Lock()
	if c.presenceID == "" {
		for _, state := range update.Clients {
			if state.ClientID != "" {
				c.presenceID = state.ClientID
				break
			}
		}
	}
	owner := c.presenceID
	c.presenceMu.Unlock()

	kept := update.Clients[:0]
	for _, state := range update.Clients {
		if state.ClientID == owner && owner != "" {
			kept = append(kept, state)
		} else {
			c.logger.Debug("dropping presence for another client", zap.String("client", state.ClientID))
		}
	}
	switch len(kept) {
	case 0:
		return nil, nil
	case len(update.Clients):
		return data, nil
	}
	return json.Marshal(awareness.Update{Clients: kept})
}
