package websocket

import (
	"context"
	"errors"
	"time"

	"shareroom/internal/models"
	"shareroom/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer     = 256
	authTimeout    = 5 * time.Second
	closeGoingAway = websocket.CloseGoingAway
)

// Authorizer resolves an in-band PIN into a role for the client's room.
type Authorizer func(ctx context.Context, pin string) (models.Role, error)

// Client is one connection to a room. Role and init state are owned by the
// hub goroutine once the client has joined.
type Client struct {
	id          string
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	role        models.Role
	initialized bool
	closeCode   int

	authorize Authorizer
	readLimit int64
}

func NewClient(conn *websocket.Conn, role models.Role, authorize Authorizer, readLimit int64) *Client {
	return &Client{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		role:      role,
		authorize: authorize,
		readLimit: readLimit,
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.Leave(c)
		c.conn.Close()
	}()

	if c.readLimit > 0 {
		c.conn.SetReadLimit(c.readLimit)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error on %s: %v", c.id, err)
			}
			break
		}

		msg, err := models.ParseInbound(raw)
		if err != nil {
			logger.Debug("Dropping message from %s: %v", c.id, err)
			continue
		}

		if msg.Type == models.MessageTypeAuth {
			c.authenticate(msg.PIN)
			continue
		}
		c.hub.Dispatch(c, msg)
	}
}

// authenticate checks pin off the hub goroutine and hands the result to the
// hub, which answers with auth_result.
func (c *Client) authenticate(pin string) {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	role := models.RoleNone
	authorized := false
	if c.authorize != nil {
		granted, err := c.authorize(ctx, pin)
		if err == nil {
			role, authorized = granted, true
		} else {
			logger.Debug("In-band auth failed for %s: %v", c.id, err)
		}
	}

	if err := c.hub.Authenticate(ctx, c, role, authorized); err != nil && !errors.Is(err, ErrHubClosed) {
		logger.Warn("Could not apply auth result for %s: %v", c.id, err)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Dropped connections get no close frame so that clients
				// treat it as abnormal and reconnect.
				if c.closeCode != 0 {
					c.conn.WriteMessage(websocket.CloseMessage, closePayload(c.closeCode))
				}
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error on %s: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closePayload(code int) []byte {
	switch code {
	case CloseRoomDeleted:
		return websocket.FormatCloseMessage(code, "room deleted")
	default:
		return websocket.FormatCloseMessage(code, "")
	}
}
