package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"riskguard/pkg/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // меньше pongWait

	// клиенты только слушают, входящие кадры - control и мелочь
	maxMessageSize = 4096

	// сводка состояния с десятками позиций - 10-50KB
	clientSendBufferSize = 256
)

// OriginChecker - разрешенные Origin для upgrade
//
// Пустой список = разрешены все (локальная панель, dev).
// Запросы без Origin (не браузер) разрешены всегда.
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// NewOriginChecker строит проверку из списка; "*" разрешает все
func NewOriginChecker(origins []string) *OriginChecker {
	oc := &OriginChecker{allowedOrigins: make(map[string]struct{})}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			oc.allowAll = true
		default:
			oc.allowedOrigins[o] = struct{}{}
		}
	}
	if len(oc.allowedOrigins) == 0 {
		oc.allowAll = true
	}
	return oc
}

// Check проверяет origin
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" || oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

// Client - одно WebSocket соединение
//
// readPump держит соединение живым (pong, close), writePump пишет
// сообщения hub и ping. Каждое сообщение уходит отдельным кадром,
// чтобы клиент мог разбирать кадр как один JSON.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// поток односторонний: входящие сообщения отбрасываются
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", utils.String("client", c.id), utils.Err(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub закрыл канал
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Debug("websocket write error", utils.String("client", c.id), utils.Err(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS - handler /ws/stream: upgrade и регистрация клиента в hub
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			return h.origins.Check(r.Header.Get("Origin"))
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		h.log.Warn("websocket upgrade failed", utils.String("remote", r.RemoteAddr), utils.Err(err))
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, clientSendBufferSize),
	}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
