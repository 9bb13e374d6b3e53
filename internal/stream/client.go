package stream

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"fundarb/pkg/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536

	clientSendBufferSize = 512
)

// originChecker - O(1) проверка Origin по множеству из окружения
type originChecker struct {
	allowed  map[string]struct{}
	allowAll bool
}

var origins = initOriginChecker()

func initOriginChecker() *originChecker {
	checker := &originChecker{allowed: make(map[string]struct{})}

	env := os.Getenv("ALLOWED_ORIGINS")
	if env == "" || env == "*" {
		checker.allowAll = true
		return checker
	}
	for _, origin := range strings.Split(env, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			checker.allowed[origin] = struct{}{}
		}
	}
	return checker
}

func (oc *originChecker) check(origin string) bool {
	if origin == "" {
		return true // не-браузерные клиенты (curl, мониторинг)
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowed[origin]
	return ok
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return origins.check(r.Header.Get("Origin"))
	},
	EnableCompression: true,
}

// Client - одно WebSocket-соединение
//
// Две горутины на клиента: readPump (pong и дисконнекты) и
// writePump (отправка + ping).
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// ServeWS апгрейдит HTTP-запрос и регистрирует клиента в hub
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	log := utils.ComponentLogger("stream_client")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, clientSendBufferSize),
	}
	hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump читает входящие фреймы: только контроль живости,
// команды от клиентов не принимаются
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump пишет сообщения и поддерживает ping
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
