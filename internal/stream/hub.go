package stream

import (
	"bytes"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"fundarb/pkg/utils"
)

// ============================================================
// Hub - broadcast real-time обновлений операторским клиентам
// ============================================================
//
// Дашборд оператора получает состояние арбитражей, статистику и
// алерты пушем вместо polling. Медленные клиенты отбрасываются:
// hub никогда не блокируется на отправке.

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Пул JSON-буферов: Broadcast вызывается на каждый тик движка
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет активными WebSocket-соединениями
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu  sync.RWMutex
	log zerolog.Logger
}

// NewHub создаёт hub; запускать циклом go hub.Run()
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        utils.ComponentLogger("stream_hub"),
	}
}

// Run - главный цикл hub: регистрация, отключение, broadcast
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", total).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", total).Msg("client disconnected")

		case message := <-h.broadcast:
			// Копия списка под коротким RLock, отправка без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.log.Warn().Int("removed", len(toRemove)).Int("total", total).Msg("slow clients dropped")
			}
		}
	}
}

// Broadcast сериализует и рассылает сообщение всем клиентам
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Error().Err(err).Msg("broadcast marshal failed")
		jsonBufferPool.Put(buf)
		return
	}

	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)
	jsonBufferPool.Put(buf)

	select {
	case h.broadcast <- msgCopy:
	default:
		h.log.Warn().Msg("broadcast channel full, message dropped")
	}
}

// ClientCount возвращает число подключённых клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
