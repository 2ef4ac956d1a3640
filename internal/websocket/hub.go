package websocket

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============ sync.Pool для JSON буферов ============

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет всеми активными WebSocket соединениями
//
// Назначение:
// Трансляция событий движков и сводки состояния подключённым клиентам.
// Торговый путь никогда не ждёт hub: при полном буфере сообщение
// отбрасывается и учитывается в DroppedMessages.
//
// Реализует bot.EventSink (Emit) и bot.StateBroadcaster (BroadcastState).
//
// Использование:
// 1. Создать hub: hub := NewHub(log, origins...)
// 2. Запустить в горутине: go hub.Run(ctx)
// 3. Передать как sink наблюдателю и как broadcaster движку
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	stop     chan struct{}
	stopOnce sync.Once

	origins *OriginChecker
	dropped atomic.Int64
	log     *utils.Logger

	mu sync.RWMutex
}

// NewHub создает новый Hub. allowedOrigins пуст = upgrade с любого Origin.
func NewHub(log *utils.Logger, allowedOrigins ...string) *Hub {
	if log == nil {
		log = utils.NopLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		origins:    NewOriginChecker(allowedOrigins),
		log:        log.WithComponent("ws_hub"),
	}
}

// Run запускает главный цикл Hub до отмены ctx или Stop
//
// Список клиентов копируется под RLock, отправка идёт без блокировки,
// медленные клиенты удаляются под Write Lock.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.Stop()
		h.closeAll()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client connected", utils.Int("clients", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client disconnected", utils.Int("clients", n))

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) fanOut(message []byte) {
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
			// клиент не успевает - отключаем
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
		n := len(h.clients)
		h.mu.Unlock()
		h.log.Warn("removed slow clients", utils.Int("removed", len(toRemove)), utils.Int("clients", n))
	}
}

// Stop останавливает Run (повторный вызов безопасен)
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast сериализует сообщение и ставит его в очередь без блокировки.
// Возвращает false, если сообщение отброшено.
func (h *Hub) Broadcast(message interface{}) bool {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Warn("marshal broadcast message failed", utils.Err(err))
		return false
	}

	data := bytes.TrimRight(buf.Bytes(), "\n")
	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case h.broadcast <- msg:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// Emit транслирует событие движка (bot.EventSink)
func (h *Hub) Emit(_ context.Context, e *models.Event) error {
	if e == nil {
		return nil
	}
	h.Broadcast(NewEventMessage(e))
	return nil
}

// BroadcastState транслирует сводку состояния (bot.StateBroadcaster)
func (h *Hub) BroadcastState(st *models.EngineState) {
	if st == nil {
		return
	}
	h.Broadcast(NewStateMessage(st))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - сообщения, отброшенные из-за полного буфера
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
