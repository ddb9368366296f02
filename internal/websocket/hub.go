package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yourusername/linkbio-api/internal/config"
)

// clusterMessage - конверт для доставки события на другие инстансы
type clusterMessage struct {
	InstanceID string          `json:"instance_id"`
	UserID     uint            `json:"user_id"`
	Payload    json.RawMessage `json:"payload"`
}

// ClientConfig содержит настройки соединения клиента
type ClientConfig struct {
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	SendBuffer     int
}

// Hub хранит соединения, сгруппированные по пользователю, и рассылает им события
type Hub struct {
	mu      sync.RWMutex
	clients map[uint]map[*Client]struct{}

	provider   PubSubProvider
	channel    string
	instanceID string
	clusterOn  bool
	clientCfg  ClientConfig
}

// NewHub создает хаб. provider может быть NoOpPubSub для одиночного режима.
func NewHub(cfg config.WebSocketConfig, provider PubSubProvider) *Hub {
	if provider == nil {
		provider = &NoOpPubSub{}
	}
	instanceID := cfg.Cluster.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	pongWait := time.Duration(cfg.Ping.Timeout) * time.Second
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingPeriod := time.Duration(cfg.Ping.Interval) * time.Second
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}
	writeWait := time.Duration(cfg.Limits.WriteWait) * time.Second
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	maxSize := int64(cfg.Limits.MaxMessageSize)
	if maxSize <= 0 {
		maxSize = 4096
	}
	buffer := cfg.Limits.ClientSendBuffer
	if buffer <= 0 {
		buffer = 16
	}

	return &Hub{
		clients:    make(map[uint]map[*Client]struct{}),
		provider:   provider,
		channel:    cfg.Cluster.UserEventsChannel,
		instanceID: instanceID,
		clusterOn:  cfg.Cluster.Enabled && cfg.Cluster.UserEventsChannel != "",
		clientCfg: ClientConfig{
			MaxMessageSize: maxSize,
			WriteWait:      writeWait,
			PongWait:       pongWait,
			PingPeriod:     pingPeriod,
			SendBuffer:     buffer,
		},
	}
}

// InstanceID возвращает идентификатор инстанса
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// Run слушает канал кластера до отмены ctx
func (h *Hub) Run(ctx context.Context) {
	if !h.clusterOn {
		log.Printf("[Hub] Кластерный режим выключен, instance=%s", h.instanceID)
		<-ctx.Done()
		return
	}

	msgCh, err := h.provider.Subscribe(ctx, h.channel)
	if err != nil {
		log.Printf("[Hub] ОШИБКА подписки на канал %s: %v", h.channel, err)
		return
	}
	log.Printf("[Hub] Подписан на канал %s, instance=%s", h.channel, h.instanceID)

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgCh:
			if !ok {
				return
			}
			h.handleClusterMessage(raw)
		}
	}
}

func (h *Hub) handleClusterMessage(raw []byte) {
	var msg clusterMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[Hub] Некорректное сообщение кластера: %v", err)
		return
	}
	if msg.InstanceID == h.instanceID {
		return
	}
	h.deliverLocal(msg.UserID, msg.Payload)
}

// Register добавляет клиента
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.UserID] = set
	}
	set[c] = struct{}{}
}

// Unregister удаляет клиента и закрывает его очередь. Повторный вызов безопасен.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.UserID]
	if ok {
		if _, present := set[c]; present {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.UserID)
			}
		}
	}
	h.mu.Unlock()
	c.closeSend()
}

// ClientCount возвращает число подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// NotifyUser отправляет событие всем соединениям пользователя на всех инстансах
func (h *Hub) NotifyUser(userID uint, eventType string, data interface{}) error {
	payload, err := json.Marshal(Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", eventType, err)
	}

	h.deliverLocal(userID, payload)

	if !h.clusterOn {
		return nil
	}
	envelope, err := json.Marshal(clusterMessage{InstanceID: h.instanceID, UserID: userID, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal cluster envelope: %w", err)
	}
	return h.provider.Publish(h.channel, envelope)
}

// deliverLocal кладет payload в очереди клиентов. Клиент с переполненной очередью отключается.
func (h *Hub) deliverLocal(userID uint, payload []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(payload) {
			delivered++
			continue
		}
		log.Printf("[Hub] Очередь клиента %s переполнена, отключаем", c.ID)
		h.Unregister(c)
	}
	return delivered
}

// ServeClient регистрирует соединение и запускает его циклы чтения и записи
func (h *Hub) ServeClient(conn *websocket.Conn, userID uint) *Client {
	c := newClient(h, conn, userID)
	h.Register(c)
	go c.writePump()
	go c.readPump()
	return c
}
