package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dogwalk-tracking/internal/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultSendBuffer = 64

// Hub fans accepted frames out to every live subscriber of a session.
// A slow subscriber only ever costs its own delivery timeout; it is
// evicted rather than allowed to stall the rest.
type Hub struct {
	id      string
	redis   *redis.Client
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// Client is one subscriber connection handle, bound to a single session.
// The mutex serializes sends with the channel close: a subscriber
// disconnecting mid-broadcast must never panic the delivering goroutine,
// which on the MQTT and redis-bridge paths has no recover above it.
type Client struct {
	SessionID string
	Send      chan []byte

	mu     sync.Mutex
	closed bool
}

// push delivers one frame, blocking at most timeout when the buffer is
// full. Returns false when the subscriber did not take the frame in
// time. Frames for an already-closed client are dropped.
func (c *Client) push(payload []byte, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.Send <- payload:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.Send <- payload:
		return true
	case <-timer.C:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func NewHub(redisClient *redis.Client, timeout time.Duration, log zerolog.Logger) *Hub {
	if timeout <= 0 {
		timeout = time.Second
	}
	h := &Hub{
		id:      uuid.NewString(),
		redis:   redisClient,
		timeout: timeout,
		log:     log,
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		go h.subscribeRedis()
	}
	return h
}

func (h *Hub) Register(sessionID string) *Client {
	client := &Client{
		SessionID: sessionID,
		Send:      make(chan []byte, defaultSendBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = map[*Client]struct{}{}
	}
	h.clients[sessionID][client] = struct{}{}
	metrics.Subscribers.Inc()
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister(client, "disconnect")
}

func (h *Hub) unregister(client *Client, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessionClients, ok := h.clients[client.SessionID]
	if !ok {
		return
	}
	if _, present := sessionClients[client]; !present {
		return
	}
	delete(sessionClients, client)
	if len(sessionClients) == 0 {
		delete(h.clients, client.SessionID)
	}
	client.closeSend()
	metrics.Subscribers.Dec()
	metrics.SubscriberEvictions.WithLabelValues(reason).Inc()
}

// Broadcast delivers a frame to every subscriber of the session and
// mirrors it to redis so other replicas can deliver to theirs.
func (h *Hub) Broadcast(sessionID string, payload []byte) {
	h.deliver(sessionID, payload)

	if h.redis != nil {
		env, _ := json.Marshal(redisEnvelope{Src: h.id, Data: payload})
		err := h.redis.Publish(context.Background(), redisChannel(sessionID), env).Err()
		if err != nil {
			h.log.Warn().Err(err).Str("session_id", sessionID).Msg("redis publish failed")
		}
	}
}

// CloseSession pushes a final frame to every subscriber of the session
// and closes their channels. Used when the walk ends.
func (h *Hub) CloseSession(sessionID string, final []byte) {
	h.deliver(sessionID, final)

	h.mu.Lock()
	sessionClients := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()

	for client := range sessionClients {
		client.closeSend()
		metrics.Subscribers.Dec()
		metrics.SubscriberEvictions.WithLabelValues("session_end").Inc()
	}
}

// deliver pushes the frame to local subscribers. Delivery to one client
// blocks at most the hub timeout; on timeout the client is evicted so the
// remaining subscribers are unaffected.
func (h *Hub) deliver(sessionID string, payload []byte) {
	h.mu.RLock()
	sessionClients := h.clients[sessionID]
	clients := make([]*Client, 0, len(sessionClients))
	for client := range sessionClients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var evicted []*Client
	for _, client := range clients {
		if !client.push(payload, h.timeout) {
			evicted = append(evicted, client)
		}
	}

	for _, client := range evicted {
		h.log.Warn().Str("session_id", sessionID).Msg("subscriber evicted: delivery timeout")
		h.unregister(client, "timeout")
	}
}

// redisEnvelope wraps a mirrored frame with its origin instance so the
// origin skips its own messages. Data is raw bytes (base64 on the wire),
// not RawMessage: the envelope must round-trip any payload.
type redisEnvelope struct {
	Src  string `json:"src"`
	Data []byte `json:"data"`
}

func (h *Hub) subscribeRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, "tracking:*:broadcast")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		// Frames originating here were already delivered locally.
		if env.Src == h.id {
			continue
		}
		h.deliver(sessionIDFromChannel(msg.Channel), env.Data)
	}
}

func redisChannel(sessionID string) string {
	return "tracking:" + sessionID + ":broadcast"
}

func sessionIDFromChannel(ch string) string {
	// tracking:{session}:broadcast
	const prefix = "tracking:"
	const suffix = ":broadcast"
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
