package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// TopicPosts carries changes to the post collection (create, like, comment count).
	TopicPosts = "posts"

	channelPrefix  = "instafeed:"
	channelSuffix  = ":changes"
	channelPattern = channelPrefix + "*" + channelSuffix

	subscribeTimeout = 2 * time.Second
)

// CommentsTopic is the topic carrying comment and reply changes of one post.
func CommentsTopic(postID string) string {
	return "comments:" + postID
}

// Change is the notification payload published on a topic.
type Change struct {
	Topic string `json:"topic"`
	Kind  string `json:"kind"`
	ID    string `json:"id"`
}

type Hub struct {
	redis   *redis.Client
	pubsub  *redis.PubSub
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
	logger  *zap.Logger
	once    sync.Once
}

type Client struct {
	Topic string
	Send  chan []byte
}

// NewHub creates a hub. With a reachable redis client, changes are fanned out
// through redis pub/sub so every API instance sees them; otherwise delivery is
// local to this process.
func NewHub(redisClient *redis.Client, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients: map[string]map[*Client]struct{}{},
		logger:  logger,
	}

	if redisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		defer cancel()
		pubsub := redisClient.PSubscribe(ctx, channelPattern)
		if _, err := pubsub.Receive(ctx); err != nil {
			logger.Warn("redis subscribe failed, delivering changes locally", zap.Error(err))
			_ = pubsub.Close()
		} else {
			h.redis = redisClient
			h.pubsub = pubsub
			go h.relay(pubsub.Channel())
		}
	}
	return h
}

func (h *Hub) Register(topic string) *Client {
	client := &Client{
		Topic: topic,
		Send:  make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[topic] == nil {
		h.clients[topic] = map[*Client]struct{}{}
	}
	h.clients[topic][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if topicClients, ok := h.clients[client.Topic]; ok {
		if _, registered := topicClients[client]; !registered {
			return
		}
		delete(topicClients, client)
		if len(topicClients) == 0 {
			delete(h.clients, client.Topic)
		}
		close(client.Send)
	}
}

// Broadcast publishes payload on topic.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.mu.RLock()
	rdb := h.redis
	h.mu.RUnlock()

	if rdb != nil {
		err := rdb.Publish(context.Background(), redisChannel(topic), payload).Err()
		if err == nil {
			return
		}
		h.logger.Warn("redis publish failed, delivering locally", zap.String("topic", topic), zap.Error(err))
	}
	h.deliver(topic, payload)
}

// Notify broadcasts a Change of the given kind on topic.
func (h *Hub) Notify(topic, kind, id string) {
	payload, err := json.Marshal(Change{Topic: topic, Kind: kind, ID: id})
	if err != nil {
		h.logger.Error("marshal change", zap.Error(err))
		return
	}
	h.Broadcast(topic, payload)
}

// Close stops the redis relay. Local delivery keeps working.
func (h *Hub) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		pubsub := h.pubsub
		h.redis = nil
		h.pubsub = nil
		h.mu.Unlock()
		if pubsub != nil {
			_ = pubsub.Close()
		}
	})
}

// deliver never blocks: a full buffer already holds a pending notification
// for that client.
func (h *Hub) deliver(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) relay(messages <-chan *redis.Message) {
	for msg := range messages {
		topic := topicFromChannel(msg.Channel)
		if topic == "" {
			continue
		}
		h.deliver(topic, []byte(msg.Payload))
	}
}

func redisChannel(topic string) string {
	return channelPrefix + topic + channelSuffix
}

func topicFromChannel(ch string) string {
	// instafeed:{topic}:changes
	if len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
