package stream

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

const snapshotTimeout = 5 * time.Second

// SnapshotFunc returns the full current result of a live query topic.
type SnapshotFunc func(ctx context.Context, topic string) (any, error)

// Snapshot is the frame written to live query subscribers.
type Snapshot struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

func RegisterRoutes(r fiber.Router, hub *Hub, snapshot SnapshotFunc, authMiddleware fiber.Handler) {
	r.Get("/posts", authMiddleware, websocket.New(func(c *websocket.Conn) {
		serveLiveQuery(c, hub, snapshot, TopicPosts)
	}))

	r.Get("/posts/:id/comments", authMiddleware, websocket.New(func(c *websocket.Conn) {
		serveLiveQuery(c, hub, snapshot, CommentsTopic(c.Params("id")))
	}))
}

// serveLiveQuery writes the topic snapshot on connect and again after every
// change notification, until either side closes.
func serveLiveQuery(c *websocket.Conn, hub *Hub, snapshot SnapshotFunc, topic string) {
	client := hub.Register(topic)
	defer hub.Unregister(client)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeSnapshot(c, snapshot, topic); err != nil {
		hub.logger.Debug("live query ended", zap.String("topic", topic), zap.Error(err))
		return
	}

	for {
		select {
		case <-closed:
			return
		case _, ok := <-client.Send:
			if !ok {
				return
			}
			drain(client.Send)
			if err := writeSnapshot(c, snapshot, topic); err != nil {
				hub.logger.Debug("live query ended", zap.String("topic", topic), zap.Error(err))
				return
			}
		}
	}
}

func writeSnapshot(c *websocket.Conn, snapshot SnapshotFunc, topic string) error {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	data, err := snapshot(ctx, topic)
	if err != nil {
		return err
	}
	return c.WriteJSON(Snapshot{Topic: topic, Data: data})
}

// drain discards notifications already queued; one snapshot covers them all.
func drain(ch <-chan []byte) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
