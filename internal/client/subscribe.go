package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"instafeed/internal/social"

	"github.com/gorilla/websocket"
)

// SubscribePosts opens the live post query. Each value on the updates channel
// is the full post list at that moment. The updates channel closes when the
// subscription ends; a termination cause other than ctx cancellation is sent
// on the error channel first.
func (c *Client) SubscribePosts(ctx context.Context) (<-chan []social.Post, <-chan error, error) {
	return subscribe[[]social.Post](ctx, c, "/stream/posts")
}

// SubscribeComments opens the live comment query of one post.
func (c *Client) SubscribeComments(ctx context.Context, postID string) (<-chan []social.Comment, <-chan error, error) {
	return subscribe[[]social.Comment](ctx, c, "/stream/posts/"+url.PathEscape(postID)+"/comments")
}

type frame[T any] struct {
	Topic string `json:"topic"`
	Data  T      `json:"data"`
}

func subscribe[T any](ctx context.Context, c *Client, path string) (<-chan T, <-chan error, error) {
	token := c.Token()
	conn, resp, err := c.dial(ctx, path, token)
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		if fresh, ok := c.renew(ctx, token); ok {
			resp.Body.Close()
			conn, resp, err = c.dial(ctx, path, fresh)
		}
	}
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, nil, decodeError(resp)
		}
		return nil, nil, err
	}

	updates := make(chan T, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(updates)
		defer close(errs)
		defer conn.Close()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-stop:
			}
		}()

		for {
			var f frame[T]
			if err := conn.ReadJSON(&f); err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}
			select {
			case updates <- f.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updates, errs, nil
}

func (c *Client) dial(ctx context.Context, path, token string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return c.dialer.DialContext(ctx, wsURL(c.baseURL)+path, header)
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
