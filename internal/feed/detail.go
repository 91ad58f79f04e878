package feed

import (
	"context"
	"strings"

	"instafeed/internal/session"
	"instafeed/internal/social"

	"go.uber.org/zap"
)

type DetailAPI interface {
	ListComments(ctx context.Context, postID string) ([]social.Comment, error)
	AddComment(ctx context.Context, postID, text string) (social.Comment, error)
	AddReply(ctx context.Context, postID, commentID, text string) (social.Reply, error)
	SubscribeComments(ctx context.Context, postID string) (<-chan []social.Comment, <-chan error, error)
}

type SessionSource interface {
	Current() *session.Session
}

// PostDetail backs the single-post screen: its comment thread and the
// comment and reply composers.
type PostDetail struct {
	api      DetailAPI
	sessions SessionSource
	logger   *zap.Logger
}

func NewPostDetail(api DetailAPI, sessions SessionSource, logger *zap.Logger) *PostDetail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostDetail{api: api, sessions: sessions, logger: logger}
}

func (d *PostDetail) Comments(ctx context.Context, postID string) ([]social.Comment, error) {
	comments, err := d.api.ListComments(ctx, postID)
	if err != nil {
		d.logger.Warn("fetch comments", zap.String("post_id", postID), zap.Error(err))
		return nil, err
	}
	return comments, nil
}

// Watch streams the post's comment thread until ctx is done. An abnormal end
// of the subscription is logged and closes the channel.
func (d *PostDetail) Watch(ctx context.Context, postID string) (<-chan []social.Comment, error) {
	deliveries, errs, err := d.api.SubscribeComments(ctx, postID)
	if err != nil {
		return nil, err
	}
	out := make(chan []social.Comment, 1)
	go func() {
		defer close(out)
		for comments := range deliveries {
			select {
			case <-out:
			default:
			}
			out <- comments
		}
		if err, ok := <-errs; ok && err != nil {
			d.logger.Warn("comment subscription ended", zap.String("post_id", postID), zap.Error(err))
		}
	}()
	return out, nil
}

func (d *PostDetail) Comment(ctx context.Context, postID, text string) (social.Comment, error) {
	text, err := d.precheck(text)
	if err != nil {
		return social.Comment{}, err
	}
	comment, err := d.api.AddComment(ctx, postID, text)
	if err != nil {
		d.logger.Warn("add comment", zap.String("post_id", postID), zap.Error(err))
	}
	return comment, err
}

func (d *PostDetail) Reply(ctx context.Context, postID, commentID, text string) (social.Reply, error) {
	text, err := d.precheck(text)
	if err != nil {
		return social.Reply{}, err
	}
	reply, err := d.api.AddReply(ctx, postID, commentID, text)
	if err != nil {
		d.logger.Warn("add reply", zap.String("comment_id", commentID), zap.Error(err))
	}
	return reply, err
}

func (d *PostDetail) precheck(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", social.ErrEmptyText
	}
	if d.sessions.Current() == nil {
		return "", session.ErrNoSession
	}
	return text, nil
}
