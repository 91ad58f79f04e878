package social

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"instafeed/internal/db"
	"instafeed/internal/stream"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	defaultReplyPage = 50
	maxReplyPage     = 200
)

var nowFn = time.Now

type Service struct {
	db     db.Querier
	hub    *stream.Hub
	logger *zap.Logger
}

func NewService(db db.Querier, hub *stream.Hub, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, hub: hub, logger: logger}
}

func (s *Service) CreatePost(ctx context.Context, authorID string, input NewPost) (Post, error) {
	post := Post{
		ID:        uuid.NewString(),
		AuthorID:  authorID,
		MediaURL:  input.MediaURL,
		MediaType: input.MediaType,
		Caption:   input.Caption,
		LikedBy:   []string{},
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO posts (id, author_id, media_url, media_type, caption)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, post.ID, post.AuthorID, post.MediaURL, post.MediaType, post.Caption)
	if err := row.Scan(&post.CreatedAt); err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}

	s.notify(stream.TopicPosts, "post.created", post.ID)
	return post, nil
}

func (s *Service) GetPost(ctx context.Context, id string) (Post, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, author_id, media_url, media_type, caption, like_count, created_at
		FROM posts WHERE id = $1
	`, id)
	var p Post
	if err := row.Scan(&p.ID, &p.AuthorID, &p.MediaURL, &p.MediaType, &p.Caption, &p.LikeCount, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Post{}, ErrPostNotFound
		}
		return Post{}, err
	}

	likes, err := s.loadLikes(ctx, []string{p.ID})
	if err != nil {
		return Post{}, err
	}
	p.LikedBy = likedBy(likes, p.ID)
	return p, nil
}

// ListPosts returns every post newest first. Posts sharing a timestamp keep
// insertion order.
func (s *Service) ListPosts(ctx context.Context) ([]Post, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, author_id, media_url, media_type, caption, like_count, created_at
		FROM posts
		ORDER BY created_at DESC, seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := []Post{}
	var ids []string
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.MediaURL, &p.MediaType, &p.Caption, &p.LikeCount, &p.CreatedAt); err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	likes, err := s.loadLikes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range posts {
		posts[i].LikedBy = likedBy(likes, posts[i].ID)
	}
	return posts, nil
}

func (s *Service) CountComments(ctx context.Context, postID string) (int, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM comments WHERE post_id = $1`, postID).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

// ToggleLike adds userID to the post's likers when absent and removes it when
// present. The membership change and the counter update commit together, so
// like_count always equals the number of like rows.
func (s *Service) ToggleLike(ctx context.Context, postID, userID string) (LikeResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return LikeResult{}, err
	}

	result, err := toggleLikeTx(ctx, tx, postID, userID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return LikeResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return LikeResult{}, err
	}

	s.notify(stream.TopicPosts, "post.liked", postID)
	return result, nil
}

func toggleLikeTx(ctx context.Context, tx pgx.Tx, postID, userID string) (LikeResult, error) {
	var current int
	err := tx.QueryRow(ctx, `SELECT like_count FROM posts WHERE id = $1 FOR UPDATE`, postID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return LikeResult{}, ErrPostNotFound
	}
	if err != nil {
		return LikeResult{}, err
	}

	var liked bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM post_likes WHERE post_id = $1 AND user_id = $2)
	`, postID, userID).Scan(&liked); err != nil {
		return LikeResult{}, err
	}

	result := LikeResult{PostID: postID}
	if liked {
		if _, err := tx.Exec(ctx, `DELETE FROM post_likes WHERE post_id = $1 AND user_id = $2`, postID, userID); err != nil {
			return LikeResult{}, err
		}
		err = tx.QueryRow(ctx, `
			UPDATE posts SET like_count = like_count - 1 WHERE id = $1 RETURNING like_count
		`, postID).Scan(&result.LikeCount)
	} else {
		if _, err := tx.Exec(ctx, `INSERT INTO post_likes (post_id, user_id) VALUES ($1,$2)`, postID, userID); err != nil {
			return LikeResult{}, err
		}
		err = tx.QueryRow(ctx, `
			UPDATE posts SET like_count = like_count + 1 WHERE id = $1 RETURNING like_count
		`, postID).Scan(&result.LikeCount)
		result.Liked = true
	}
	if err != nil {
		return LikeResult{}, err
	}
	return result, nil
}

// AddComment appends a comment stamped with the database clock.
func (s *Service) AddComment(ctx context.Context, postID, authorID, text string) (Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Comment{}, ErrEmptyText
	}
	c := Comment{
		ID:       uuid.NewString(),
		PostID:   postID,
		AuthorID: authorID,
		Text:     text,
		Replies:  []Reply{},
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO comments (id, post_id, author_id, text)
		SELECT $1, p.id, $3, $4 FROM posts p WHERE p.id = $2
		RETURNING created_at
	`, c.ID, postID, authorID, text)
	if err := row.Scan(&c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Comment{}, ErrPostNotFound
		}
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}

	s.notify(stream.CommentsTopic(postID), "comment.added", c.ID)
	s.notify(stream.TopicPosts, "comment.count", postID)
	return c, nil
}

// AddReply appends a reply after the comment's existing replies. The reply id
// and timestamp are assigned by the application, not the database.
func (s *Service) AddReply(ctx context.Context, postID, commentID, authorID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyText
	}
	r := Reply{
		ID:        uuid.NewString(),
		CommentID: commentID,
		PostID:    postID,
		AuthorID:  authorID,
		Text:      text,
		CreatedAt: nowFn().UTC(),
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO replies (id, comment_id, post_id, author_id, text, created_at)
		SELECT $1, c.id, c.post_id, $4, $5, $6 FROM comments c WHERE c.id = $2 AND c.post_id = $3
		RETURNING seq
	`, r.ID, commentID, postID, authorID, text, r.CreatedAt)
	if err := row.Scan(&r.Seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reply{}, ErrCommentNotFound
		}
		return Reply{}, fmt.Errorf("insert reply: %w", err)
	}

	s.notify(stream.CommentsTopic(postID), "reply.added", r.ID)
	return r, nil
}

// ListComments returns the post's comments newest first, each with its
// replies in append order.
func (s *Service) ListComments(ctx context.Context, postID string) ([]Comment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, post_id, author_id, text, created_at
		FROM comments WHERE post_id = $1
		ORDER BY created_at DESC, seq ASC
	`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comments := []Comment{}
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.PostID, &c.AuthorID, &c.Text, &c.CreatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(comments) == 0 {
		return comments, nil
	}

	loader := dataloader.NewBatchedLoader(s.batchReplies,
		dataloader.WithBatchCapacity[string, []Reply](len(comments)),
		dataloader.WithCache[string, []Reply](&dataloader.NoCache[string, []Reply]{}),
	)
	thunks := make([]dataloader.Thunk[[]Reply], len(comments))
	for i := range comments {
		thunks[i] = loader.Load(ctx, comments[i].ID)
	}
	for i, thunk := range thunks {
		replies, err := thunk()
		if err != nil {
			return nil, err
		}
		comments[i].Replies = replies
	}
	return comments, nil
}

// ListReplies pages through a comment's replies in append order, starting
// after the given sequence number.
func (s *Service) ListReplies(ctx context.Context, commentID string, limit int, after int64) (ReplyPage, error) {
	if limit <= 0 {
		limit = defaultReplyPage
	}
	if limit > maxReplyPage {
		limit = maxReplyPage
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, comment_id, post_id, author_id, text, created_at, seq
		FROM replies WHERE comment_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, commentID, after, limit+1)
	if err != nil {
		return ReplyPage{}, err
	}
	defer rows.Close()

	page := ReplyPage{Replies: []Reply{}}
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return ReplyPage{}, err
		}
		page.Replies = append(page.Replies, r)
	}
	if err := rows.Err(); err != nil {
		return ReplyPage{}, err
	}
	if len(page.Replies) > limit {
		page.Replies = page.Replies[:limit]
		page.NextAfter = page.Replies[limit-1].Seq
	}
	return page, nil
}

// Snapshot returns the current result of a live query topic.
func (s *Service) Snapshot(ctx context.Context, topic string) (any, error) {
	if topic == stream.TopicPosts {
		return s.ListPosts(ctx)
	}
	if postID, ok := strings.CutPrefix(topic, "comments:"); ok && postID != "" {
		return s.ListComments(ctx, postID)
	}
	return nil, fmt.Errorf("unknown topic %q", topic)
}

func (s *Service) batchReplies(ctx context.Context, commentIDs []string) []*dataloader.Result[[]Reply] {
	results := make([]*dataloader.Result[[]Reply], len(commentIDs))

	grouped, err := s.loadReplies(ctx, commentIDs)
	for i, id := range commentIDs {
		if err != nil {
			results[i] = &dataloader.Result[[]Reply]{Error: err}
			continue
		}
		replies := grouped[id]
		if replies == nil {
			replies = []Reply{}
		}
		results[i] = &dataloader.Result[[]Reply]{Data: replies}
	}
	return results
}

func (s *Service) loadReplies(ctx context.Context, commentIDs []string) (map[string][]Reply, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, comment_id, post_id, author_id, text, created_at, seq
		FROM replies WHERE comment_id = ANY($1)
		ORDER BY seq
	`, commentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grouped := map[string][]Reply{}
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return nil, err
		}
		grouped[r.CommentID] = append(grouped[r.CommentID], r)
	}
	return grouped, rows.Err()
}

func (s *Service) loadLikes(ctx context.Context, postIDs []string) (map[string][]string, error) {
	if len(postIDs) == 0 {
		return map[string][]string{}, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT post_id, user_id
		FROM post_likes WHERE post_id = ANY($1)
		ORDER BY created_at, user_id
	`, postIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	likes := map[string][]string{}
	for rows.Next() {
		var postID, userID string
		if err := rows.Scan(&postID, &userID); err != nil {
			return nil, err
		}
		likes[postID] = append(likes[postID], userID)
	}
	return likes, rows.Err()
}

func (s *Service) notify(topic, kind, id string) {
	if s.hub == nil {
		return
	}
	s.hub.Notify(topic, kind, id)
	s.logger.Debug("change published", zap.String("topic", topic), zap.String("kind", kind), zap.String("id", id))
}

func scanReply(rows pgx.Rows) (Reply, error) {
	var r Reply
	err := rows.Scan(&r.ID, &r.CommentID, &r.PostID, &r.AuthorID, &r.Text, &r.CreatedAt, &r.Seq)
	return r, err
}

func likedBy(likes map[string][]string, postID string) []string {
	if users, ok := likes[postID]; ok {
		return users
	}
	return []string{}
}
