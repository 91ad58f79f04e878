package social

import (
	"errors"
	"time"
)

const (
	MediaImage = "image"
	MediaVideo = "video"
)

var (
	ErrPostNotFound    = errors.New("post not found")
	ErrCommentNotFound = errors.New("comment not found")
	ErrEmptyText       = errors.New("text must not be empty")
)

type Post struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"author_id"`
	MediaURL     string    `json:"media_url"`
	MediaType    string    `json:"media_type"`
	Caption      string    `json:"caption"`
	CreatedAt    time.Time `json:"created_at"`
	LikeCount    int       `json:"like_count"`
	LikedBy      []string  `json:"liked_by"`
	CommentCount int       `json:"comment_count"`
}

// NewPost is the client-supplied part of a post.
type NewPost struct {
	MediaURL  string `json:"media_url" validate:"required,datauri"`
	MediaType string `json:"media_type" validate:"required,oneof=image video"`
	Caption   string `json:"caption" validate:"max=2200"`
}

type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Replies   []Reply   `json:"replies"`
}

type Reply struct {
	ID        string    `json:"id"`
	CommentID string    `json:"comment_id"`
	PostID    string    `json:"post_id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
}

type LikeResult struct {
	PostID    string `json:"post_id"`
	Liked     bool   `json:"liked"`
	LikeCount int    `json:"like_count"`
}

// ReplyPage is one page of a comment's replies in append order. NextAfter is
// set when more replies follow.
type ReplyPage struct {
	Replies   []Reply `json:"replies"`
	NextAfter int64   `json:"next_after,omitempty"`
}

type TextInput struct {
	Text string `json:"text" validate:"required"`
}
