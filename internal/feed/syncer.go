// Package feed keeps a device-local mirror of the post feed in sync with the
// backend.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"instafeed/internal/localstore"
	"instafeed/internal/session"
	"instafeed/internal/social"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const countFanOut = 8

var ErrStarted = errors.New("feed syncer already started")

type API interface {
	ListPosts(ctx context.Context) ([]social.Post, error)
	CountComments(ctx context.Context, postID string) (int, error)
	ToggleLike(ctx context.Context, postID string) (social.LikeResult, error)
	SubscribePosts(ctx context.Context) (<-chan []social.Post, <-chan error, error)
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Syncer mirrors the remote post list into memory and the local cache.
//
// Every sync pass takes a sequence number when it starts. A pass is applied
// only if no pass with a higher number has been applied already, so a slow
// one-shot fetch never overwrites a newer subscription delivery. Nothing is
// applied after Stop.
type Syncer struct {
	api      API
	store    Store
	sessions SessionSource
	logger   *zap.Logger

	mu      sync.Mutex
	posts   []social.Post
	nextSeq uint64
	applied uint64
	stopped bool
	updates chan []social.Post

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncer(api API, store Store, sessions SessionSource, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		api:      api,
		store:    store,
		sessions: sessions,
		logger:   logger,
		updates:  make(chan []social.Post, 1),
	}
}

// Start publishes the cached feed, then runs the one-shot fetch and the
// standing subscription in the background until Stop or ctx is done.
func (s *Syncer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil || s.stopped {
		s.mu.Unlock()
		cancel()
		return ErrStarted
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.loadCache(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Refresh(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.follow(ctx)
	}()
	return nil
}

// Stop cancels the subscription, waits for in-flight passes and closes the
// Updates channel.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.updates)
	}
}

// Posts returns a copy of the current feed, newest first.
func (s *Syncer) Posts() []social.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePosts(s.posts)
}

// Updates delivers the feed after each applied change. A slow reader only
// sees the latest value.
func (s *Syncer) Updates() <-chan []social.Post {
	return s.updates
}

// Refresh repeats the one-shot fetch. Failures are logged; the feed keeps its
// last known state.
func (s *Syncer) Refresh(ctx context.Context) {
	seq := s.begin()
	posts, err := s.api.ListPosts(ctx)
	if err != nil {
		s.logger.Warn("fetch posts", zap.Error(err))
		return
	}
	s.sync(ctx, seq, posts)
}

// ToggleLike flips the signed-in user's like on postID remotely and patches
// the local feed with the result without waiting for the subscription.
func (s *Syncer) ToggleLike(ctx context.Context, postID string) (social.LikeResult, error) {
	current := s.sessions.Current()
	if current == nil {
		return social.LikeResult{}, session.ErrNoSession
	}
	userID := current.User.ID

	result, err := s.api.ToggleLike(ctx, postID)
	if err != nil {
		s.logger.Warn("toggle like", zap.String("post_id", postID), zap.Error(err))
		return result, err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return result, nil
	}
	patched := false
	for i := range s.posts {
		if s.posts[i].ID != postID {
			continue
		}
		p := &s.posts[i]
		p.LikeCount = result.LikeCount
		p.LikedBy = withLike(p.LikedBy, userID, result.Liked)
		patched = true
		break
	}
	if patched {
		s.publishLocked(clonePosts(s.posts))
		s.saveCache(ctx, s.posts)
	}
	s.mu.Unlock()
	return result, nil
}

func (s *Syncer) follow(ctx context.Context) {
	deliveries, errs, err := s.api.SubscribePosts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("subscribe posts", zap.Error(err))
		}
		return
	}

	for posts := range deliveries {
		s.sync(ctx, s.begin(), posts)
	}
	if err, ok := <-errs; ok && err != nil {
		s.logger.Warn("post subscription ended, feed no longer updating", zap.Error(err))
	}
}

// sync fills comment counts for posts and applies the result if seq is still
// the newest pass.
func (s *Syncer) sync(ctx context.Context, seq uint64, posts []social.Post) {
	counted, err := s.withCommentCounts(ctx, posts)
	if err != nil {
		s.logger.Warn("count comments", zap.Uint64("pass", seq), zap.Error(err))
		return
	}
	if !s.apply(ctx, seq, counted, true) {
		s.logger.Debug("discarding stale feed pass", zap.Uint64("pass", seq))
	}
}

// withCommentCounts queries every post's comment count concurrently. One
// failing query fails the whole pass. Order is preserved.
func (s *Syncer) withCommentCounts(ctx context.Context, posts []social.Post) ([]social.Post, error) {
	out := clonePosts(posts)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(countFanOut)
	for i := range out {
		i := i
		g.Go(func() error {
			n, err := s.api.CountComments(gctx, out[i].ID)
			if err != nil {
				return err
			}
			out[i].CommentCount = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Syncer) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	return s.nextSeq
}

// apply replaces the feed with posts from pass seq. The cache is written under
// the same lock so it never lags behind an older pass.
func (s *Syncer) apply(ctx context.Context, seq uint64, posts []social.Post, persist bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || seq < s.applied {
		return false
	}
	s.applied = seq
	s.posts = posts
	s.publishLocked(clonePosts(posts))
	if persist {
		s.saveCache(ctx, posts)
	}
	return true
}

func (s *Syncer) publishLocked(posts []social.Post) {
	select {
	case <-s.updates:
	default:
	}
	s.updates <- posts
}

func (s *Syncer) loadCache(ctx context.Context) {
	raw, ok, err := s.store.Get(ctx, localstore.KeyPosts)
	if err != nil {
		s.logger.Warn("read cached posts", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var posts []social.Post
	if err := json.Unmarshal(raw, &posts); err != nil {
		s.logger.Warn("decode cached posts", zap.Error(err))
		return
	}
	s.apply(ctx, s.begin(), posts, false)
}

func (s *Syncer) saveCache(ctx context.Context, posts []social.Post) {
	raw, err := json.Marshal(posts)
	if err == nil {
		err = s.store.Set(context.WithoutCancel(ctx), localstore.KeyPosts, raw)
	}
	if err != nil {
		s.logger.Warn("write cached posts", zap.Error(err))
	}
}

func clonePosts(posts []social.Post) []social.Post {
	out := make([]social.Post, len(posts))
	for i, p := range posts {
		if p.LikedBy == nil {
			p.LikedBy = []string{}
		} else {
			p.LikedBy = append([]string{}, p.LikedBy...)
		}
		out[i] = p
	}
	return out
}

func withLike(likedBy []string, userID string, liked bool) []string {
	out := make([]string, 0, len(likedBy)+1)
	for _, id := range likedBy {
		if id != userID {
			out = append(out, id)
		}
	}
	if liked {
		out = append(out, userID)
	}
	return out
}
