// Command feedsync is a headless feed client: it signs in, optionally
// publishes a post, and mirrors the live feed into the local store.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"instafeed/internal/client"
	"instafeed/internal/config"
	"instafeed/internal/feed"
	"instafeed/internal/localstore"
	"instafeed/internal/logging"
	"instafeed/internal/media"
	"instafeed/internal/session"
	"instafeed/internal/social"

	"go.uber.org/zap"
)

var errSignedOut = errors.New("signed out: set FEED_EMAIL and FEED_PASSWORD to sign in")

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig func() config.Config
	openStore  func(path string) (*localstore.Store, error)
	notify     func(chan<- os.Signal, ...os.Signal)
	run        func(context.Context, config.Config, *localstore.Store, *zap.Logger) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig: config.Load,
		openStore:  localstore.Open,
		notify:     signal.Notify,
		run:        Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	log := logging.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	store, err := deps.openStore(cfg.LocalStorePath)
	if err != nil {
		log.Error("open local store", zap.String("path", cfg.LocalStorePath), zap.Error(err))
		return
	}
	defer store.Close()

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-signals
		cancel()
	}()

	if err := deps.run(ctx, cfg, store, log); err != nil {
		log.Error("feedsync exited with error", zap.Error(err))
	}
}

// Run restores or establishes a session, publishes POST_FILE when set, then
// follows the feed until ctx is done.
func Run(ctx context.Context, cfg config.Config, store *localstore.Store, log *zap.Logger) error {
	log = logging.OrNop(log)
	api := client.New(cfg.APIBaseURL)
	sessions := session.NewManager(api, store, log)
	api.SetRenewer(sessions.Renew)

	if _, err := sessions.Restore(ctx); err != nil {
		log.Warn("restore session", zap.Error(err))
	}

	decision, err := session.NewGate(sessions).Wait(ctx)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		if cfg.FeedEmail == "" || cfg.FeedPassword == "" {
			log.Info("not signed in", zap.String("redirect", decision.Redirect))
			return errSignedOut
		}
		if _, err := sessions.Login(ctx, cfg.FeedEmail, cfg.FeedPassword); err != nil {
			return err
		}
	}
	current := sessions.Current()
	log.Info("signed in", zap.String("user_id", current.User.ID))

	if cfg.PostFile != "" {
		publish(ctx, api, cfg, log)
	}

	syncer := feed.NewSyncer(api, store, sessions, log)
	if err := syncer.Start(ctx); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		syncer.Stop()
	}()

	for posts := range syncer.Updates() {
		fields := []zap.Field{zap.Int("posts", len(posts))}
		if len(posts) > 0 {
			fields = append(fields,
				zap.String("newest", posts[0].ID),
				zap.Int("newest_likes", posts[0].LikeCount),
				zap.Int("newest_comments", posts[0].CommentCount))
		}
		log.Info("feed updated", fields...)
	}
	return nil
}

func publish(ctx context.Context, api *client.Client, cfg config.Config, log *zap.Logger) {
	enc, err := media.EncodeFile(cfg.PostFile)
	if err != nil {
		log.Error("encode media", zap.String("file", cfg.PostFile), zap.Error(err))
		return
	}
	post, err := api.CreatePost(ctx, social.NewPost{
		MediaURL:  enc.MediaURL,
		MediaType: enc.MediaType,
		Caption:   cfg.PostCaption,
	})
	if err != nil {
		log.Error("create post", zap.Error(err))
		return
	}
	log.Info("post created", zap.String("post_id", post.ID), zap.String("media_type", post.MediaType), zap.Int64("bytes", enc.Size))
}
