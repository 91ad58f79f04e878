package server

import (
	"instafeed/internal/auth"
	"instafeed/internal/config"
	"instafeed/internal/db"
	"instafeed/internal/logging"
	"instafeed/internal/media"
	"instafeed/internal/social"
	"instafeed/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const minBodyLimit = 4 << 20

type Server struct {
	App    *fiber.App
	Cfg    config.Config
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Stream *stream.Hub
	Logger *zap.Logger
}

func NewServer(cfg config.Config, pg *pgxpool.Pool, redisClient *redis.Client, log *zap.Logger) *Server {
	log = logging.OrNop(log)

	// posts carry their media inline as base64, which is a third larger
	// than the raw file
	bodyLimit := int(2 * cfg.MaxMediaBytes)
	if bodyLimit < minBodyLimit {
		bodyLimit = minBodyLimit
	}

	app := fiber.New(fiber.Config{BodyLimit: bodyLimit})
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     pg,
		Redis:  redisClient,
		Stream: stream.NewHub(redisClient, log),
		Logger: log,
	}

	registerRoutes(s)
	return s
}

func (s *Server) querier() db.Querier {
	if s.DB == nil {
		return nil
	}
	return s.DB
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)
	q := s.querier()

	authSvc := auth.NewService(s.Cfg.JWTSecret, q,
		auth.WithEmailPassword(s.Cfg.EmailPasswordEnabled),
		auth.WithLogger(s.Logger))
	socialSvc := social.NewService(q, s.Stream, s.Logger)

	auth.RegisterRoutes(s.App.Group("/auth"), authSvc, jwtMiddleware)
	social.RegisterRoutes(s.App.Group("/social"), socialSvc, jwtMiddleware)
	media.RegisterRoutes(s.App.Group("/media"), media.NewService(q, s.Cfg.MaxMediaBytes), jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, socialSvc.Snapshot, jwtMiddleware)
}
