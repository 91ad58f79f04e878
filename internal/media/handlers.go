package media

import (
	"context"
	"errors"
	"io"

	"instafeed/internal/db"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type Service struct {
	db       db.Querier
	maxBytes int64
}

func NewService(db db.Querier, maxBytes int64) *Service {
	return &Service{db: db, maxBytes: maxBytes}
}

// Record stores metadata about an encoded upload and returns its id.
func (s *Service) Record(ctx context.Context, userID string, enc Encoded) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO media_uploads (id, user_id, media_type, mime_type, size_bytes)
		VALUES ($1,$2,$3,$4,$5)
	`, id, userID, enc.MediaType, enc.MimeType, enc.Size)
	if err != nil {
		return "", err
	}
	return id, nil
}

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/encode", authMiddleware, func(c *fiber.Ctx) error {
		header, err := c.FormFile("file")
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "file required")
		}
		if svc.maxBytes > 0 && header.Size > svc.maxBytes {
			return fiber.NewError(fiber.StatusRequestEntityTooLarge, "file too large")
		}

		f, err := header.Open()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		enc, err := EncodeNamed(data, header.Filename)
		if errors.Is(err, ErrUnsupportedMedia) {
			return fiber.NewError(fiber.StatusUnsupportedMediaType, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		userID, _ := c.Locals("user_id").(string)
		id, err := svc.Record(c.Context(), userID, enc)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{
			"id":         id,
			"media_url":  enc.MediaURL,
			"media_type": enc.MediaType,
			"mime_type":  enc.MimeType,
			"size":       enc.Size,
		})
	})
}
