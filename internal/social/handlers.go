package social

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/posts", authMiddleware, func(c *fiber.Ctx) error {
		var req NewPost
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "media_url must be a data URI and media_type image or video")
		}
		post, err := svc.CreatePost(c.Context(), userID(c), req)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(post)
	})

	r.Get("/posts", authMiddleware, func(c *fiber.Ctx) error {
		posts, err := svc.ListPosts(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(posts)
	})

	r.Get("/posts/:id", authMiddleware, func(c *fiber.Ctx) error {
		post, err := svc.GetPost(c.Context(), c.Params("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(post)
	})

	r.Post("/posts/:id/like", authMiddleware, func(c *fiber.Ctx) error {
		result, err := svc.ToggleLike(c.Context(), c.Params("id"), userID(c))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(result)
	})

	r.Get("/posts/:id/comments", authMiddleware, func(c *fiber.Ctx) error {
		comments, err := svc.ListComments(c.Context(), c.Params("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(comments)
	})

	r.Get("/posts/:id/comments/count", authMiddleware, func(c *fiber.Ctx) error {
		n, err := svc.CountComments(c.Context(), c.Params("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(fiber.Map{"count": n})
	})

	r.Post("/posts/:id/comments", authMiddleware, func(c *fiber.Ctx) error {
		text, err := parseText(c)
		if err != nil {
			return err
		}
		comment, err := svc.AddComment(c.Context(), c.Params("id"), userID(c), text)
		if err != nil {
			return toHTTPError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(comment)
	})

	r.Post("/posts/:id/comments/:commentID/replies", authMiddleware, func(c *fiber.Ctx) error {
		text, err := parseText(c)
		if err != nil {
			return err
		}
		reply, err := svc.AddReply(c.Context(), c.Params("id"), c.Params("commentID"), userID(c), text)
		if err != nil {
			return toHTTPError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(reply)
	})

	r.Get("/comments/:id/replies", authMiddleware, func(c *fiber.Ctx) error {
		page, err := svc.ListReplies(c.Context(), c.Params("id"), c.QueryInt("limit", defaultReplyPage), int64(c.QueryInt("after", 0)))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(page)
	})
}

func parseText(c *fiber.Ctx) (string, error) {
	var body TextInput
	if err := c.BodyParser(&body); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	body.Text = strings.TrimSpace(body.Text)
	if err := validate.Struct(body); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "text required")
	}
	return body.Text, nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrPostNotFound), errors.Is(err, ErrCommentNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmptyText):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}
