package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/register", func(c *fiber.Ctx) error {
		var req RegisterRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
		}
		user, tokens, err := svc.Register(c.Context(), req)
		if err != nil {
			return writeError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(SessionResponse{User: user, Tokens: tokens})
	})

	r.Post("/login", func(c *fiber.Ctx) error {
		var req LoginRequest
		if err := c.BodyParser(&req); err != nil || svc.validate.Struct(req) != nil {
			return fiber.NewError(fiber.StatusBadRequest, "email and password required")
		}
		user, tokens, err := svc.Login(c.Context(), req)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(SessionResponse{User: user, Tokens: tokens})
	})

	r.Post("/refresh", func(c *fiber.Ctx) error {
		var req RefreshRequest
		if err := c.BodyParser(&req); err != nil || svc.validate.Struct(req) != nil {
			return fiber.NewError(fiber.StatusBadRequest, "refresh_token required")
		}

		resp, err := svc.RotateRefreshToken(c.Context(), req.RefreshToken)
		if errors.Is(err, ErrRefreshTokenInvalid) {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(resp)
	})

	r.Post("/logout", func(c *fiber.Ctx) error {
		var req RefreshRequest
		if err := c.BodyParser(&req); err != nil || svc.validate.Struct(req) != nil {
			return fiber.NewError(fiber.StatusBadRequest, "refresh_token required")
		}
		if err := svc.Logout(c.Context(), req.RefreshToken); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Get("/jwt/verify", func(c *fiber.Ctx) error {
		token := parseBearer(c.Get("Authorization"))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		userID, err := svc.ValidateAccessToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		return c.JSON(fiber.Map{"user_id": userID})
	})

	r.Get("/me", authMiddleware, func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		user, err := svc.Profile(c.Context(), userID)
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, "user not found")
		}
		return c.JSON(user)
	})
}

// writeError sends coded auth failures as {code, message}; anything else is
// an internal error.
func writeError(c *fiber.Ctx, err error) error {
	var authErr *Error
	if errors.As(err, &authErr) {
		return c.Status(authErr.Status()).JSON(authErr)
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}

func parseBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
