package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/peertesthub/backend/internal/apperr"
)

// authUserID reads the authenticated user id placed in locals by the JWT
// middleware chain.
func authUserID(c *fiber.Ctx) (uuid.UUID, error) {
	raw := c.Locals("userId")
	if raw == nil {
		return uuid.Nil, fiber.ErrUnauthorized
	}
	str, ok := raw.(string)
	if !ok {
		return uuid.Nil, fiber.ErrUnauthorized
	}
	id, err := uuid.Parse(str)
	if err != nil {
		return uuid.Nil, fiber.ErrUnauthorized
	}
	return id, nil
}

func authRole(c *fiber.Ctx) string {
	if role, ok := c.Locals("role").(string); ok {
		return role
	}
	return ""
}

// respondErr maps service-layer error kinds to HTTP statuses and the
// standard envelope. Unknown errors become opaque 500s so internals never
// leak.
func respondErr(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"success": false,
			"message": fe.Message,
		})
	}

	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return c.Status(500).JSON(fiber.Map{
			"success": false,
			"message": "Internal server error",
		})
	}

	status := 500
	switch ae.Kind {
	case apperr.KindValidation:
		status = 400
	case apperr.KindStateConflict, apperr.KindScopeConflict:
		status = 409
	case apperr.KindNotFound:
		status = 404
	case apperr.KindAuthorization:
		status = 403
	case apperr.KindPayment:
		status = 502
	}

	body := fiber.Map{
		"success": false,
		"message": ae.Message,
	}
	if len(ae.Fields) > 0 {
		body["errors"] = ae.Fields
	}
	if ae.Retryable {
		body["retryable"] = true
	}
	return c.Status(status).JSON(body)
}

func ok(c *fiber.Ctx, data interface{}) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func created(c *fiber.Ctx, data interface{}) error {
	return c.Status(201).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func parseIDParam(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid id", map[string]string{name: "must be a valid uuid"})
	}
	return id, nil
}
