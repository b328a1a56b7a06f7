package ingest

import (
	"errors"

	"dogwalk-tracking/internal/tracking"
	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes wires the HTTP ingestion path, the fallback for devices
// without an MQTT connection.
func RegisterRoutes(r fiber.Router, a *Adapter, authMiddleware fiber.Handler) {
	r.Post("/:id/location", authMiddleware, func(c *fiber.Ctx) error {
		_, err := a.Ingest(c.Body(), HTTPSource{Session: c.Params("id")})
		if err != nil {
			switch {
			case errors.Is(err, tracking.ErrInvalidPoint):
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			case errors.Is(err, tracking.ErrSessionNotFound):
				return fiber.NewError(fiber.StatusNotFound, err.Error())
			case errors.Is(err, tracking.ErrSessionNotActive), errors.Is(err, tracking.ErrStalePoint):
				return fiber.NewError(fiber.StatusConflict, err.Error())
			default:
				return fiber.NewError(fiber.StatusInternalServerError, err.Error())
			}
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	r.Post("/:id/location/batch", authMiddleware, func(c *fiber.Ctx) error {
		accepted, rejected, err := a.IngestBatch(c.Body(), HTTPSource{Session: c.Params("id")})
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"accepted": accepted,
			"rejected": rejected,
		})
	})
}
