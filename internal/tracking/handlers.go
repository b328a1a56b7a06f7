package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HistoryReader serves full route history from the time-series store.
type HistoryReader interface {
	RouteHistory(ctx context.Context, sessionID string, since time.Time) ([]LocationPoint, error)
}

type startSessionRequest struct {
	SessionID string   `json:"session_id"`
	Geofence  Geofence `json:"geofence"`
}

// RegisterRoutes wires the session lifecycle and read endpoints. The
// lifecycle endpoints are the booking service's signals; point ingestion
// and the live stream are registered by their own packages.
func RegisterRoutes(r fiber.Router, reg *Registry, reader HistoryReader, authMiddleware fiber.Handler) {
	r.Post("/sessions", authMiddleware, func(c *fiber.Ctx) error {
		var req startSessionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.SessionID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "session_id required")
		}
		if err := reg.CreateSession(req.SessionID, req.Geofence); err != nil {
			return statusError(err)
		}
		return c.SendStatus(fiber.StatusCreated)
	})

	r.Post("/sessions/:id/start", authMiddleware, func(c *fiber.Ctx) error {
		var req startSessionRequest
		_ = c.BodyParser(&req)
		if err := reg.StartSession(c.Params("id"), req.Geofence); err != nil {
			return statusError(err)
		}
		return c.SendStatus(fiber.StatusOK)
	})

	r.Post("/sessions/:id/end", authMiddleware, func(c *fiber.Ctx) error {
		if err := reg.EndSession(c.Params("id")); err != nil {
			return statusError(err)
		}
		return c.SendStatus(fiber.StatusOK)
	})

	r.Get("/:id/location", func(c *fiber.Ctx) error {
		view, err := reg.View(c.Params("id"))
		if err != nil {
			return statusError(err)
		}
		if view.LastPoint == nil {
			return fiber.NewError(fiber.StatusNotFound, "no location yet")
		}
		return c.JSON(view.LastPoint)
	})

	r.Get("/:id/route", func(c *fiber.Ctx) error {
		sessionID := c.Params("id")
		points, err := reg.Route(sessionID)
		if err != nil {
			return statusError(err)
		}

		if c.Query("window") == "full" && reader != nil {
			history, herr := reader.RouteHistory(c.Context(), sessionID, time.Time{})
			if herr == nil {
				return c.JSON(history)
			}
			// Store briefly unavailable: degrade to the in-memory window.
		}
		if points == nil {
			points = []LocationPoint{}
		}
		return c.JSON(points)
	})

	r.Get("/:id/stats", func(c *fiber.Ctx) error {
		stats, err := reg.Stats(c.Params("id"))
		if err != nil {
			return statusError(err)
		}
		return c.JSON(stats)
	})

	r.Get("/:id/geofence", func(c *fiber.Ctx) error {
		view, err := reg.View(c.Params("id"))
		if err != nil {
			return statusError(err)
		}
		return c.JSON(view.Geofence)
	})

	r.Get("/:id/session", func(c *fiber.Ctx) error {
		view, err := reg.View(c.Params("id"))
		if err != nil {
			return statusError(err)
		}
		return c.JSON(view)
	})
}

func statusError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionNotActive), errors.Is(err, ErrSessionEnded), errors.Is(err, ErrStalePoint):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidPoint), errors.Is(err, ErrInvalidGeofence):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
