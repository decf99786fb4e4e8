package api

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/lowaak/treadmill-bridge/internal/session"
	"github.com/lowaak/treadmill-bridge/internal/store"
	"github.com/lowaak/treadmill-bridge/internal/treadmill"
)

const DefaultMaxSpeedKmh = 16.0

type Metrics interface {
	Snapshot() session.LiveMetrics
	SaveSession() session.SummaryRecord
}

type SpeedLink interface {
	SendSpeed(ctx context.Context, kmh float64) error
	State() treadmill.State
	FramesDecoded() uint64
	DecodeErrors() uint64
}

type Sessions interface {
	List(ctx context.Context) ([]store.Record, error)
	Get(ctx context.Context, id string) (store.Record, error)
	Sync(ctx context.Context, id string) error
}

type Handlers struct {
	Metrics     Metrics
	Link        SpeedLink
	Sessions    Sessions
	MaxSpeedKmh float64
}

func RegisterRoutes(r fiber.Router, h Handlers) {
	if h.MaxSpeedKmh <= 0 {
		h.MaxSpeedKmh = DefaultMaxSpeedKmh
	}

	r.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	r.Get("/api/treadmill_data", func(c *fiber.Ctx) error {
		return c.JSON(h.Metrics.Snapshot())
	})

	r.Get("/api/link", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"state":         h.Link.State().String(),
			"frames":        h.Link.FramesDecoded(),
			"decode_errors": h.Link.DecodeErrors(),
		})
	})

	r.Post("/set_speed", func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.FormValue("set_speed"))
		if raw == "" {
			return fiber.NewError(fiber.StatusBadRequest, "set_speed required")
		}
		kmh, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(kmh) {
			return fiber.NewError(fiber.StatusBadRequest, "set_speed must be a number")
		}
		if kmh < 0 || kmh > h.MaxSpeedKmh {
			return fiber.NewError(fiber.StatusBadRequest, "set_speed must be between 0 and "+strconv.FormatFloat(h.MaxSpeedKmh, 'f', -1, 64))
		}
		if err := h.Link.SendSpeed(c.Context(), kmh); err != nil {
			if errors.Is(err, treadmill.ErrNotConnected) {
				return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
			}
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(fiber.Map{"speed": kmh})
	})

	r.Post("/save_session", func(c *fiber.Ctx) error {
		rec := h.Metrics.SaveSession()
		return c.Status(fiber.StatusCreated).JSON(store.FromSummary(rec))
	})

	r.Get("/api/sessions", func(c *fiber.Ctx) error {
		records, err := h.Sessions.List(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(records)
	})

	r.Post("/api/sessions/:id/sync", func(c *fiber.Ctx) error {
		id := c.Params("id")
		err := h.Sessions.Sync(c.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fiber.NewError(fiber.StatusNotFound, "session not found")
		case err != nil:
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		rec, err := h.Sessions.Get(c.Context(), id)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(rec)
	})
}
