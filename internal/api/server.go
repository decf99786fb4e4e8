package api

import (
	"log"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// NewServer builds the HTTP app. Access logs go to the bridge logger's output.
func NewServer(h Handlers, logger *log.Logger) *fiber.App {
	if logger == nil {
		panic("Server: logger cannot be nil")
	}
	app := fiber.New(fiber.Config{
		AppName:               "treadmill-bridge",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Output: logger.Writer(),
		Format: "HTTP: ${status} ${method} ${path} ${latency}\n",
	}))

	RegisterRoutes(app, h)
	return app
}
