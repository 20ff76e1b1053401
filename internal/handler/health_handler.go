package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-crm/internal/config"
	"github.com/noah-isme/gema-crm/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Realtime    string    `json:"realtime"`
}

// HealthCheck returns a handler that reports application health information.
// Realtime reports which change feed transport the node consumes from.
func HealthCheck(cfg config.Config) fiber.Handler {
	realtime := "local"
	switch {
	case cfg.NATSURL != "":
		realtime = "nats"
	case cfg.RedisURL != "":
		realtime = "redis"
	}

	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Realtime:    realtime,
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
