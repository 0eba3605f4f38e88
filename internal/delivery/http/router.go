package http

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/smartcity/crowdnav/internal/domain"
	"github.com/smartcity/crowdnav/internal/service"
)

// AppConfig configures the fiber app
type AppConfig struct {
	Name         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	AccessLog    bool
}

// NewApp builds the fiber app with middleware and the error handler
func NewApp(cfg AppConfig) *fiber.App {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	app := fiber.New(fiber.Config{
		AppName:               cfg.Name,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	if cfg.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	return app
}

// SetupRoutes configures all HTTP routes
func SetupRoutes(app *fiber.App, nav *service.NavigationService, dashboardSvc *service.DashboardService, venue string) {
	handler := NewHandler(nav, dashboardSvc, venue)

	// Health check
	app.Get("/health", handler.HealthCheck)

	// API v1 routes
	api := app.Group("/api/v1")
	{
		api.Get("/dashboard", handler.GetDashboard)

		// Navigation
		api.Get("/routes", handler.GetRoutes)
		api.Get("/zones", handler.GetZones)
		api.Get("/zones/nearest", handler.GetNearestZones)

		// Crowd
		api.Get("/crowd", handler.GetCrowdSummary)
		api.Get("/crowd/:zone", handler.GetCrowdStatus)
		api.Get("/crowd/:zone/history", handler.GetCrowdHistory)
		api.Post("/occupancy", handler.IngestOccupancy)

		// Weather
		api.Get("/weather", handler.GetWeather)
		api.Post("/weather", handler.SetWeather)

		// Emergencies
		api.Post("/emergencies", handler.ReportEmergency)
		api.Get("/emergencies", handler.ListEmergencies)
		api.Get("/emergencies/:id", handler.GetEmergency)
		api.Patch("/emergencies/:id", handler.UpdateEmergencyStatus)
		api.Get("/emergencies/:id/evacuation", handler.GetEvacuationPlan)

		// Admin
		api.Get("/admin/topology", handler.GetTopology)
		api.Post("/admin/topology", handler.ReloadTopology)
	}
}

// statusFor maps a domain error code to an HTTP status
func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeInvalidInput:
		return fiber.StatusBadRequest
	case domain.CodeNotFound:
		return fiber.StatusNotFound
	case domain.CodeStaleData:
		return fiber.StatusConflict
	case domain.CodeTimeout:
		return fiber.StatusGatewayTimeout
	case domain.CodeIsolated:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorHandler renders fiber and domain errors as JSON
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"
	var errCode domain.Code

	var fe *fiber.Error
	var de *domain.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
		message = fe.Message
	case errors.As(err, &de):
		errCode = de.Code
		code = statusFor(de.Code)
		message = err.Error()
	}

	body := fiber.Map{
		"error":   true,
		"message": message,
	}
	if errCode != "" {
		body["code"] = errCode
	}
	return c.Status(code).JSON(body)
}
