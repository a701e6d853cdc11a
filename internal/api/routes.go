package api

import "github.com/gofiber/fiber/v2"

func RegisterRoutes(app *fiber.App, h *Handler) {
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := h.Store.HealthCheck(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusOK).SendString("ok")
	})

	v1 := app.Group("/api/v1")

	v1.Post("/requests", h.CreateRequestHandler)
	v1.Get("/requests/:request_id", h.RequestStatusHandler)
	v1.Post("/requests/:request_id/quotes", h.SubmitQuoteHandler)
	v1.Post("/requests/:request_id/select", h.SelectQuoteHandler)
	v1.Post("/requests/:request_id/cancel", h.CancelRequestHandler)
	v1.Post("/requests/:request_id/settle", h.SettleRFQHandler)

	v1.Post("/orders", h.SubmitOrderHandler)
	v1.Get("/orders/:order_id", h.OrderStatusHandler)
	v1.Post("/orders/:order_id/cancel", h.CancelOrderHandler)
	v1.Post("/orders/:order_id/modify", h.ModifyOrderHandler)
	v1.Post("/matching/run", h.RunMatchingHandler)

	v1.Get("/trades/:trade_id", h.TradeHandler)
	v1.Post("/trades/:trade_id/viewing-keys", h.ViewingKeyHandler)
}
