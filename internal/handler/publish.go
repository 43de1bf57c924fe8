package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/lockdownpark/parkbus/internal/middleware"
	"github.com/lockdownpark/parkbus/internal/queue"
	"github.com/lockdownpark/parkbus/internal/service"
)

// PublishHandler lets services that do not speak AMQP publish park events.
// The authenticated service slug is the origin segment of the routing key.
type PublishHandler struct {
	pub service.EventPublisher
}

func NewPublishHandler(pub service.EventPublisher) *PublishHandler {
	return &PublishHandler{pub: pub}
}

type errorEventReq struct {
	Endpoint string `json:"endpoint"`
	Error    string `json:"error"`
}

// Error publishes {service, endpoint, error} on "<service>.error".
func (h *PublishHandler) Error(c echo.Context) error {
	var req errorEventReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Error == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "error required"})
	}
	origin := middleware.Service(c)
	err := service.NewEvents(h.pub, origin).Error(c.Request().Context(), req.Endpoint, errors.New(req.Error))
	return h.respond(c, origin+"."+queue.OutcomeError, err)
}

// Access publishes an access event on "<service>.access".
func (h *PublishHandler) Access(c echo.Context) error {
	var ev queue.AccessEvent
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	origin := middleware.Service(c)
	err := service.NewEvents(h.pub, origin).Access(c.Request().Context(), ev)
	return h.respond(c, origin+"."+queue.OutcomeAccess, err)
}

// PaymentNotification publishes {guest_id} on payment.notification.  Only
// the payment service may announce payments.
func (h *PublishHandler) PaymentNotification(c echo.Context) error {
	origin := middleware.Service(c)
	if origin != queue.OriginPayment {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "only the payment service publishes payment notifications"})
	}
	var req queue.PaymentNotification
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	err := service.NewEvents(h.pub, origin).PaymentNotification(c.Request().Context(), req.GuestID)
	return h.respond(c, queue.KeyPaymentNotification, err)
}

func (h *PublishHandler) respond(c echo.Context, key string, err error) error {
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, echo.Map{"status": "accepted", "routing_key": key})
	case errors.Is(err, queue.ErrMessageParse), errors.Is(err, queue.ErrInvalidRoutingKey):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrUnroutableKey):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	default:
		logrus.WithError(err).WithField("routing_key", key).Error("gateway publish failed")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "broker unavailable"})
	}
}
