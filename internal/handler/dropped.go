package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lockdownpark/parkbus/internal/deadletter"
)

// DroppedHandler lists messages the dispatcher dropped.
type DroppedHandler struct {
	store deadletter.Store
}

func NewDroppedHandler(s deadletter.Store) *DroppedHandler { return &DroppedHandler{store: s} }

// List returns up to ?limit (default 50, max 500) entries, newest first.
func (h *DroppedHandler) List(c echo.Context) error {
	limit := queryInt(c, "limit")
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	items, err := h.store.Recent(ctx, limit)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "dropped message store unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{"count": len(items), "items": items})
}
