package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/lockdownpark/parkbus/internal/model"
	"github.com/lockdownpark/parkbus/internal/notify"
	"github.com/lockdownpark/parkbus/internal/queue"
	"github.com/lockdownpark/parkbus/internal/repository"
)

// ErrorLogStore is implemented by *repository.ErrorLogRepo.
type ErrorLogStore interface {
	Create(ctx context.Context, l *model.ErrorLog) error
	List(ctx context.Context, service string, limit int) ([]model.ErrorLog, error)
}

// AccessLogStore is implemented by *repository.AccessLogRepo.
type AccessLogStore interface {
	Create(ctx context.Context, l *model.AccessLog) error
	List(ctx context.Context, f repository.AccessFilter) ([]model.AccessLog, error)
	Get(ctx context.Context, id uint64) (model.AccessLog, error)
}

// LogHandler is the error and access log sink the dispatcher forwards to.
type LogHandler struct {
	errors ErrorLogStore
	access AccessLogStore
}

func NewLogHandler(e ErrorLogStore, a AccessLogStore) *LogHandler {
	return &LogHandler{errors: e, access: a}
}

type errorLogResp struct {
	ID         uint64    `json:"id"`
	Service    string    `json:"service"`
	Endpoint   string    `json:"endpoint"`
	Error      string    `json:"error"`
	RoutingKey string    `json:"routing_key,omitempty"`
	DateTime   time.Time `json:"date_time"`
}

type accessLogResp struct {
	ID       uint64    `json:"id"`
	UserID   string    `json:"user_id"`
	UserType string    `json:"user_type"`
	Action   string    `json:"action"`
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	DateTime time.Time `json:"date_time"`
}

// CreateError stores an ErrorEvent.  201 on insert, 400 when a field is
// missing or wider than its column.
func (h *LogHandler) CreateError(c echo.Context) error {
	var ev queue.ErrorEvent
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if err := ev.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	routingKey := c.Request().Header.Get(notify.HeaderRoutingKey)
	if msg := tooLong(
		column{"service", ev.Service, 64},
		column{"endpoint", ev.Endpoint, 255},
		column{"routing_key", routingKey, 255},
	); msg != "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	row := &model.ErrorLog{
		Service:    ev.Service,
		Endpoint:   ev.Endpoint,
		Error:      ev.Error,
		RoutingKey: routingKey,
	}
	if err := h.errors.Create(ctx, row); err != nil {
		logrus.WithError(err).Error("store error log")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "store error log failed"})
	}
	return c.JSON(http.StatusCreated, echo.Map{"message": "Error log created successfully", "id": row.ID})
}

// ListErrors returns recent error logs, optionally ?service=.  404 when
// there are none.
func (h *LogHandler) ListErrors(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	rows, err := h.errors.List(ctx, c.QueryParam("service"), queryInt(c, "limit"))
	if err != nil {
		logrus.WithError(err).Error("list error logs")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "list error logs failed"})
	}
	if len(rows) == 0 {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "No error logs found"})
	}
	out := make([]errorLogResp, 0, len(rows))
	for _, r := range rows {
		out = append(out, errorLogResp{r.ID, r.Service, r.Endpoint, r.Error, r.RoutingKey, r.DateTime})
	}
	return c.JSON(http.StatusOK, out)
}

// CreateAccess stores an AccessEvent.  Both the entry service shape
// {staff_id|guest_id, type, message} and the full log shape are accepted.
// Values wider than their column are rejected with 400.
func (h *LogHandler) CreateAccess(c echo.Context) error {
	var ev queue.AccessEvent
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if err := ev.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	userType, userID := ev.Subject()
	if msg := tooLong(
		column{"user_id", userID, 64},
		column{"user_type", userType, 16},
		column{"action", ev.Action, 64},
		column{"type", ev.Type, 16},
	); msg != "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	row := &model.AccessLog{
		UserID:   userID,
		UserType: userType,
		Action:   ev.Action,
		Type:     ev.Type,
		Message:  ev.Message,
	}
	if err := h.access.Create(ctx, row); err != nil {
		logrus.WithError(err).Error("store access log")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "store access log failed"})
	}
	return c.JSON(http.StatusCreated, echo.Map{"message": "Activity log created successfully", "id": row.ID})
}

// ListAccess returns recent access logs filtered by ?user_type, ?user_id
// and ?type.  404 when there are none.
func (h *LogHandler) ListAccess(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	rows, err := h.access.List(ctx, repository.AccessFilter{
		UserType: c.QueryParam("user_type"),
		UserID:   c.QueryParam("user_id"),
		Type:     c.QueryParam("type"),
		Limit:    queryInt(c, "limit"),
	})
	if err != nil {
		logrus.WithError(err).Error("list access logs")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "list access logs failed"})
	}
	if len(rows) == 0 {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "No activity logs found"})
	}
	out := make([]accessLogResp, 0, len(rows))
	for _, r := range rows {
		out = append(out, toAccessResp(r))
	}
	return c.JSON(http.StatusOK, out)
}

// GetAccess returns one access log by id.
func (h *LogHandler) GetAccess(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	row, err := h.access.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "Activity log not found"})
	}
	if err != nil {
		logrus.WithError(err).Error("get access log")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "get access log failed"})
	}
	return c.JSON(http.StatusOK, toAccessResp(row))
}

func toAccessResp(r model.AccessLog) accessLogResp {
	return accessLogResp{r.ID, r.UserID, r.UserType, r.Action, r.Type, r.Message, r.DateTime}
}

// column is a value headed for a VARCHAR column of the given width.
type column struct {
	name  string
	value string
	width int
}

// tooLong names every value wider than its column, or returns "".
func tooLong(cols ...column) string {
	var over []string
	for _, col := range cols {
		if utf8.RuneCountInString(col.value) > col.width {
			over = append(over, col.name+" exceeds "+strconv.Itoa(col.width)+" characters")
		}
	}
	return strings.Join(over, ", ")
}

func queryInt(c echo.Context, name string) int {
	n, _ := strconv.Atoi(c.QueryParam(name))
	return n
}
