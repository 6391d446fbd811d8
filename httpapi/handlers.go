package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore"
)

const appendMaxSize = 1 << 20

// Register wires up the event store routes on the provided Echo instance.
// Replay handlers receive the events dispatched by POST /api/replay.
func Register(e *echo.Echo, store eventstore.Store, auth Authenticator, policy *Policy, logger *log.Logger, replayHandlers ...eventstore.Handler) {
	e.POST("/api/streams/:id/events", appendEvents(store, auth, policy, logger))
	e.GET("/api/streams/:id/events", getStreamEvents(store, auth, policy))
	e.GET("/api/streams/:id", getStream(store, auth, policy))
	e.GET("/api/streams/:id/version", getStreamVersion(store, auth, policy))
	e.HEAD("/api/streams/:id", headStream(store, auth, policy))
	e.GET("/api/events", queryEvents(store, auth, policy))
	e.POST("/api/replay", replay(store, auth, policy, logger, replayHandlers))
	e.GET("/healthz", healthz())
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c echo.Context, status int, message string) error {
	return c.JSON(status, envelope{Success: false, Message: message})
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// authorize authenticates the request and checks the read grant for the
// aggregate type. It writes the error response itself and returns ok=false.
func authorize(c echo.Context, auth Authenticator, policy *Policy, aggregateType string) (string, bool) {
	service, err := auth.ServiceFromAuthHeader(c.Request().Header.Get("Authorization"))
	if err != nil {
		_ = fail(c, http.StatusUnauthorized, err.Error())
		return "", false
	}
	if !policy.CanRead(service, aggregateType) {
		_ = fail(c, http.StatusForbidden, "access denied")
		return "", false
	}
	return service, true
}

type appendRequest struct {
	AggregateType string `json:"aggregateType"`
	// ExpectedVersion: absent means no concurrency check, -1 means the
	// stream must not exist, >= 0 means the stream must be exactly there.
	ExpectedVersion *int64       `json:"expectedVersion"`
	Events          []eventInput `json:"events"`
}

type eventInput struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData"`
	Metadata  event.Metadata  `json:"metadata"`
}

type appendResponse struct {
	StreamID string   `json:"streamId"`
	Version  int64    `json:"version"`
	EventIDs []string `json:"eventIds"`
}

func appendEvents(store eventstore.Store, auth Authenticator, policy *Policy, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		streamID := c.Param("id")

		var req appendRequest
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, appendMaxSize))
		if err := dec.Decode(&req); err != nil {
			return fail(c, http.StatusBadRequest, "invalid body")
		}
		if req.AggregateType == "" || len(req.Events) == 0 {
			return fail(c, http.StatusBadRequest, "aggregateType and events are required")
		}

		service, err := auth.ServiceFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return fail(c, http.StatusUnauthorized, err.Error())
		}
		if !policy.CanAppend(service, req.AggregateType) {
			return fail(c, http.StatusForbidden, "access denied")
		}

		expected := eventstore.Any()
		if req.ExpectedVersion != nil {
			if *req.ExpectedVersion == -1 {
				expected = eventstore.NoStream()
			} else if *req.ExpectedVersion >= 0 {
				expected = eventstore.Exact(*req.ExpectedVersion)
			} else {
				return fail(c, http.StatusBadRequest, "invalid expectedVersion")
			}
		}

		events := make([]event.Event, len(req.Events))
		ids := make([]string, len(req.Events))
		for i, in := range req.Events {
			if in.EventType == "" {
				return fail(c, http.StatusBadRequest, "eventType is required")
			}
			ev := event.Event{
				EventID:       uuid.NewString(),
				AggregateID:   streamID,
				AggregateType: req.AggregateType,
				EventType:     in.EventType,
				EventData:     []byte(in.EventData),
				Metadata:      in.Metadata,
			}
			if ev.Metadata.OccurredOn.IsZero() {
				ev.Metadata.OccurredOn = time.Now().UTC()
			}
			if ev.Metadata.Version == 0 {
				ev.Metadata.Version = 1
			}
			if ev.Metadata.CorrelationID == "" {
				ev.Metadata.CorrelationID = uuid.NewString()
			}
			if ev.Metadata.Source == "" {
				ev.Metadata.Source = service
			}
			events[i] = ev
			ids[i] = ev.EventID
		}

		version, err := store.AppendEvents(c.Request().Context(), streamID, events, expected)
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return c.JSON(http.StatusConflict, envelope{
				Success: false,
				Message: "concurrency conflict",
				Data:    map[string]int64{"currentVersion": version},
			})
		}
		if err != nil {
			logger.WithError(err).Error("Append failed")
			return fail(c, http.StatusInternalServerError, "append failed")
		}
		return ok(c, http.StatusCreated, appendResponse{StreamID: streamID, Version: version, EventIDs: ids})
	}
}

func getStreamEvents(store eventstore.Store, auth Authenticator, policy *Policy) echo.HandlerFunc {
	return func(c echo.Context) error {
		streamID := c.Param("id")
		fromVersion := int64(1)
		if v := c.QueryParam("fromVersion"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 1 {
				return fail(c, http.StatusBadRequest, "invalid fromVersion")
			}
			fromVersion = n
		}
		stream, err := store.GetStream(c.Request().Context(), streamID)
		if errors.Is(err, eventstore.ErrNotFound) {
			return fail(c, http.StatusNotFound, "stream not found")
		}
		if err != nil {
			c.Logger().Error(err)
			return fail(c, http.StatusInternalServerError, err.Error())
		}
		if _, authorized := authorize(c, auth, policy, stream.AggregateType); !authorized {
			return nil
		}
		events, err := store.GetEvents(c.Request().Context(), streamID, fromVersion)
		if err != nil && !errors.Is(err, eventstore.ErrNotFound) {
			c.Logger().Error(err)
			return fail(c, http.StatusInternalServerError, err.Error())
		}
		if events == nil {
			events = []event.StoredEvent{}
		}
		return ok(c, http.StatusOK, events)
	}
}

func getStream(store eventstore.Store, auth Authenticator, policy *Policy) echo.HandlerFunc {
	return func(c echo.Context) error {
		stream, err := store.GetStream(c.Request().Context(), c.Param("id"))
		if errors.Is(err, eventstore.ErrNotFound) {
			return fail(c, http.StatusNotFound, "stream not found")
		}
		if err != nil {
			c.Logger().Error(err)
			return fail(c, http.StatusInternalServerError, err.Error())
		}
		if _, authorized := authorize(c, auth, policy, stream.AggregateType); !authorized {
			return nil
		}
		return ok(c, http.StatusOK, stream)
	}
}

func getStreamVersion(store eventstore.Store, auth Authenticator, policy *Policy) echo.HandlerFunc {
	return func(c echo.Context) error {
		streamID := c.Param("id")
		stream, err := store.GetStream(c.Request().Context(), streamID)
		if errors.Is(err, eventstore.ErrNotFound) {
			// Version 0 for absent streams, matching the append contract. The
			// stream has no aggregate type yet, so any service with a read
			// grant may probe it before the first append.
			service, authErr := auth.ServiceFromAuthHeader(c.Request().Header.Get("Authorization"))
			if authErr != nil {
				return fail(c, http.StatusUnauthorized, authErr.Error())
			}
			if !policy.CanReadAny(service) {
				return fail(c, http.StatusForbidden, "access denied")
			}
			return ok(c, http.StatusOK, map[string]int64{"version": 0})
		}
		if err != nil {
			c.Logger().Error(err)
			return fail(c, http.StatusInternalServerError, err.Error())
		}
		if _, authorized := authorize(c, auth, policy, stream.AggregateType); !authorized {
			return nil
		}
		return ok(c, http.StatusOK, map[string]int64{"version": stream.Version})
	}
}

func headStream(store eventstore.Store, auth Authenticator, policy *Policy) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.ServiceFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.NoContent(http.StatusUnauthorized)
		}
		exists, err := store.StreamExists(c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.NoContent(http.StatusInternalServerError)
		}
		if !exists {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusOK)
	}
}

func queryEvents(store eventstore.Store, auth Authenticator, policy *Policy) echo.HandlerFunc {
	return func(c echo.Context) error {
		q := eventstore.Query{
			AggregateID:   c.QueryParam("aggregateId"),
			AggregateType: c.QueryParam("aggregateType"),
			EventType:     c.QueryParam("eventType"),
			CorrelationID: c.QueryParam("correlationId"),
		}
		if v := c.QueryParam("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fail(c, http.StatusBadRequest, "invalid from timestamp")
			}
			q.From = t
		}
		if v := c.QueryParam("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fail(c, http.StatusBadRequest, "invalid to timestamp")
			}
			q.To = t
		}
		if v := c.QueryParam("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fail(c, http.StatusBadRequest, "invalid limit")
			}
			q.Limit = n
		}
		if v := c.QueryParam("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fail(c, http.StatusBadRequest, "invalid offset")
			}
			q.Offset = n
		}

		if _, authorized := authorize(c, auth, policy, q.AggregateType); !authorized {
			return nil
		}
		events, err := store.QueryEvents(c.Request().Context(), q)
		if err != nil {
			c.Logger().Error(err)
			return fail(c, http.StatusInternalServerError, err.Error())
		}
		if events == nil {
			events = []event.StoredEvent{}
		}
		return ok(c, http.StatusOK, events)
	}
}

func replay(store eventstore.Store, auth Authenticator, policy *Policy, logger *log.Logger, handlers []eventstore.Handler) echo.HandlerFunc {
	return func(c echo.Context) error {
		service, err := auth.ServiceFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return fail(c, http.StatusUnauthorized, err.Error())
		}
		if !policy.CanReplay(service) {
			return fail(c, http.StatusForbidden, "access denied")
		}

		var req eventstore.ReplayRequest
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, appendMaxSize))
		if err := dec.Decode(&req); err != nil {
			return fail(c, http.StatusBadRequest, "invalid body")
		}

		res, err := eventstore.Replay(c.Request().Context(), store, req, logger, handlers...)
		if err != nil {
			logger.WithError(err).Error("Replay failed")
			return fail(c, http.StatusInternalServerError, "replay failed")
		}
		logger.WithFields(log.Fields{
			"service":    service,
			"events":     res.Events,
			"dispatched": res.Dispatched,
			"failures":   res.Failures,
		}).Info("Replay finished")
		return ok(c, http.StatusOK, res)
	}
}
