// The saga-service consumes workflow events from the message bus, drives
// complaint sagas through their state machine and flags sagas that stop
// making progress.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/bus"
	amqpbus "github.com/Minh-Khoi-Le/log430-lab7-sub000/bus/amqp"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/bus/storagequeue"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/saga"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/saga/aztable"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/saga/memory"
)

const sagaQueue = "saga-manager"

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	ctx := context.Background()

	store := buildStore()
	broker := buildBus(logger)
	if err := broker.Initialize(ctx); err != nil {
		log.Fatalf("message bus: %v", err)
	}
	b := bus.NewInstrumented(broker, logger)

	stuckAfter := 5 * time.Minute
	if v := os.Getenv("SAGA_STUCK_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid SAGA_STUCK_AFTER: %v", err)
		}
		stuckAfter = d
	}
	redisClient := buildRedis(logger)
	manager := saga.NewManager(store, stuckAfter, logger)
	manager.OnStuck = publishStuckAlert(b, redisClient, logger)

	handler := bus.Handler(manager.HandleEvent)
	if redisClient != nil {
		handler = bus.Deduped(bus.NewRedisDeduper(redisClient, deduperTTL()), sagaQueue, handler)
	}
	if err := b.SubscribeAll(ctx, sagaQueue, handler); err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	checkInterval := time.Minute
	if v := os.Getenv("SAGA_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid SAGA_CHECK_INTERVAL: %v", err)
		}
		checkInterval = d
	}
	go manager.Watch(ctx, checkInterval)

	e := echo.New()
	e.GET("/healthz", func(c echo.Context) error {
		if !b.IsHealthy(c.Request().Context()) {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	})
	e.GET("/api/sagas/:id", getSaga(store))

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}

func buildStore() saga.Store {
	switch backend := os.Getenv("SAGA_BACKEND"); backend {
	case "", "aztable":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		table := os.Getenv("SAGAS_TABLE")
		if connStr == "" || table == "" {
			log.Fatal("missing saga storage config")
		}
		store, err := aztable.New(connStr, table)
		if err != nil {
			log.Fatalf("saga storage: %v", err)
		}
		return store
	case "memory":
		return memory.New()
	default:
		log.Fatalf("unknown SAGA_BACKEND %q", backend)
		return nil
	}
}

func buildBus(logger *log.Logger) bus.Bus {
	var sink bus.DeadLetter
	if dir := os.Getenv("DEAD_LETTER_DIR"); dir != "" {
		journal, err := bus.NewJournalSink(dir, logger)
		if err != nil {
			log.Fatalf("dead letter journal: %v", err)
		}
		sink = journal
	}
	switch backend := os.Getenv("BUS_BACKEND"); backend {
	case "", "amqp":
		amqpURL := os.Getenv("AMQP_URL")
		if amqpURL == "" {
			log.Fatal("missing AMQP_URL")
		}
		exchange := os.Getenv("AMQP_EXCHANGE")
		if exchange == "" {
			exchange = "events"
		}
		return amqpbus.New(amqpbus.Config{
			URL:        amqpURL,
			Exchange:   exchange,
			DeadLetter: sink,
			Logger:     logger,
		})
	case "storagequeue":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		queues := strings.Split(os.Getenv("BUS_QUEUES"), ",")
		if connStr == "" || len(queues) == 0 || queues[0] == "" {
			log.Fatal("missing storage queue config")
		}
		return storagequeue.New(storagequeue.Config{
			ConnectionString: connStr,
			Queues:           queues,
			DeadLetter:       sink,
			Logger:           logger,
		})
	default:
		log.Fatalf("unknown BUS_BACKEND %q", backend)
		return nil
	}
}

func buildRedis(logger *log.Logger) *redis.Client {
	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		logger.Warn("No redis configured, event dedupe and alert channel disabled")
		return nil
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		redisOpts = &redis.Options{Addr: redisConn}
	}
	return redis.NewClient(redisOpts)
}

func deduperTTL() time.Duration {
	ttl := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		ttl = d
	}
	return ttl
}

// publishStuckAlert emits an operator alert event for every stuck saga, on
// the bus and, when redis is configured, on a pub/sub channel live
// dashboards subscribe to.
func publishStuckAlert(b bus.Bus, redisClient *redis.Client, logger *log.Logger) func(context.Context, *saga.Context) {
	exchange := os.Getenv("AMQP_EXCHANGE")
	if exchange == "" {
		exchange = "events"
	}
	channel := os.Getenv("SAGA_ALERT_CHANNEL")
	if channel == "" {
		channel = "saga-alerts"
	}
	return func(ctx context.Context, sc *saga.Context) {
		alert, err := event.New(sc.SagaID, event.AggregateSaga, event.SagaStuck, "saga-service", map[string]any{
			"sagaId":      sc.SagaID,
			"complaintId": sc.ComplaintID,
			"status":      sc.Status,
			"updatedAt":   sc.UpdatedAt,
		})
		if err != nil {
			logger.WithError(err).Error("Build stuck alert failed")
			return
		}
		alert.Metadata.CorrelationID = sc.CorrelationID
		alert.Metadata.SagaID = sc.SagaID
		if err := b.Publish(ctx, exchange, alert.EventType, alert); err != nil {
			logger.WithError(err).Error("Publish stuck alert failed")
		}
		if redisClient != nil {
			body, err := sonic.Marshal(alert)
			if err != nil {
				logger.WithError(err).Error("Encode stuck alert failed")
				return
			}
			if err := redisClient.Publish(ctx, channel, body).Err(); err != nil {
				logger.WithError(err).Error("Publish stuck alert to channel failed")
			}
		}
	}
}

func getSaga(store saga.Store) echo.HandlerFunc {
	type response struct {
		Success bool   `json:"success"`
		Data    any    `json:"data,omitempty"`
		Message string `json:"message,omitempty"`
	}
	return func(c echo.Context) error {
		sc, err := store.Get(c.Request().Context(), c.Param("id"))
		if errors.Is(err, saga.ErrNotFound) {
			return c.JSON(http.StatusNotFound, response{Message: "saga not found"})
		}
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, response{Message: err.Error()})
		}
		return c.JSON(http.StatusOK, response{Success: true, Data: sc})
	}
}
