// The eventstore-service exposes the durable event store over HTTP for the
// platform's internal services.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/bus"
	amqpbus "github.com/Minh-Khoi-Le/log430-lab7-sub000/bus/amqp"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore/aztable"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore/memory"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore/postgres"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/httpapi"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/txn"
)

const ingestQueue = "eventstore-ingest"

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	ctx := context.Background()

	store := buildStore(ctx, logger)
	auth := buildAuth()
	policy := buildPolicy(logger)

	var replayHandlers []eventstore.Handler
	if broker, exchange := buildBroker(ctx, logger); broker != nil {
		// Every domain event on the bus lands in the canonical history, so
		// services that only publish still get replay and audit for free.
		if err := broker.SubscribeAll(ctx, ingestQueue, ingest(store, logger)); err != nil {
			log.Fatalf("subscribe ingest: %v", err)
		}
		replayHandlers = []eventstore.Handler{&republisher{bus: broker, exchange: exchange}}
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	httpapi.Register(e, store, auth, policy, logger, replayHandlers...)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}

func buildStore(ctx context.Context, logger *log.Logger) eventstore.Store {
	switch backend := os.Getenv("EVENTSTORE_BACKEND"); backend {
	case "", "postgres":
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			log.Fatal("missing DATABASE_URL")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		cfg := postgres.DefaultConfig()
		coordinator := txn.New(db, txn.DefaultRetryPolicy(), logger)
		coordinator.SetTimeouts(txnTimeouts())
		err = coordinator.ExecuteWithRetry(ctx, func(ctx context.Context) error {
			_, execErr := db.ExecContext(ctx, postgres.Schema(cfg))
			return execErr
		})
		if err != nil {
			log.Fatalf("apply schema: %v", err)
		}
		return postgres.NewStore(db, cfg)
	case "aztable":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		eventsTable := os.Getenv("EVENTS_TABLE")
		snapshotsTable := os.Getenv("SNAPSHOTS_TABLE")
		if connStr == "" || eventsTable == "" || snapshotsTable == "" {
			log.Fatal("missing Azure Tables config")
		}
		store, err := aztable.New(connStr, eventsTable, snapshotsTable)
		if err != nil {
			log.Fatalf("table storage: %v", err)
		}
		return store
	case "memory":
		return memory.NewStore()
	default:
		log.Fatalf("unknown EVENTSTORE_BACKEND %q", backend)
		return nil
	}
}

func txnTimeouts() txn.Timeouts {
	timeouts := txn.DefaultTimeouts()
	if v := os.Getenv("TXN_BEGIN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid TXN_BEGIN_TIMEOUT: %v", err)
		}
		timeouts.Begin = d
	}
	if v := os.Getenv("TXN_COMMIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid TXN_COMMIT_TIMEOUT: %v", err)
		}
		timeouts.Commit = d
	}
	return timeouts
}

func buildAuth() httpapi.Authenticator {
	audience := os.Getenv("AUTH_AUDIENCE")
	issuer := os.Getenv("AUTH_ISSUER")
	if secret := os.Getenv("SERVICE_JWT_SECRET"); secret != "" {
		return httpapi.NewLocalAuth([]byte(secret), audience, issuer)
	}
	domain := os.Getenv("AUTH_DOMAIN")
	if domain == "" {
		log.Fatal("missing auth config: set SERVICE_JWT_SECRET or AUTH_DOMAIN")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	if issuer == "" {
		issuer = "https://" + domain + "/"
	}
	return httpapi.NewAuth(jwks, audience, issuer)
}

func buildPolicy(logger *log.Logger) *httpapi.Policy {
	path := os.Getenv("ACCESS_POLICY_FILE")
	if path == "" {
		logger.Warn("No access policy configured, allowing all services")
		return httpapi.AllowAll()
	}
	policy, err := httpapi.LoadPolicy(path)
	if err != nil {
		log.Fatalf("access policy: %v", err)
	}
	return policy
}

// buildBroker connects to the message bus when one is configured. The bus is
// optional: without it the service is a plain HTTP event store.
func buildBroker(ctx context.Context, logger *log.Logger) (bus.Bus, string) {
	amqpURL := os.Getenv("AMQP_URL")
	if amqpURL == "" {
		return nil, ""
	}
	exchange := os.Getenv("AMQP_EXCHANGE")
	if exchange == "" {
		exchange = "events"
	}
	deadLetterDir := os.Getenv("DEAD_LETTER_DIR")
	var sink bus.DeadLetter
	if deadLetterDir != "" {
		journal, err := bus.NewJournalSink(deadLetterDir, logger)
		if err != nil {
			log.Fatalf("dead letter journal: %v", err)
		}
		sink = journal
	}
	broker := amqpbus.New(amqpbus.Config{
		URL:        amqpURL,
		Exchange:   exchange,
		DeadLetter: sink,
		Logger:     logger,
	})
	if err := broker.Initialize(ctx); err != nil {
		log.Fatalf("message bus: %v", err)
	}
	return bus.NewInstrumented(broker, logger), exchange
}

// ingest appends every consumed domain event to the canonical store. The bus
// is at-least-once, so a redelivered event may be appended twice; replay
// consumers already tolerate duplicate event ids.
func ingest(store eventstore.Store, logger *log.Logger) bus.Handler {
	return func(ctx context.Context, ev event.Event) error {
		if ev.AggregateID == "" {
			logger.WithField("eventType", ev.EventType).Debug("Skipping event without aggregate id")
			return nil
		}
		_, err := store.AppendEvents(ctx, ev.AggregateID, []event.Event{ev}, eventstore.Any())
		return err
	}
}

// republisher forwards replayed events back onto the bus.
type republisher struct {
	bus      bus.Bus
	exchange string
}

func (r *republisher) EventTypes() []string { return nil }

func (r *republisher) Handle(ctx context.Context, ev event.StoredEvent) error {
	return r.bus.Publish(ctx, r.exchange, ev.EventType, ev.Event)
}
