// The provision tool creates the storage and broker topology the platform
// services expect: Azure tables, storage queues, the AMQP topic exchange and
// the Postgres event store schema. Every step is idempotent so the tool can
// run on each deployment.
package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	_ "github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore/postgres"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("provision starting")

	ctx := context.Background()

	if connStr := os.Getenv("STORAGE_CONNECTION_STRING"); connStr != "" {
		if err := createTables(ctx, connStr, []string{
			os.Getenv("EVENTS_TABLE"),
			os.Getenv("SNAPSHOTS_TABLE"),
			os.Getenv("SAGAS_TABLE"),
		}); err != nil {
			log.Fatalf("create tables: %v", err)
		}
		if err := createQueues(ctx, connStr, strings.Split(os.Getenv("BUS_QUEUES"), ",")); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	}

	if amqpURL := os.Getenv("AMQP_URL"); amqpURL != "" {
		if err := declareExchange(amqpURL); err != nil {
			log.Fatalf("declare exchange: %v", err)
		}
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		if err := applySchema(ctx, dsn); err != nil {
			log.Fatalf("apply schema: %v", err)
		}
	}

	log.Info("provision complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		c := svc.NewClient(name)
		if _, err := c.CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
		log.WithField("table", name).Info("Table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
		log.WithField("queue", name).Info("Queue ready")
	}
	return nil
}

func declareExchange(amqpURL string) error {
	exchange := os.Getenv("AMQP_EXCHANGE")
	if exchange == "" {
		exchange = "events"
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	log.WithField("exchange", exchange).Info("Exchange ready")
	return nil
}

func applySchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, postgres.Schema(postgres.DefaultConfig())); err != nil {
		return err
	}
	log.Info("Event store schema ready")
	return nil
}
