// Package aztable provides the document-store event store backend over Azure
// Table Storage.
//
// All entities of a stream share one partition: the events use the
// zero-padded version as RowKey and a head entity tracks the current version.
// Appends are submitted as a single-partition transactional batch, so the
// event rows and the head update land atomically, and a racing append fails
// the whole batch with a conflict.
package aztable

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore"
)

const headRowKey = "~head"

// Store is an Azure Tables backed event store.
type Store struct {
	events    *aztables.Client
	snapshots *aztables.Client
}

// New creates a Store from the given connection string and table names.
func New(connStr, eventsTable, snapshotsTable string) (*Store, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Store{
		events:    svc.NewClient(eventsTable),
		snapshots: svc.NewClient(snapshotsTable),
	}, nil
}

type eventEntity struct {
	aztables.Entity
	EventID       string `json:"EventID"`
	AggregateType string `json:"AggregateType"`
	EventType     string `json:"EventType"`
	EventData     string `json:"EventData"`
	OccurredOn    string `json:"OccurredOn"`
	SchemaVersion int    `json:"SchemaVersion"`
	CorrelationID string `json:"CorrelationID"`
	CausationID   string `json:"CausationID"`
	UserID        string `json:"UserID"`
	SagaID        string `json:"SagaID"`
	Source        string `json:"Source"`
	CreatedAt     string `json:"CreatedAt"`
}

type headEntity struct {
	aztables.Entity
	AggregateType string `json:"AggregateType"`
	Version       int64  `json:"Version"`
	UpdatedAt     string `json:"UpdatedAt"`
}

type snapshotEntity struct {
	aztables.Entity
	Version   int64  `json:"Version"`
	Data      string `json:"Data"`
	CreatedAt string `json:"CreatedAt"`
}

func versionRowKey(version int64) string {
	return fmt.Sprintf("%020d", version)
}

// AppendEvents implements eventstore.Store.
func (s *Store) AppendEvents(ctx context.Context, streamID string, events []event.Event, expected eventstore.ExpectedVersion) (int64, error) {
	head, etag, err := s.readHead(ctx, streamID)
	if err != nil {
		return 0, err
	}
	current := int64(0)
	if head != nil {
		current = head.Version
	}
	if len(events) == 0 {
		return current, nil
	}
	if !expected.Matches(current) {
		return current, eventstore.ErrConcurrencyConflict
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	actions := make([]aztables.TransactionAction, 0, len(events)+1)
	for i, ev := range events {
		ent := eventEntity{
			Entity: aztables.Entity{
				PartitionKey: streamID,
				RowKey:       versionRowKey(current + int64(i) + 1),
			},
			EventID:       ev.EventID,
			AggregateType: ev.AggregateType,
			EventType:     ev.EventType,
			EventData:     string(ev.EventData),
			OccurredOn:    ev.Metadata.OccurredOn.UTC().Format(time.RFC3339Nano),
			SchemaVersion: ev.Metadata.Version,
			CorrelationID: ev.Metadata.CorrelationID,
			CausationID:   ev.Metadata.CausationID,
			UserID:        ev.Metadata.UserID,
			SagaID:        ev.Metadata.SagaID,
			Source:        ev.Metadata.Source,
			CreatedAt:     now,
		}
		payload, err := json.Marshal(ent)
		if err != nil {
			return 0, err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeAdd,
			Entity:     payload,
		})
	}

	newVersion := current + int64(len(events))
	newHead := headEntity{
		Entity:        aztables.Entity{PartitionKey: streamID, RowKey: headRowKey},
		AggregateType: events[0].AggregateType,
		Version:       newVersion,
		UpdatedAt:     now,
	}
	headPayload, err := json.Marshal(newHead)
	if err != nil {
		return 0, err
	}
	headAction := aztables.TransactionAction{Entity: headPayload}
	if head == nil {
		headAction.ActionType = aztables.TransactionTypeAdd
	} else {
		// The ETag guard turns a lost race on the head into a batch failure.
		headAction.ActionType = aztables.TransactionTypeUpdateReplace
		headAction.IfMatch = &etag
	}
	actions = append(actions, headAction)

	if _, err := s.events.SubmitTransaction(ctx, actions, nil); err != nil {
		if isConflict(err) {
			return current, eventstore.ErrConcurrencyConflict
		}
		return 0, fmt.Errorf("append batch: %w", err)
	}
	return newVersion, nil
}

func (s *Store) readHead(ctx context.Context, streamID string) (*headEntity, azcore.ETag, error) {
	resp, err := s.events.GetEntity(ctx, streamID, headRowKey, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("read stream head: %w", err)
	}
	var head headEntity
	if err := json.Unmarshal(resp.Value, &head); err != nil {
		return nil, "", err
	}
	return &head, resp.ETag, nil
}

// GetEvents implements eventstore.Store.
func (s *Store) GetEvents(ctx context.Context, streamID string, fromVersion int64) ([]event.StoredEvent, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ge '%s' and RowKey ne '%s'",
		escape(streamID), versionRowKey(fromVersion), headRowKey)
	events, err := s.list(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		exists, err := s.StreamExists(ctx, streamID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, eventstore.ErrNotFound
		}
	}
	return events, nil
}

// QueryEvents implements eventstore.Store.
func (s *Store) QueryEvents(ctx context.Context, q eventstore.Query) ([]event.StoredEvent, error) {
	conds := []string{fmt.Sprintf("RowKey ne '%s'", headRowKey)}
	if q.AggregateID != "" {
		conds = append(conds, fmt.Sprintf("PartitionKey eq '%s'", escape(q.AggregateID)))
	}
	if q.AggregateType != "" {
		conds = append(conds, fmt.Sprintf("AggregateType eq '%s'", escape(q.AggregateType)))
	}
	if q.EventType != "" {
		conds = append(conds, fmt.Sprintf("EventType eq '%s'", escape(q.EventType)))
	}
	if q.CorrelationID != "" {
		conds = append(conds, fmt.Sprintf("CorrelationID eq '%s'", escape(q.CorrelationID)))
	}
	// RFC3339 UTC timestamps compare correctly as strings.
	if !q.From.IsZero() {
		conds = append(conds, fmt.Sprintf("OccurredOn ge '%s'", q.From.UTC().Format(time.RFC3339Nano)))
	}
	if !q.To.IsZero() {
		conds = append(conds, fmt.Sprintf("OccurredOn le '%s'", q.To.UTC().Format(time.RFC3339Nano)))
	}

	events, err := s.list(ctx, strings.Join(conds, " and "))
	if err != nil {
		return nil, err
	}
	sortByOccurrence(events)
	if q.Offset > 0 {
		if q.Offset >= len(events) {
			return nil, nil
		}
		events = events[q.Offset:]
	}
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[:q.Limit]
	}
	return events, nil
}

func (s *Store) list(ctx context.Context, filter string) ([]event.StoredEvent, error) {
	pager := s.events.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var events []event.StoredEvent
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		for _, raw := range resp.Entities {
			var ent eventEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			ev, err := toStoredEvent(ent)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func toStoredEvent(ent eventEntity) (event.StoredEvent, error) {
	var version int64
	if _, err := fmt.Sscanf(ent.RowKey, "%d", &version); err != nil {
		return event.StoredEvent{}, fmt.Errorf("bad event row key %q: %w", ent.RowKey, err)
	}
	occurred, err := time.Parse(time.RFC3339Nano, ent.OccurredOn)
	if err != nil {
		return event.StoredEvent{}, fmt.Errorf("bad occurredOn %q: %w", ent.OccurredOn, err)
	}
	created, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
	if err != nil {
		return event.StoredEvent{}, fmt.Errorf("bad createdAt %q: %w", ent.CreatedAt, err)
	}
	return event.StoredEvent{
		Event: event.Event{
			EventID:       ent.EventID,
			AggregateID:   ent.PartitionKey,
			AggregateType: ent.AggregateType,
			EventType:     ent.EventType,
			EventData:     json.RawMessage(ent.EventData),
			Metadata: event.Metadata{
				OccurredOn:    occurred,
				Version:       ent.SchemaVersion,
				CorrelationID: ent.CorrelationID,
				CausationID:   ent.CausationID,
				UserID:        ent.UserID,
				SagaID:        ent.SagaID,
				Source:        ent.Source,
			},
		},
		Version:   version,
		CreatedAt: created,
	}, nil
}

// GetStream implements eventstore.Store.
func (s *Store) GetStream(ctx context.Context, streamID string) (event.Stream, error) {
	head, _, err := s.readHead(ctx, streamID)
	if err != nil {
		return event.Stream{}, err
	}
	if head == nil {
		return event.Stream{}, eventstore.ErrNotFound
	}
	updated, _ := time.Parse(time.RFC3339Nano, head.UpdatedAt)
	return event.Stream{
		StreamID:      streamID,
		AggregateType: head.AggregateType,
		Version:       head.Version,
		UpdatedAt:     updated,
	}, nil
}

// StreamVersion implements eventstore.Store.
func (s *Store) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	head, _, err := s.readHead(ctx, streamID)
	if err != nil {
		return 0, err
	}
	if head == nil {
		return 0, nil
	}
	return head.Version, nil
}

// StreamExists implements eventstore.Store.
func (s *Store) StreamExists(ctx context.Context, streamID string) (bool, error) {
	head, _, err := s.readHead(ctx, streamID)
	if err != nil {
		return false, err
	}
	return head != nil, nil
}

// CreateSnapshot implements eventstore.Store.
func (s *Store) CreateSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	ent := snapshotEntity{
		Entity:    aztables.Entity{PartitionKey: snap.AggregateID, RowKey: snap.AggregateID},
		Version:   snap.Version,
		Data:      base64.StdEncoding.EncodeToString(snap.Data),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := s.snapshots.UpsertEntity(ctx, payload, nil); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot implements eventstore.Store.
func (s *Store) GetSnapshot(ctx context.Context, aggregateID string) (eventstore.Snapshot, error) {
	resp, err := s.snapshots.GetEntity(ctx, aggregateID, aggregateID, nil)
	if err != nil {
		if isNotFound(err) {
			return eventstore.Snapshot{}, eventstore.ErrNotFound
		}
		return eventstore.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var ent snapshotEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return eventstore.Snapshot{}, err
	}
	data, err := base64.StdEncoding.DecodeString(ent.Data)
	if err != nil {
		return eventstore.Snapshot{}, fmt.Errorf("bad snapshot payload: %w", err)
	}
	created, _ := time.Parse(time.RFC3339Nano, ent.CreatedAt)
	return eventstore.Snapshot{
		AggregateID: aggregateID,
		Version:     ent.Version,
		Data:        data,
		CreatedAt:   created,
	}, nil
}

func sortByOccurrence(events []event.StoredEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Metadata.OccurredOn.Before(events[j].Metadata.OccurredOn)
	})
}

func escape(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && (respErr.StatusCode == 409 || respErr.StatusCode == 412)
}

var _ eventstore.Store = (*Store)(nil)
