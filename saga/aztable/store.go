// Package aztable provides the Azure Tables backed saga store.
//
// Each saga is a single entity: the full context rides as a JSON body column
// while the lookup and liveness fields are mirrored into queryable columns.
// Updates pair the logical version check with the entity ETag, so a lost race
// surfaces as a version conflict rather than a silent overwrite.
package aztable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/saga"
)

const partitionKey = "saga"

// Store is an Azure Tables backed saga store.
type Store struct {
	table *aztables.Client
}

// New creates a Store from the given connection string and table name.
func New(connStr, table string) (*Store, error) {
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
	return &Store{table: svc.NewClient(table)}, nil
}

type sagaEntity struct {
	aztables.Entity
	ComplaintID   string `json:"ComplaintID"`
	CustomerID    string `json:"CustomerID"`
	CorrelationID string `json:"CorrelationID"`
	Status        string `json:"Status"`
	Terminal      bool   `json:"Terminal"`
	Version       int64  `json:"Version"`
	Body          string `json:"Body"`
	CreatedAt     string `json:"CreatedAt"`
	UpdatedAt     string `json:"UpdatedAt"`
}

func toEntity(sc *saga.Context) ([]byte, error) {
	body, err := json.Marshal(sc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sagaEntity{
		Entity:        aztables.Entity{PartitionKey: partitionKey, RowKey: sc.SagaID},
		ComplaintID:   sc.ComplaintID,
		CustomerID:    sc.CustomerID,
		CorrelationID: sc.CorrelationID,
		Status:        string(sc.Status),
		Terminal:      saga.IsTerminal(sc.Status),
		Version:       sc.Version,
		Body:          string(body),
		CreatedAt:     sc.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     sc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func fromEntity(raw []byte) (*saga.Context, error) {
	var ent sagaEntity
	if err := json.Unmarshal(raw, &ent); err != nil {
		return nil, err
	}
	var sc saga.Context
	if err := json.Unmarshal([]byte(ent.Body), &sc); err != nil {
		return nil, fmt.Errorf("bad saga body for %s: %w", ent.RowKey, err)
	}
	return &sc, nil
}

// Insert implements saga.Store.
func (s *Store) Insert(ctx context.Context, sc *saga.Context) error {
	now := time.Now().UTC()
	sc.Version = 0
	sc.CreatedAt = now
	sc.UpdatedAt = now
	payload, err := toEntity(sc)
	if err != nil {
		return err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		if isConflict(err) {
			return saga.ErrAlreadyExists
		}
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

// Get implements saga.Store.
func (s *Store) Get(ctx context.Context, sagaID string) (*saga.Context, error) {
	sc, _, err := s.get(ctx, sagaID)
	return sc, err
}

func (s *Store) get(ctx context.Context, sagaID string) (*saga.Context, azcore.ETag, error) {
	resp, err := s.table.GetEntity(ctx, partitionKey, sagaID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, "", saga.ErrNotFound
		}
		return nil, "", fmt.Errorf("read saga: %w", err)
	}
	sc, err := fromEntity(resp.Value)
	if err != nil {
		return nil, "", err
	}
	return sc, resp.ETag, nil
}

// FindByCorrelationID implements saga.Store.
func (s *Store) FindByCorrelationID(ctx context.Context, correlationID string) (*saga.Context, error) {
	return s.findOne(ctx, fmt.Sprintf("CorrelationID eq '%s'", escape(correlationID)))
}

// FindByComplaintID implements saga.Store.
func (s *Store) FindByComplaintID(ctx context.Context, complaintID string) (*saga.Context, error) {
	return s.findOne(ctx, fmt.Sprintf("ComplaintID eq '%s'", escape(complaintID)))
}

func (s *Store) findOne(ctx context.Context, cond string) (*saga.Context, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and %s", partitionKey, cond)
	sagas, err := s.list(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(sagas) == 0 {
		return nil, saga.ErrNotFound
	}
	return sagas[0], nil
}

// Update implements saga.Store. The stored version column is checked before
// the write and the entity ETag guards the write itself.
func (s *Store) Update(ctx context.Context, sc *saga.Context, expectedVersion int64) error {
	stored, etag, err := s.get(ctx, sc.SagaID)
	if err != nil {
		return err
	}
	if stored.Version != expectedVersion {
		return saga.ErrVersionConflict
	}
	sc.Version = expectedVersion + 1
	sc.UpdatedAt = time.Now().UTC()
	sc.CreatedAt = stored.CreatedAt
	payload, err := toEntity(sc)
	if err != nil {
		return err
	}
	opts := &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeReplace,
	}
	if _, err := s.table.UpdateEntity(ctx, payload, opts); err != nil {
		if isConflict(err) {
			return saga.ErrVersionConflict
		}
		return fmt.Errorf("update saga: %w", err)
	}
	return nil
}

// ListUnfinished implements saga.Store.
func (s *Store) ListUnfinished(ctx context.Context, updatedBefore time.Time) ([]*saga.Context, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and Terminal eq false and UpdatedAt lt '%s'",
		partitionKey, updatedBefore.UTC().Format(time.RFC3339Nano))
	return s.list(ctx, filter)
}

func (s *Store) list(ctx context.Context, filter string) ([]*saga.Context, error) {
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var sagas []*saga.Context
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sagas: %w", err)
		}
		for _, raw := range resp.Entities {
			sc, err := fromEntity(raw)
			if err != nil {
				return nil, err
			}
			sagas = append(sagas, sc)
		}
	}
	return sagas, nil
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

var _ saga.Store = (*Store)(nil)
