package txn

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func step(name string, log *[]string, failOp, failComp bool) Step {
	return Step{
		Name: name,
		Operation: func(context.Context, *sql.Tx) error {
			if failOp {
				return errors.New(name + " operation failed")
			}
			*log = append(*log, "op:"+name)
			return nil
		},
		Compensate: func(context.Context) error {
			if failComp {
				return errors.New(name + " compensation failed")
			}
			*log = append(*log, "comp:"+name)
			return nil
		},
	}
}

func TestExecuteDistributedHappyPath(t *testing.T) {
	c := New(newTestDB(t), DefaultRetryPolicy(), nil)

	var trail []string
	err := c.ExecuteDistributed(context.Background(), []Step{
		step("reserve-stock", &trail, false, false),
		step("charge-payment", &trail, false, false),
		step("create-shipment", &trail, false, false),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{"op:reserve-stock", "op:charge-payment", "op:create-shipment"}
	if len(trail) != len(want) {
		t.Fatalf("trail %v", trail)
	}
	for i := range want {
		if trail[i] != want[i] {
			t.Fatalf("trail %v, want %v", trail, want)
		}
	}
}

func TestExecuteDistributedCompensatesLIFO(t *testing.T) {
	c := New(newTestDB(t), DefaultRetryPolicy(), nil)

	var trail []string
	err := c.ExecuteDistributed(context.Background(), []Step{
		step("reserve-stock", &trail, false, false),
		step("charge-payment", &trail, false, false),
		step("create-shipment", &trail, true, false),
	})
	var dErr *DistributedError
	if !errors.As(err, &dErr) {
		t.Fatalf("want DistributedError, got %v", err)
	}
	if dErr.FailedStep != "create-shipment" {
		t.Fatalf("failed step %q", dErr.FailedStep)
	}
	if len(dErr.CompensationFailures) != 0 {
		t.Fatalf("unexpected compensation failures: %+v", dErr.CompensationFailures)
	}

	want := []string{"op:reserve-stock", "op:charge-payment", "comp:charge-payment", "comp:reserve-stock"}
	if len(trail) != len(want) {
		t.Fatalf("trail %v, want %v", trail, want)
	}
	for i := range want {
		if trail[i] != want[i] {
			t.Fatalf("compensation out of order: %v", trail)
		}
	}
}

func TestExecuteDistributedRollsBackDatabaseWrites(t *testing.T) {
	db := newTestDB(t)
	c := New(db, DefaultRetryPolicy(), nil)

	var trail []string
	err := c.ExecuteDistributed(context.Background(), []Step{
		{
			Name: "reserve-stock",
			Operation: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.Exec(`INSERT INTO accounts (id, balance) VALUES ('stock', 1)`)
				return err
			},
			Compensate: func(context.Context) error {
				trail = append(trail, "comp:reserve-stock")
				return nil
			},
		},
		step("create-shipment", &trail, true, false),
	})
	var dErr *DistributedError
	if !errors.As(err, &dErr) {
		t.Fatalf("want DistributedError, got %v", err)
	}
	if countRows(t, db) != 0 {
		t.Fatal("failed distributed transaction left rows behind")
	}
	if len(trail) == 0 || trail[len(trail)-1] != "comp:reserve-stock" {
		t.Fatalf("external side effect not compensated: %v", trail)
	}
}

func TestExecuteDistributedBestEffortCompensation(t *testing.T) {
	c := New(newTestDB(t), DefaultRetryPolicy(), nil)

	var trail []string
	err := c.ExecuteDistributed(context.Background(), []Step{
		step("reserve-stock", &trail, false, false),
		step("charge-payment", &trail, false, true),
		step("create-shipment", &trail, true, false),
	})
	var dErr *DistributedError
	if !errors.As(err, &dErr) {
		t.Fatalf("want DistributedError, got %v", err)
	}
	// The failing compensation must not stop the earlier one from running.
	if len(dErr.CompensationFailures) != 1 || dErr.CompensationFailures[0].Step != "charge-payment" {
		t.Fatalf("compensation failures: %+v", dErr.CompensationFailures)
	}
	last := trail[len(trail)-1]
	if last != "comp:reserve-stock" {
		t.Fatalf("remaining compensation skipped: %v", trail)
	}
}

func TestExecuteDistributedNilCompensate(t *testing.T) {
	c := New(newTestDB(t), DefaultRetryPolicy(), nil)

	var trail []string
	readOnly := Step{
		Name: "lookup",
		Operation: func(context.Context, *sql.Tx) error {
			trail = append(trail, "op:lookup")
			return nil
		},
	}
	err := c.ExecuteDistributed(context.Background(), []Step{
		readOnly,
		step("charge-payment", &trail, true, false),
	})
	var dErr *DistributedError
	if !errors.As(err, &dErr) {
		t.Fatalf("want DistributedError, got %v", err)
	}
	for _, entry := range trail {
		if entry == "comp:lookup" {
			t.Fatal("nil compensation invoked")
		}
	}
}
