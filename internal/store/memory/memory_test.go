package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"martpos/backend/internal/domain"
	"martpos/backend/internal/store"
)

func saleTx(serial string, createdAt time.Time) domain.Transaction {
	qty := decimal.NewFromInt(2)
	price := decimal.NewFromInt(150)
	return domain.Transaction{
		SerialNumber: serial,
		Items: []domain.SaleLine{{
			Code:      "ITM001",
			Name:      "Apples",
			Quantity:  qty,
			UnitPrice: price,
			CostPrice: decimal.NewFromInt(100),
			ItemPrice: price.Mul(qty),
		}},
		TotalAmount: price.Mul(qty),
		ClerkID:     "clerk1",
		CreatedAt:   createdAt,
	}
}

func TestInsertTransactionRejectsDuplicateSerial(t *testing.T) {
	ctx := context.Background()
	s := NewEmpty()

	if _, err := s.InsertTransaction(ctx, saleTx("TXN000001", time.Time{})); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err := s.InsertTransaction(ctx, saleTx("TXN000001", time.Time{}))
	if !errors.Is(err, store.ErrDuplicateSerial) {
		t.Fatalf("expected ErrDuplicateSerial, got %v", err)
	}
}

func TestFindTransactionsInRangeBoundaries(t *testing.T) {
	ctx := context.Background()
	s := NewEmpty()

	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	fixtures := []struct {
		serial    string
		createdAt time.Time
		want      bool
	}{
		{"TXN000001", from.Add(-time.Nanosecond), false},
		{"TXN000002", from, true},
		{"TXN000003", from.Add(12 * time.Hour), true},
		{"TXN000004", to.Add(-time.Nanosecond), true},
		{"TXN000005", to, false},
	}
	for _, f := range fixtures {
		if _, err := s.InsertTransaction(ctx, saleTx(f.serial, f.createdAt)); err != nil {
			t.Fatalf("insert %s failed: %v", f.serial, err)
		}
	}

	got, err := s.FindTransactionsInRange(ctx, from, to)
	if err != nil {
		t.Fatalf("range query failed: %v", err)
	}
	found := make(map[string]bool, len(got))
	for _, tx := range got {
		found[tx.SerialNumber] = true
	}
	for _, f := range fixtures {
		if found[f.serial] != f.want {
			t.Fatalf("serial %s at %s: in range = %v, want %v", f.serial, f.createdAt, found[f.serial], f.want)
		}
	}
}

func TestNextSerialIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewEmpty()

	var prev int64
	for i := 0; i < 5; i++ {
		n, err := s.NextSerial(ctx)
		if err != nil {
			t.Fatalf("next serial failed: %v", err)
		}
		if n <= prev {
			t.Fatalf("serial did not advance: prev=%d next=%d", prev, n)
		}
		prev = n
	}
}

func TestConditionalDecrementDistinguishesMissingFromShort(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded()

	ok, err := s.ConditionalDecrement(ctx, "ITM001", decimal.NewFromInt(10))
	if err != nil || !ok {
		t.Fatalf("expected decrement to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = s.ConditionalDecrement(ctx, "ITM001", decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("short stock should not be an error, got %v", err)
	}
	if ok {
		t.Fatalf("expected short-stock decrement to be rejected")
	}

	var notFound *store.ItemNotFoundError
	_, err = s.ConditionalDecrement(ctx, "ITM999", decimal.NewFromInt(1))
	if !errors.As(err, &notFound) || notFound.Code != "ITM999" {
		t.Fatalf("expected ItemNotFoundError for ITM999, got %v", err)
	}
}

func TestTransactionsAreIsolatedFromCallerMutation(t *testing.T) {
	ctx := context.Background()
	s := NewEmpty()

	tx := saleTx("TXN000001", time.Time{})
	stored, err := s.InsertTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	stored.Items[0].Code = "MUTATED"

	reread, err := s.FindTransactionBySerial(ctx, "TXN000001")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if reread.Items[0].Code != "ITM001" {
		t.Fatalf("stored transaction was mutated through a returned copy")
	}
}
