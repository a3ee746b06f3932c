package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"martpos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrItemNotFound       = errors.New("item not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidAdjustment  = errors.New("invalid stock adjustment")
	ErrDuplicateSerial    = errors.New("duplicate serial number")
	ErrInvalidItem        = errors.New("invalid item")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidDateRange   = errors.New("invalid date range")
)

// ItemNotFoundError reports which cart line referenced a missing code.
// Matches ErrItemNotFound via errors.Is.
type ItemNotFoundError struct {
	Code string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("item %s not found", e.Code)
}

func (e *ItemNotFoundError) Unwrap() error { return ErrItemNotFound }

// InsufficientStockError carries the quantities involved in a rejected
// decrement. Matches ErrInsufficientStock via errors.Is.
type InsufficientStockError struct {
	Code      string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %s, requested %s", e.Code, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Repository is the persistence contract shared by the Postgres and in-memory
// stores. The catalog side holds mutable current state; the transaction side
// is an append-only ledger.
//
// ConditionalDecrement and AdjustStock are the only ways stock goes down, and
// both are atomic read-modify-writes: the quantity check and the mutation
// happen as one operation with respect to concurrent callers.
type Repository interface {
	ListItems(ctx context.Context) ([]domain.Item, error)
	CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	GetItemByCode(ctx context.Context, code string) (*domain.Item, error)
	GetItemsByCodes(ctx context.Context, codes []string) (map[string]domain.Item, error)
	UpdateItemPrice(ctx context.Context, code string, unitPrice decimal.Decimal) (*domain.Item, error)
	CreatePriceHistory(ctx context.Context, entry domain.ItemPriceHistory) error
	ListPriceHistory(ctx context.Context, code string, limit int) ([]domain.ItemPriceHistory, error)

	// ConditionalDecrement subtracts qty from the item's stock only if the
	// remaining quantity would stay non-negative. Returns false (and no
	// mutation) otherwise.
	ConditionalDecrement(ctx context.Context, code string, qty decimal.Decimal) (bool, error)
	// IncrementStock adds qty back; used by the commit engine to compensate
	// earlier decrements when a later cart line fails.
	IncrementStock(ctx context.Context, code string, qty decimal.Decimal) error
	// AdjustStock applies a signed delta, rejecting any adjustment that would
	// take the quantity below zero.
	AdjustStock(ctx context.Context, code string, delta decimal.Decimal) (*domain.Item, error)

	// NextSerial returns the next value of a strictly increasing counter.
	// Values are unique under concurrent calls; gaps are permitted.
	NextSerial(ctx context.Context) (int64, error)
	// InsertTransaction appends to the ledger. Returns ErrDuplicateSerial if
	// the serial number is already taken.
	InsertTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	FindTransactionBySerial(ctx context.Context, serialNumber string) (*domain.Transaction, error)
	// FindTransactionsInRange scans the ledger for transactions with
	// createdAt in [from, to).
	FindTransactionsInRange(ctx context.Context, from time.Time, to time.Time) ([]domain.Transaction, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
