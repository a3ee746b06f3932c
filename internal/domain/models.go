package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is a catalog row. Code is the immutable business key; UnitPrice and
// Quantity are the only fields mutated after creation.
type Item struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ItemCreateRequest struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit"`
}

type PriceUpdateRequest struct {
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type ItemPriceHistory struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	OldUnitPrice decimal.Decimal `json:"old_unit_price"`
	NewUnitPrice decimal.Decimal `json:"new_unit_price"`
	ChangedBy    string          `json:"changed_by"`
	ChangedAt    time.Time       `json:"changed_at"`
}

type StockAdjustmentRequest struct {
	Delta decimal.Decimal `json:"delta"`
}

// CartLine is one requested line of a sale before validation.
type CartLine struct {
	Code     string          `json:"code"`
	Quantity decimal.Decimal `json:"quantity"`
}

// SaleLine is the immutable per-item detail embedded in a committed
// Transaction. UnitPrice and CostPrice are snapshots taken at commit time;
// later catalog changes never alter them.
type SaleLine struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	ItemPrice decimal.Decimal `json:"item_price"`
}

// Transaction is one committed sale. Append-only: once written it is never
// updated or deleted, and it is the sole source of truth for historical
// pricing.
type Transaction struct {
	SerialNumber string          `json:"serial_number"`
	Items        []SaleLine      `json:"items"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	ClerkID      string          `json:"clerk_id"`
	CreatedAt    time.Time       `json:"created_at"`
}

type TransactionRequest struct {
	Items []CartLine `json:"items"`
}

// Statistic is derived per item code over a queried date range. It is
// recomputed on every query and never persisted.
type Statistic struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	QuantitySold  decimal.Decimal `json:"quantity_sold"`
	PriceRealized decimal.Decimal `json:"price_realized"`
	Profit        decimal.Decimal `json:"profit"`
}

type StatisticsResponse struct {
	StartDate  string      `json:"start_date"`
	EndDate    string      `json:"end_date"`
	Statistics []Statistic `json:"statistics"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	Name        string `json:"name"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	Name     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Name      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleManager  = "manager"
	RoleClerk    = "clerk"
	RoleEmployee = "employee"
)
