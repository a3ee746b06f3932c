package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"martpos/backend/internal/domain"
	"martpos/backend/internal/store"
)

type Store struct {
	mu                   sync.RWMutex
	items                map[string]domain.Item
	transactionsBySerial map[string]*domain.Transaction
	transactionOrder     []string
	serialCounter        int64
	priceHistoryByCode   map[string][]domain.ItemPriceHistory
	auditLogs            []domain.AuditLog
	usersByUsername      map[string]domain.UserAccount
}

// SeedUserAccounts builds the default user accounts used to bootstrap an
// empty store. Credentials are read from SEED_MANAGER_PASSWORD,
// SEED_CLERK_PASSWORD and SEED_EMPLOYEE_PASSWORD environment variables. If
// unset, hardcoded dev defaults are used with a warning printed to stdout.
func SeedUserAccounts() []domain.UserAccount {
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	employeePwd := envOr("SEED_EMPLOYEE_PASSWORD", "emp123")
	if os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" || os.Getenv("SEED_EMPLOYEE_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_MANAGER_PASSWORD, SEED_CLERK_PASSWORD and SEED_EMPLOYEE_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 3)
	for _, u := range []struct {
		username string
		password string
		role     string
		name     string
	}{
		{"manager", managerPwd, domain.RoleManager, "John Manager"},
		{"clerk1", clerkPwd, domain.RoleClerk, "Alice Clerk"},
		{"employee1", employeePwd, domain.RoleEmployee, "Bob Employee"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Name:      u.name,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users
}

func seedUsers() map[string]domain.UserAccount {
	accounts := SeedUserAccounts()
	users := make(map[string]domain.UserAccount, len(accounts))
	for _, user := range accounts {
		users[user.Username] = user
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	items := []domain.Item{
		{Code: "ITM001", Name: "Apples", UnitPrice: decimal.NewFromInt(150), CostPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(50), Unit: "kg"},
		{Code: "ITM002", Name: "Bananas", UnitPrice: decimal.NewFromInt(80), CostPrice: decimal.NewFromInt(50), Quantity: decimal.NewFromInt(30), Unit: "kg"},
		{Code: "ITM003", Name: "Milk", UnitPrice: decimal.NewFromInt(45), CostPrice: decimal.NewFromInt(35), Quantity: decimal.NewFromInt(100), Unit: "liters"},
		{Code: "ITM004", Name: "Bread", UnitPrice: decimal.NewFromInt(25), CostPrice: decimal.NewFromInt(18), Quantity: decimal.NewFromInt(75), Unit: "pieces"},
		{Code: "ITM005", Name: "Rice", UnitPrice: decimal.NewFromInt(60), CostPrice: decimal.NewFromInt(45), Quantity: decimal.NewFromInt(200), Unit: "kg"},
	}

	itemMap := make(map[string]domain.Item, len(items))
	for _, item := range items {
		item.CreatedAt = now
		item.UpdatedAt = now
		itemMap[item.Code] = item
	}

	return &Store{
		items:                itemMap,
		transactionsBySerial: make(map[string]*domain.Transaction),
		transactionOrder:     make([]string, 0, 128),
		priceHistoryByCode:   make(map[string][]domain.ItemPriceHistory),
		auditLogs:            make([]domain.AuditLog, 0, 128),
		usersByUsername:      seedUsers(),
	}
}

// NewEmpty returns a store with no catalog, ledger or users. Used by tests
// that want full control over the seed data.
func NewEmpty() *Store {
	return &Store{
		items:                make(map[string]domain.Item),
		transactionsBySerial: make(map[string]*domain.Transaction),
		transactionOrder:     make([]string, 0, 16),
		priceHistoryByCode:   make(map[string][]domain.ItemPriceHistory),
		auditLogs:            make([]domain.AuditLog, 0, 16),
		usersByUsername:      make(map[string]domain.UserAccount),
	}
}

func (s *Store) ListItems(_ context.Context) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}

	slices.SortFunc(items, func(a, b domain.Item) int {
		return strings.Compare(a.Name, b.Name)
	})

	return items, nil
}

func (s *Store) CreateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.Code == "" || item.Name == "" || item.Unit == "" {
		return nil, store.ErrInvalidItem
	}
	if item.UnitPrice.Sign() <= 0 || item.CostPrice.Sign() < 0 || item.Quantity.Sign() < 0 {
		return nil, store.ErrInvalidItem
	}
	if _, exists := s.items[item.Code]; exists {
		return nil, store.ErrInvalidItem
	}

	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	s.items[item.Code] = item

	created := item
	return &created, nil
}

func (s *Store) GetItemByCode(_ context.Context, code string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[code]
	if !ok {
		return nil, &store.ItemNotFoundError{Code: code}
	}
	found := item
	return &found, nil
}

func (s *Store) GetItemsByCodes(_ context.Context, codes []string) (map[string]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Item, len(codes))
	for _, code := range codes {
		if item, ok := s.items[code]; ok {
			result[code] = item
		}
	}
	return result, nil
}

func (s *Store) UpdateItemPrice(_ context.Context, code string, unitPrice decimal.Decimal) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if unitPrice.Sign() <= 0 {
		return nil, store.ErrInvalidItem
	}

	item, ok := s.items[code]
	if !ok {
		return nil, &store.ItemNotFoundError{Code: code}
	}
	item.UnitPrice = unitPrice
	item.UpdatedAt = time.Now().UTC()
	s.items[code] = item

	updated := item
	return &updated, nil
}

func (s *Store) CreatePriceHistory(_ context.Context, entry domain.ItemPriceHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	s.priceHistoryByCode[entry.Code] = append(s.priceHistoryByCode[entry.Code], entry)
	return nil
}

func (s *Store) ListPriceHistory(_ context.Context, code string, limit int) ([]domain.ItemPriceHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}

	history := s.priceHistoryByCode[code]
	result := make([]domain.ItemPriceHistory, 0, limit)
	for i := len(history) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, history[i])
	}
	return result, nil
}

func (s *Store) ConditionalDecrement(_ context.Context, code string, qty decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty.Sign() <= 0 {
		return false, store.ErrInvalidAdjustment
	}

	item, ok := s.items[code]
	if !ok {
		return false, &store.ItemNotFoundError{Code: code}
	}
	if item.Quantity.Cmp(qty) < 0 {
		return false, nil
	}
	item.Quantity = item.Quantity.Sub(qty)
	item.UpdatedAt = time.Now().UTC()
	s.items[code] = item
	return true, nil
}

func (s *Store) IncrementStock(_ context.Context, code string, qty decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty.Sign() <= 0 {
		return store.ErrInvalidAdjustment
	}

	item, ok := s.items[code]
	if !ok {
		return &store.ItemNotFoundError{Code: code}
	}
	item.Quantity = item.Quantity.Add(qty)
	item.UpdatedAt = time.Now().UTC()
	s.items[code] = item
	return nil
}

func (s *Store) AdjustStock(_ context.Context, code string, delta decimal.Decimal) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[code]
	if !ok {
		return nil, &store.ItemNotFoundError{Code: code}
	}

	adjusted := item.Quantity.Add(delta)
	if adjusted.Sign() < 0 {
		return nil, store.ErrInvalidAdjustment
	}
	item.Quantity = adjusted
	item.UpdatedAt = time.Now().UTC()
	s.items[code] = item

	updated := item
	return &updated, nil
}

func (s *Store) NextSerial(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.serialCounter++
	return s.serialCounter, nil
}

func (s *Store) InsertTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.SerialNumber == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalidItem
	}
	if _, exists := s.transactionsBySerial[tx.SerialNumber]; exists {
		return nil, store.ErrDuplicateSerial
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	stored := cloneTransaction(&tx)
	s.transactionsBySerial[tx.SerialNumber] = stored
	s.transactionOrder = append(s.transactionOrder, tx.SerialNumber)

	return cloneTransaction(stored), nil
}

func (s *Store) FindTransactionBySerial(_ context.Context, serialNumber string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsBySerial[serialNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionsInRange(_ context.Context, from time.Time, to time.Time) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.transactionOrder))
	for _, serial := range s.transactionOrder {
		tx := s.transactionsBySerial[serial]
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		result = append(result, *cloneTransaction(tx))
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}

	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return store.ErrInvalidItem
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidItem
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	copied := *src
	copied.Items = append([]domain.SaleLine(nil), src.Items...)
	return &copied
}
