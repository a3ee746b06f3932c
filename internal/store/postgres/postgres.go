package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"martpos/backend/internal/domain"
	"martpos/backend/internal/store"
	"martpos/backend/internal/xid"
)

// Store is the Postgres-backed Repository. Money and stock quantities live in
// NUMERIC columns and scan into decimal.Decimal, so no arithmetic anywhere in
// the read/write path goes through binary floats.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, unit_price, cost_price, quantity, unit, created_at, updated_at
		FROM items
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Item, 0, 128)
	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.Code, &item.Name, &item.UnitPrice, &item.CostPrice, &item.Quantity, &item.Unit, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		item.UpdatedAt = item.UpdatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if item.Code == "" || item.Name == "" {
		return nil, store.ErrInvalidItem
	}
	if item.UnitPrice.Sign() <= 0 || item.CostPrice.Sign() < 0 || item.Quantity.Sign() < 0 {
		return nil, store.ErrInvalidItem
	}

	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (code, name, unit_price, cost_price, quantity, unit, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, item.Code, item.Name, item.UnitPrice, item.CostPrice, item.Quantity, item.Unit, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidItem
		}
		return nil, err
	}

	created := item
	return &created, nil
}

func (s *Store) GetItemByCode(ctx context.Context, code string) (*domain.Item, error) {
	var item domain.Item
	err := s.db.QueryRowContext(ctx, `
		SELECT code, name, unit_price, cost_price, quantity, unit, created_at, updated_at
		FROM items
		WHERE code = $1
	`, code).Scan(&item.Code, &item.Name, &item.UnitPrice, &item.CostPrice, &item.Quantity, &item.Unit, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.ItemNotFoundError{Code: code}
		}
		return nil, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func (s *Store) GetItemsByCodes(ctx context.Context, codes []string) (map[string]domain.Item, error) {
	result := make(map[string]domain.Item, len(codes))
	if len(codes) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, unit_price, cost_price, quantity, unit, created_at, updated_at
		FROM items
		WHERE code = ANY($1)
	`, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.Code, &item.Name, &item.UnitPrice, &item.CostPrice, &item.Quantity, &item.Unit, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		result[item.Code] = item
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) UpdateItemPrice(ctx context.Context, code string, unitPrice decimal.Decimal) (*domain.Item, error) {
	if unitPrice.Sign() <= 0 {
		return nil, store.ErrInvalidItem
	}

	var item domain.Item
	err := s.db.QueryRowContext(ctx, `
		UPDATE items
		SET unit_price = $2, updated_at = now()
		WHERE code = $1
		RETURNING code, name, unit_price, cost_price, quantity, unit, created_at, updated_at
	`, code, unitPrice).Scan(&item.Code, &item.Name, &item.UnitPrice, &item.CostPrice, &item.Quantity, &item.Unit, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.ItemNotFoundError{Code: code}
		}
		return nil, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func (s *Store) CreatePriceHistory(ctx context.Context, entry domain.ItemPriceHistory) error {
	if entry.ID == "" {
		entry.ID = xid.New("ph")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_price_history (id, code, old_unit_price, new_unit_price, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.Code, entry.OldUnitPrice, entry.NewUnitPrice, entry.ChangedBy, entry.ChangedAt)
	return err
}

func (s *Store) ListPriceHistory(ctx context.Context, code string, limit int) ([]domain.ItemPriceHistory, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, old_unit_price, new_unit_price, changed_by, changed_at
		FROM item_price_history
		WHERE code = $1
		ORDER BY changed_at DESC
		LIMIT $2
	`, code, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.ItemPriceHistory, 0, limit)
	for rows.Next() {
		var entry domain.ItemPriceHistory
		if err := rows.Scan(&entry.ID, &entry.Code, &entry.OldUnitPrice, &entry.NewUnitPrice, &entry.ChangedBy, &entry.ChangedAt); err != nil {
			return nil, err
		}
		entry.ChangedAt = entry.ChangedAt.UTC()
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history, nil
}

// ConditionalDecrement relies on a single UPDATE with the stock check in the
// WHERE clause, so the compare and the subtract are one atomic statement under
// concurrent sales. Zero rows affected means either the item is missing or the
// stock was short; the follow-up existence check tells the two apart.
func (s *Store) ConditionalDecrement(ctx context.Context, code string, qty decimal.Decimal) (bool, error) {
	if qty.Sign() <= 0 {
		return false, store.ErrInvalidAdjustment
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET quantity = quantity - $2, updated_at = now()
		WHERE code = $1 AND quantity >= $2
	`, code, qty)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM items WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, &store.ItemNotFoundError{Code: code}
	}
	return false, nil
}

func (s *Store) IncrementStock(ctx context.Context, code string, qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return store.ErrInvalidAdjustment
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET quantity = quantity + $2, updated_at = now()
		WHERE code = $1
	`, code, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &store.ItemNotFoundError{Code: code}
	}
	return nil
}

func (s *Store) AdjustStock(ctx context.Context, code string, delta decimal.Decimal) (*domain.Item, error) {
	var item domain.Item
	err := s.db.QueryRowContext(ctx, `
		UPDATE items
		SET quantity = quantity + $2, updated_at = now()
		WHERE code = $1 AND quantity + $2 >= 0
		RETURNING code, name, unit_price, cost_price, quantity, unit, created_at, updated_at
	`, code, delta).Scan(&item.Code, &item.Name, &item.UnitPrice, &item.CostPrice, &item.Quantity, &item.Unit, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if lookupErr := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM items WHERE code = $1)`, code).Scan(&exists); lookupErr != nil {
				return nil, lookupErr
			}
			if !exists {
				return nil, &store.ItemNotFoundError{Code: code}
			}
			return nil, store.ErrInvalidAdjustment
		}
		return nil, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func (s *Store) NextSerial(ctx context.Context) (int64, error) {
	var next int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('transaction_serial_seq')`).Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.SerialNumber == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalidItem
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (serial_number, total_amount, clerk_id, created_at)
		VALUES ($1,$2,$3,$4)
	`, tx.SerialNumber, tx.TotalAmount, tx.ClerkID, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateSerial
		}
		return nil, err
	}

	for idx, line := range tx.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (serial_number, line_no, code, name, quantity, unit_price, cost_price, item_price)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, tx.SerialNumber, idx+1, line.Code, line.Name, line.Quantity, line.UnitPrice, line.CostPrice, line.ItemPrice)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	saved := tx
	return &saved, nil
}

func (s *Store) FindTransactionBySerial(ctx context.Context, serialNumber string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := s.db.QueryRowContext(ctx, `
		SELECT serial_number, total_amount, clerk_id, created_at
		FROM transactions
		WHERE serial_number = $1
	`, serialNumber).Scan(&tx.SerialNumber, &tx.TotalAmount, &tx.ClerkID, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tx.CreatedAt = tx.CreatedAt.UTC()

	items, err := s.transactionLines(ctx, tx.SerialNumber)
	if err != nil {
		return nil, err
	}
	tx.Items = items

	return &tx, nil
}

func (s *Store) transactionLines(ctx context.Context, serialNumber string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, name, quantity, unit_price, cost_price, item_price
		FROM transaction_items
		WHERE serial_number = $1
		ORDER BY line_no ASC
	`, serialNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.Code, &line.Name, &line.Quantity, &line.UnitPrice, &line.CostPrice, &line.ItemPrice); err != nil {
			return nil, err
		}
		items = append(items, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// FindTransactionsInRange scans the ledger over [from, to). Lines are fetched
// in one query and grouped by serial so a wide range stays two round trips.
func (s *Store) FindTransactionsInRange(ctx context.Context, from time.Time, to time.Time) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT serial_number, total_amount, clerk_id, created_at
		FROM transactions
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC, serial_number ASC
	`, from, to)
	if err != nil {
		return nil, err
	}

	transactions := make([]domain.Transaction, 0, 64)
	index := make(map[string]int, 64)
	for rows.Next() {
		var tx domain.Transaction
		if err := rows.Scan(&tx.SerialNumber, &tx.TotalAmount, &tx.ClerkID, &tx.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		tx.CreatedAt = tx.CreatedAt.UTC()
		tx.Items = make([]domain.SaleLine, 0, 4)
		index[tx.SerialNumber] = len(transactions)
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(transactions) == 0 {
		return transactions, nil
	}

	serials := make([]string, 0, len(index))
	for serial := range index {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT serial_number, code, name, quantity, unit_price, cost_price, item_price
		FROM transaction_items
		WHERE serial_number = ANY($1)
		ORDER BY serial_number ASC, line_no ASC
	`, serials)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var serial string
		var line domain.SaleLine
		if err := lineRows.Scan(&serial, &line.Code, &line.Name, &line.Quantity, &line.UnitPrice, &line.CostPrice, &line.ItemPrice); err != nil {
			return nil, err
		}
		if pos, ok := index[serial]; ok {
			transactions[pos].Items = append(transactions[pos].Items, line)
		}
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	return transactions, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidItem
	}
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, name, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.Name, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidItem
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, name, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Name, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidItem
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
