package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"martpos/backend/internal/cache"
	"martpos/backend/internal/domain"
	"martpos/backend/internal/store"
	"martpos/backend/internal/xid"
)

const catalogCacheKey = "catalog:items"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	catalog    cache.CatalogCache
	catalogTTL time.Duration
}

func New(repo store.Repository, catalog cache.CatalogCache, catalogTTL time.Duration) *Service {
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	if catalogTTL <= 0 {
		catalogTTL = 60 * time.Second
	}

	return &Service{
		repo:       repo,
		catalog:    catalog,
		catalogTTL: catalogTTL,
	}
}

func (s *Service) ListItems(ctx context.Context) ([]domain.Item, error) {
	if cached, hit, err := s.catalog.Get(ctx, catalogCacheKey); err == nil && hit {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: catalog cache read failed: %v", err)
	}

	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.catalog.Set(ctx, catalogCacheKey, items, s.catalogTTL); err != nil {
		log.Printf("[service] WARN: catalog cache write failed: %v", err)
	}
	return items, nil
}

func (s *Service) CreateItem(ctx context.Context, req domain.ItemCreateRequest) (domain.Item, error) {
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)

	if req.Code == "" || req.Name == "" {
		return domain.Item{}, store.ErrInvalidItem
	}
	if req.UnitPrice.Sign() <= 0 || req.CostPrice.Sign() < 0 || req.Quantity.Sign() < 0 {
		return domain.Item{}, store.ErrInvalidItem
	}
	if req.CostPrice.Cmp(req.UnitPrice) > 0 {
		return domain.Item{}, store.ErrInvalidItem
	}
	if req.Unit == "" {
		req.Unit = "pieces"
	}

	created, err := s.repo.CreateItem(ctx, domain.Item{
		Code:      req.Code,
		Name:      req.Name,
		UnitPrice: req.UnitPrice,
		CostPrice: req.CostPrice,
		Quantity:  req.Quantity,
		Unit:      req.Unit,
	})
	if err != nil {
		return domain.Item{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "item_create", "item", created.Code, fmt.Sprintf("name=%s,price=%s,qty=%s", created.Name, created.UnitPrice, created.Quantity))

	return *created, nil
}

func (s *Service) GetItem(ctx context.Context, code string) (domain.Item, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Item{}, &store.ItemNotFoundError{Code: code}
	}
	item, err := s.repo.GetItemByCode(ctx, code)
	if err != nil {
		return domain.Item{}, err
	}
	return *item, nil
}

func (s *Service) UpdateItemPrice(ctx context.Context, code string, req domain.PriceUpdateRequest) (domain.Item, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Item{}, &store.ItemNotFoundError{Code: code}
	}
	if req.UnitPrice.Sign() <= 0 {
		return domain.Item{}, store.ErrInvalidItem
	}

	existing, err := s.repo.GetItemByCode(ctx, code)
	if err != nil {
		return domain.Item{}, err
	}

	updated, err := s.repo.UpdateItemPrice(ctx, code, req.UnitPrice)
	if err != nil {
		return domain.Item{}, err
	}

	if !existing.UnitPrice.Equal(updated.UnitPrice) {
		actor, _ := ActorFromContext(ctx)
		if err := s.repo.CreatePriceHistory(ctx, domain.ItemPriceHistory{
			ID:           xid.New("ph"),
			Code:         updated.Code,
			OldUnitPrice: existing.UnitPrice,
			NewUnitPrice: updated.UnitPrice,
			ChangedBy:    actor.Username,
			ChangedAt:    time.Now().UTC(),
		}); err != nil {
			log.Printf("[service] WARN: failed to record price history code=%s: %v", updated.Code, err)
		}
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "item_price_update", "item", updated.Code, fmt.Sprintf("old=%s,new=%s", existing.UnitPrice, updated.UnitPrice))

	return *updated, nil
}

func (s *Service) ListPriceHistory(ctx context.Context, code string, limit int) ([]domain.ItemPriceHistory, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, store.ErrInvalidItem
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListPriceHistory(ctx, code, limit)
}

// AdjustStock applies one signed restock or correction. The floor check lives
// in the store so it holds against concurrent sales on the same item.
func (s *Service) AdjustStock(ctx context.Context, code string, req domain.StockAdjustmentRequest) (domain.Item, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Item{}, &store.ItemNotFoundError{Code: code}
	}
	if req.Delta.Sign() == 0 {
		return domain.Item{}, store.ErrInvalidAdjustment
	}

	adjusted, err := s.repo.AdjustStock(ctx, code, req.Delta)
	if err != nil {
		return domain.Item{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "stock_adjust", "item", adjusted.Code, fmt.Sprintf("delta=%s,qty=%s", req.Delta, adjusted.Quantity))

	return *adjusted, nil
}

// CommitSale validates and commits one cart as an atomic sale. Stock is taken
// line by line through conditional decrements; if any line fails, every
// decrement already applied is compensated before the error is returned, so a
// rejected cart leaves no partial stock mutation behind.
//
// Unit price and cost price are snapshotted into each sale line at commit
// time. Line totals stay exact; the only rounding is a single half-up to two
// decimals on the final transaction total.
func (s *Service) CommitSale(ctx context.Context, req domain.TransactionRequest) (domain.Transaction, error) {
	lines, err := normalizeCart(req.Items)
	if err != nil {
		return domain.Transaction{}, err
	}

	codes := make([]string, 0, len(lines))
	for _, line := range lines {
		codes = append(codes, line.Code)
	}

	items, err := s.repo.GetItemsByCodes(ctx, codes)
	if err != nil {
		return domain.Transaction{}, err
	}
	for _, line := range lines {
		if _, ok := items[line.Code]; !ok {
			return domain.Transaction{}, &store.ItemNotFoundError{Code: line.Code}
		}
	}

	saleLines := make([]domain.SaleLine, 0, len(lines))
	total := decimal.Zero
	for _, line := range lines {
		item := items[line.Code]
		itemPrice := item.UnitPrice.Mul(line.Quantity)
		saleLines = append(saleLines, domain.SaleLine{
			Code:      item.Code,
			Name:      item.Name,
			Quantity:  line.Quantity,
			UnitPrice: item.UnitPrice,
			CostPrice: item.CostPrice,
			ItemPrice: itemPrice,
		})
		total = total.Add(itemPrice)
	}
	total = total.Round(2)

	decremented := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		ok, err := s.repo.ConditionalDecrement(ctx, line.Code, line.Quantity)
		if err != nil {
			s.compensate(ctx, decremented)
			return domain.Transaction{}, err
		}
		if !ok {
			s.compensate(ctx, decremented)
			available := items[line.Code].Quantity
			if current, lookupErr := s.repo.GetItemByCode(ctx, line.Code); lookupErr == nil {
				available = current.Quantity
			}
			return domain.Transaction{}, &store.InsufficientStockError{
				Code:      line.Code,
				Available: available,
				Requested: line.Quantity,
			}
		}
		decremented = append(decremented, line)
	}

	actor, _ := ActorFromContext(ctx)
	tx := domain.Transaction{
		Items:       saleLines,
		TotalAmount: total,
		ClerkID:     actor.Username,
		CreatedAt:   time.Now().UTC(),
	}

	saved, err := s.insertWithSerial(ctx, tx)
	if err != nil {
		s.compensate(ctx, decremented)
		return domain.Transaction{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "sale_commit", "transaction", saved.SerialNumber, fmt.Sprintf("lines=%d,total=%s", len(saved.Items), saved.TotalAmount))

	return *saved, nil
}

// insertWithSerial draws a serial, formats it, and appends to the ledger. A
// duplicate serial gets one retry with a fresh draw; a second collision means
// the counter itself is broken and the commit surfaces as storage failure.
func (s *Service) insertWithSerial(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	for attempt := 0; attempt < 2; attempt++ {
		next, err := s.repo.NextSerial(ctx)
		if err != nil {
			return nil, err
		}
		tx.SerialNumber = fmt.Sprintf("TXN%06d", next)

		saved, err := s.repo.InsertTransaction(ctx, tx)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, store.ErrDuplicateSerial) {
			return nil, err
		}
		log.Printf("[service] WARN: serial collision on %s, retrying", tx.SerialNumber)
	}
	return nil, fmt.Errorf("serial collision persisted after retry: %w", store.ErrStorageUnavailable)
}

func (s *Service) compensate(ctx context.Context, decremented []domain.CartLine) {
	for _, line := range decremented {
		if err := s.repo.IncrementStock(ctx, line.Code, line.Quantity); err != nil {
			log.Printf("[service] WARN: failed to compensate stock code=%s qty=%s: %v", line.Code, line.Quantity, err)
		}
	}
}

func (s *Service) GetTransaction(ctx context.Context, serialNumber string) (domain.Transaction, error) {
	serialNumber = strings.ToUpper(strings.TrimSpace(serialNumber))
	if serialNumber == "" {
		return domain.Transaction{}, store.ErrNotFound
	}
	tx, err := s.repo.FindTransactionBySerial(ctx, serialNumber)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

// ComputeStatistics aggregates the ledger over [startOfDay(start),
// startOfDay(end)+24h). It is a pure read: recomputed on every call, never
// cached, and profit comes from the cost snapshot inside each sale line, not
// from the current catalog.
func (s *Service) ComputeStatistics(ctx context.Context, startDate string, endDate string) (domain.StatisticsResponse, error) {
	start, err := time.ParseInLocation("2006-01-02", startDate, time.UTC)
	if err != nil {
		return domain.StatisticsResponse{}, store.ErrInvalidDateRange
	}
	end, err := time.ParseInLocation("2006-01-02", endDate, time.UTC)
	if err != nil {
		return domain.StatisticsResponse{}, store.ErrInvalidDateRange
	}
	if start.After(end) {
		return domain.StatisticsResponse{}, store.ErrInvalidDateRange
	}

	from := start
	to := end.Add(24 * time.Hour)

	transactions, err := s.repo.FindTransactionsInRange(ctx, from, to)
	if err != nil {
		return domain.StatisticsResponse{}, err
	}

	byCode := make(map[string]*domain.Statistic, 32)
	for _, tx := range transactions {
		for _, line := range tx.Items {
			stat, ok := byCode[line.Code]
			if !ok {
				stat = &domain.Statistic{Code: line.Code, Name: line.Name}
				byCode[line.Code] = stat
			}
			stat.QuantitySold = stat.QuantitySold.Add(line.Quantity)
			stat.PriceRealized = stat.PriceRealized.Add(line.ItemPrice)
			stat.Profit = stat.Profit.Add(line.ItemPrice.Sub(line.CostPrice.Mul(line.Quantity)))
		}
	}

	stats := make([]domain.Statistic, 0, len(byCode))
	for _, stat := range byCode {
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Code < stats[j].Code })

	return domain.StatisticsResponse{
		StartDate:  startDate,
		EndDate:    endDate,
		Statistics: stats,
	}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	var from, to time.Time
	if date == "" {
		now := time.Now().UTC()
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.ParseInLocation("2006-01-02", date, time.UTC)
		if err != nil {
			return nil, store.ErrInvalidDateRange
		}
		from = parsed
	}
	to = from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) invalidateCatalog(ctx context.Context) {
	if err := s.catalog.Invalidate(ctx, catalogCacheKey); err != nil {
		log.Printf("[service] WARN: catalog cache invalidation failed: %v", err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

// normalizeCart aggregates duplicate codes and rejects the whole cart when any
// line is malformed. A bad line never results in a partial sale.
func normalizeCart(items []domain.CartLine) ([]domain.CartLine, error) {
	if len(items) == 0 {
		return nil, store.ErrInvalidItem
	}

	order := make([]string, 0, len(items))
	agg := make(map[string]decimal.Decimal, len(items))
	for _, line := range items {
		code := strings.ToUpper(strings.TrimSpace(line.Code))
		if code == "" || line.Quantity.Sign() <= 0 {
			return nil, store.ErrInvalidItem
		}
		if _, seen := agg[code]; !seen {
			order = append(order, code)
		}
		agg[code] = agg[code].Add(line.Quantity)
	}

	normalized := make([]domain.CartLine, 0, len(order))
	for _, code := range order {
		normalized = append(normalized, domain.CartLine{Code: code, Quantity: agg[code]})
	}
	return normalized, nil
}
