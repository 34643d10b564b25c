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

	"tokoatuy/backend/internal/cache"
	"tokoatuy/backend/internal/domain"
	"tokoatuy/backend/internal/fifo"
	"tokoatuy/backend/internal/lotid"
	"tokoatuy/backend/internal/store"
	"tokoatuy/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// PartialWriteError reports a sale that failed after some of its ledger
// writes already committed. There is no rollback: the completed stages stay
// written and the caller decides how to repair.
type PartialWriteError struct {
	TransactionID string
	Completed     []string
	Failed        string
	Err           error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write for transaction %s: stage %q failed after [%s]: %v",
		e.TransactionID, e.Failed, strings.Join(e.Completed, ", "), e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

const aggregateCacheTTL = 30 * time.Second

type Service struct {
	repo     store.Repository
	aggCache cache.AggregateCache
}

func New(repo store.Repository, aggCache cache.AggregateCache) *Service {
	if aggCache == nil {
		aggCache = cache.NoopAggregateCache{}
	}
	return &Service{repo: repo, aggCache: aggCache}
}

// Restock appends one lot and adjusts the product aggregate. Retrying a
// failed restock can create a second lot; callers own dedupe.
func (s *Service) Restock(ctx context.Context, req domain.RestockRequest) (domain.RestockResponse, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.Name == "" || req.Qty < 1 || req.UnitCost < 0 || req.UnitPrice < 0 {
		return domain.RestockResponse{}, store.ErrInvalidInput
	}

	receivedAt := time.Now().UTC()
	if req.ReceivedDate != "" {
		parsed, err := time.Parse("2006-01-02", req.ReceivedDate)
		if err != nil {
			return domain.RestockResponse{}, store.ErrInvalidInput
		}
		receivedAt = parsed.UTC()
	}

	nameKey := domain.NormalizeName(req.Name)
	category := req.Category
	if category == "" {
		category = domain.CategoryOther
	}

	// Full scan over existing ids. Two restocks scanning before either
	// writes can mint the same id; the second insert then fails.
	existing, err := s.repo.ListLotIDs(ctx)
	if err != nil {
		return domain.RestockResponse{}, err
	}
	var newLotID string
	if req.ProductID != "" {
		newLotID = lotid.Generate(req.ProductID, receivedAt, existing)
	} else {
		newLotID = lotid.GenerateFromName(req.Name, receivedAt, existing)
	}

	lot, err := s.repo.CreateLot(ctx, domain.Lot{
		LotID:       newLotID,
		ProductID:   req.ProductID,
		NameKey:     nameKey,
		Name:        req.Name,
		Category:    category,
		UnitCost:    req.UnitCost,
		UnitPrice:   req.UnitPrice,
		QtyReceived: req.Qty,
		ReceivedAt:  receivedAt,
	})
	if err != nil {
		return domain.RestockResponse{}, err
	}

	agg, err := s.lookupAggregate(ctx, req.ProductID, nameKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.RestockResponse{}, err
	}
	if agg == nil {
		agg = &domain.ProductAggregate{
			ProductID: req.ProductID,
			NameKey:   nameKey,
			Name:      req.Name,
			Category:  category,
			UnitPrice: lot.UnitPrice,
			UnitCost:  lot.UnitCost,
		}
	}
	// Price and cost only roll forward when the shelf was empty; a restock
	// behind existing stock must not reprice what is still selling FIFO.
	if agg.Stock == 0 {
		agg.UnitPrice = lot.UnitPrice
		agg.UnitCost = lot.UnitCost
	}
	agg.Stock += lot.QtyReceived
	if agg.ProductID == "" {
		agg.ProductID = req.ProductID
	}

	updated, err := s.repo.UpsertAggregate(ctx, *agg)
	if err != nil {
		return domain.RestockResponse{}, err
	}

	s.invalidateAggregates(ctx)
	s.logAudit(ctx, "restock", "lot", lot.LotID, fmt.Sprintf("name=%s,qty=%d,cost=%d", lot.Name, lot.QtyReceived, lot.UnitCost))

	return domain.RestockResponse{Lot: *lot, Aggregate: *updated}, nil
}

// ListLots returns lots in FIFO order, exhausted lots included.
func (s *Service) ListLots(ctx context.Context, productID string, name string) ([]domain.Lot, error) {
	nameKey := ""
	if productID == "" && name != "" {
		nameKey = domain.NormalizeName(name)
	}
	lots, err := s.repo.ListLots(ctx, strings.TrimSpace(productID), nameKey)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(lots, func(i, j int) bool {
		return lots[i].ReceivedAt.Before(lots[j].ReceivedAt)
	})
	return lots, nil
}

// productGroup collects everything one product needs during a sale. All
// lines resolving to the same product share one group, and so one working
// set.
type productGroup struct {
	productID    string
	nameKey      string
	name         string
	category     string
	fallbackCost int64
	linePrice    int64
	agg          *domain.ProductAggregate
	ws           *fifo.WorkingSet
}

// RecordSale runs the full sale pipeline: allocate FIFO, append the detail
// ledger, append the summary ledger, consume lots, sync aggregates. The
// writes are sequential and independent; a failure after the first write
// returns a *PartialWriteError.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	if len(req.Lines) == 0 {
		return domain.SaleResponse{}, store.ErrInvalidInput
	}
	for i := range req.Lines {
		req.Lines[i].ProductID = strings.TrimSpace(req.Lines[i].ProductID)
		req.Lines[i].Name = strings.TrimSpace(req.Lines[i].Name)
		if req.Lines[i].Name == "" || req.Lines[i].Qty < 1 || req.Lines[i].UnitPrice < 0 {
			return domain.SaleResponse{}, store.ErrInvalidInput
		}
	}
	if req.Discount < 0 {
		return domain.SaleResponse{}, store.ErrInvalidInput
	}
	discountType := req.DiscountType
	if discountType == "" {
		discountType = domain.DiscountTypeAmount
	}
	if discountType != domain.DiscountTypeAmount && discountType != domain.DiscountTypePercent {
		return domain.SaleResponse{}, store.ErrInvalidInput
	}
	paymentMethod := req.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = domain.PaymentMethodCash
	}
	switch paymentMethod {
	case domain.PaymentMethodCash, domain.PaymentMethodQRIS, domain.PaymentMethodTransfer:
	default:
		return domain.SaleResponse{}, store.ErrInvalidInput
	}

	txID := strings.TrimSpace(req.TransactionID)
	if txID == "" {
		txID = xid.New("trx")
	}
	now := time.Now().UTC()

	groups := make(map[string]*productGroup)
	order := make([]string, 0, len(req.Lines))
	lineGroups := make([]*productGroup, len(req.Lines))
	for i, line := range req.Lines {
		key, err := s.resolveGroupKey(ctx, line)
		if err != nil {
			return domain.SaleResponse{}, err
		}
		group, exists := groups[key]
		if !exists {
			group, err = s.buildGroup(ctx, line)
			if err != nil {
				return domain.SaleResponse{}, err
			}
			groups[key] = group
			order = append(order, key)
		}
		if group.productID == "" && line.ProductID != "" {
			group.productID = line.ProductID
		}
		lineGroups[i] = group
	}

	allocations := make([]domain.AllocationRecord, 0, len(req.Lines)*2)
	itemCount := 0
	for i, line := range req.Lines {
		group := lineGroups[i]
		group.linePrice = line.UnitPrice
		records := group.ws.Allocate(txID, line, group.category, group.fallbackCost, now)
		allocations = append(allocations, records...)
		itemCount += line.Qty
	}

	var totalRevenue, totalCost int64
	for _, rec := range allocations {
		totalRevenue += rec.Revenue
		totalCost += rec.Cost
	}
	discountValue := computeDiscount(totalRevenue, req.Discount, discountType)
	netPayable := totalRevenue - discountValue
	var change int64
	if paymentMethod == domain.PaymentMethodCash && req.CashTendered > netPayable {
		change = req.CashTendered - netPayable
	}

	summary := domain.TransactionSummary{
		TransactionID: txID,
		CreatedAt:     now,
		ItemCount:     itemCount,
		TotalRevenue:  totalRevenue,
		TotalCost:     totalCost,
		TotalMargin:   totalRevenue - totalCost,
		Discount:      discountValue,
		DiscountType:  discountType,
		NetPayable:    netPayable,
		PaymentMethod: paymentMethod,
		CashTendered:  req.CashTendered,
		Change:        change,
	}

	completed := make([]string, 0, 4)

	if err := s.repo.AppendDetailRows(ctx, allocations); err != nil {
		return domain.SaleResponse{}, &PartialWriteError{TransactionID: txID, Completed: completed, Failed: "detail_ledger", Err: err}
	}
	completed = append(completed, "detail_ledger")

	if err := s.repo.AppendSummaryRow(ctx, summary); err != nil {
		return domain.SaleResponse{}, &PartialWriteError{TransactionID: txID, Completed: completed, Failed: "summary_ledger", Err: err}
	}
	completed = append(completed, "summary_ledger")

	for _, key := range order {
		for lotID, qty := range groups[key].ws.Consumed() {
			if _, _, err := s.repo.ConsumeLot(ctx, lotID, qty); err != nil {
				return domain.SaleResponse{}, &PartialWriteError{TransactionID: txID, Completed: completed, Failed: "lot_consumption", Err: err}
			}
		}
	}
	completed = append(completed, "lot_consumption")

	updatedAggs := make([]domain.ProductAggregate, 0, len(order))
	for _, key := range order {
		updated, err := s.syncAggregateAfterSale(ctx, groups[key])
		if err != nil {
			return domain.SaleResponse{}, &PartialWriteError{TransactionID: txID, Completed: completed, Failed: "aggregate_sync", Err: err}
		}
		updatedAggs = append(updatedAggs, *updated)
	}

	s.invalidateAggregates(ctx)
	s.logAudit(ctx, "sale", "transaction", txID, fmt.Sprintf("items=%d,revenue=%d,cost=%d", itemCount, totalRevenue, totalCost))

	return domain.SaleResponse{
		TransactionID:     txID,
		Allocations:       allocations,
		Summary:           summary,
		UpdatedAggregates: updatedAggs,
		CostSnapshot:      costSnapshot(allocations),
	}, nil
}

// ReadAggregates serves the full aggregate snapshot, from cache when warm.
func (s *Service) ReadAggregates(ctx context.Context) ([]domain.ProductAggregate, error) {
	if cached, hit, err := s.aggCache.Get(ctx); err == nil && hit {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: aggregate cache read failed: %v", err)
	}

	aggs, err := s.repo.ListAggregates(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.aggCache.Set(ctx, aggs, aggregateCacheTTL); err != nil {
		log.Printf("[service] WARN: aggregate cache write failed: %v", err)
	}
	return aggs, nil
}

func (s *Service) ReadLedgers(ctx context.Context, from time.Time, to time.Time) (domain.LedgerWindow, error) {
	detail, err := s.repo.ListDetailRows(ctx, from, to)
	if err != nil {
		return domain.LedgerWindow{}, err
	}
	summary, err := s.repo.ListSummaryRows(ctx, from, to)
	if err != nil {
		return domain.LedgerWindow{}, err
	}
	return domain.LedgerWindow{Detail: detail, Summary: summary}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// resolveGroupKey maps a sale line to its canonical product identity, id
// lookup first, name fallback second. Lines naming the same product by id
// and by name must land in the same group: a line whose id or name matches
// a known aggregate keys on that aggregate's name key, an unknown product
// keys on its own normalized name.
func (s *Service) resolveGroupKey(ctx context.Context, line domain.SaleLine) (string, error) {
	nameKey := domain.NormalizeName(line.Name)
	agg, err := s.lookupAggregate(ctx, line.ProductID, nameKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nameKey, nil
		}
		return "", err
	}
	return agg.NameKey, nil
}

func (s *Service) buildGroup(ctx context.Context, line domain.SaleLine) (*productGroup, error) {
	nameKey := domain.NormalizeName(line.Name)
	group := &productGroup{
		productID: line.ProductID,
		nameKey:   nameKey,
		name:      line.Name,
		category:  domain.CategoryOther,
	}

	agg, err := s.lookupAggregate(ctx, line.ProductID, nameKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if agg != nil {
		group.agg = agg
		group.category = agg.Category
		group.fallbackCost = agg.UnitCost
	}

	lots, err := s.listLotsForLine(ctx, line.ProductID, nameKey)
	if err != nil {
		return nil, err
	}
	group.ws = fifo.NewWorkingSet(lots)
	return group, nil
}

// listLotsForLine resolves a line's lots by product id first, falling back
// to the normalized name when the id is absent or matches nothing.
func (s *Service) listLotsForLine(ctx context.Context, productID string, nameKey string) ([]domain.Lot, error) {
	if productID != "" {
		lots, err := s.repo.ListLots(ctx, productID, "")
		if err != nil {
			return nil, err
		}
		if len(lots) > 0 {
			return lots, nil
		}
	}
	return s.repo.ListLots(ctx, "", nameKey)
}

func (s *Service) lookupAggregate(ctx context.Context, productID string, nameKey string) (*domain.ProductAggregate, error) {
	if productID != "" {
		agg, err := s.repo.GetAggregateByProductID(ctx, productID)
		if err == nil {
			return agg, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return s.repo.GetAggregateByNameKey(ctx, nameKey)
}

// syncAggregateAfterSale applies the sale to the product aggregate: stock
// drops by the quantity actually taken from lots and clamps at zero, while
// price and cost re-sync to the oldest lot still holding stock. The clamp
// means aggregate stock can disagree with the ledger after an oversell; the
// ledger is the record of truth.
func (s *Service) syncAggregateAfterSale(ctx context.Context, group *productGroup) (*domain.ProductAggregate, error) {
	agg := group.agg
	if agg == nil {
		agg = &domain.ProductAggregate{
			ProductID: group.productID,
			NameKey:   group.nameKey,
			Name:      group.name,
			Category:  group.category,
			UnitPrice: group.linePrice,
		}
	}

	agg.Stock -= group.ws.TotalConsumed()
	if agg.Stock < 0 {
		agg.Stock = 0
	}
	if lot, ok := group.ws.FirstActive(); ok {
		agg.UnitPrice = lot.UnitPrice
		agg.UnitCost = lot.UnitCost
	}

	return s.repo.UpsertAggregate(ctx, *agg)
}

// computeDiscount clamps so the discount never exceeds the subtotal.
// Percent discounts round half up to the nearest whole unit.
func computeDiscount(subtotal int64, discount int64, discountType string) int64 {
	if discount <= 0 || subtotal <= 0 {
		return 0
	}
	if discountType == domain.DiscountTypePercent {
		pct := discount
		if pct > 100 {
			pct = 100
		}
		return (subtotal*pct + 50) / 100
	}
	if discount > subtotal {
		return subtotal
	}
	return discount
}

// costSnapshot is the per-product weighted-average unit cost of this sale,
// sum of allocated cost over sum of allocated quantity.
func costSnapshot(allocations []domain.AllocationRecord) []domain.CostEntry {
	type sums struct {
		cost int64
		qty  int64
	}
	byName := make(map[string]*sums)
	names := make([]string, 0, 4)
	for _, rec := range allocations {
		entry, exists := byName[rec.ProductName]
		if !exists {
			entry = &sums{}
			byName[rec.ProductName] = entry
			names = append(names, rec.ProductName)
		}
		entry.cost += rec.Cost
		entry.qty += int64(rec.QtyAllocated)
	}

	snapshot := make([]domain.CostEntry, 0, len(names))
	for _, name := range names {
		entry := byName[name]
		if entry.qty == 0 {
			continue
		}
		snapshot = append(snapshot, domain.CostEntry{
			Name:     name,
			UnitCost: decimal.NewFromInt(entry.cost).Div(decimal.NewFromInt(entry.qty)),
		})
	}
	return snapshot
}

func (s *Service) invalidateAggregates(ctx context.Context) {
	if err := s.aggCache.Invalidate(ctx); err != nil {
		log.Printf("[service] WARN: aggregate cache invalidation failed: %v", err)
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
