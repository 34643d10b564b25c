package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokoatuy/backend/internal/domain"
	"tokoatuy/backend/internal/store"
	"tokoatuy/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.New(), nil)
}

func mustRestock(t *testing.T, svc *Service, productID, name string, cost, price int64, qty int, date string) domain.RestockResponse {
	t.Helper()
	resp, err := svc.Restock(context.Background(), domain.RestockRequest{
		ProductID:    productID,
		Name:         name,
		Category:     "beverage",
		UnitCost:     cost,
		UnitPrice:    price,
		Qty:          qty,
		ReceivedDate: date,
	})
	if err != nil {
		t.Fatalf("restock failed: %v", err)
	}
	return resp
}

func TestRestockCreatesLotAndAggregate(t *testing.T) {
	svc := newTestService()

	resp := mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")
	if resp.Lot.LotID != "KOPI-01-01082026" {
		t.Fatalf("unexpected lot id %s", resp.Lot.LotID)
	}
	if resp.Aggregate.Stock != 10 || resp.Aggregate.UnitCost != 1000 || resp.Aggregate.UnitPrice != 2000 {
		t.Fatalf("aggregate not initialized from first lot: %+v", resp.Aggregate)
	}
}

func TestRestockSameDaySuffixesBatchID(t *testing.T) {
	svc := newTestService()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")
	second := mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1100, 2000, 10, "2026-08-01")
	third := mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1200, 2000, 10, "2026-08-01")

	if second.Lot.LotID != "KOPI-01-01082026-02" {
		t.Fatalf("expected -02 suffix, got %s", second.Lot.LotID)
	}
	if third.Lot.LotID != "KOPI-01-01082026-03" {
		t.Fatalf("expected -03 suffix, got %s", third.Lot.LotID)
	}
}

func TestRestockDoesNotRepriceWhileStockRemains(t *testing.T) {
	svc := newTestService()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")
	resp := mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1500, 2600, 10, "2026-08-02")

	if resp.Aggregate.UnitPrice != 2000 || resp.Aggregate.UnitCost != 1000 {
		t.Fatalf("restock behind existing stock must keep old price/cost, got %+v", resp.Aggregate)
	}
	if resp.Aggregate.Stock != 20 {
		t.Fatalf("expected stock 20, got %d", resp.Aggregate.Stock)
	}
}

func TestRestockRepricesWhenShelfWasEmpty(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 5, "2026-08-01")
	_, err := svc.RecordSale(ctx, domain.SaleRequest{
		Lines: []domain.SaleLine{{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 2000, Qty: 5}},
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	resp := mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1500, 2600, 8, "2026-08-02")
	if resp.Aggregate.UnitPrice != 2600 || resp.Aggregate.UnitCost != 1500 {
		t.Fatalf("restock onto empty shelf must reprice, got %+v", resp.Aggregate)
	}
}

func TestRecordSaleFIFOCostAcrossLots(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")
	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1200, 2000, 10, "2026-08-02")

	resp, err := svc.RecordSale(ctx, domain.SaleRequest{
		Lines: []domain.SaleLine{{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 2000, Qty: 15}},
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	if resp.Summary.TotalCost != 16000 {
		t.Fatalf("expected FIFO cost 16000 (10*1000 + 5*1200), got %d", resp.Summary.TotalCost)
	}
	if resp.Summary.TotalRevenue != 30000 || resp.Summary.TotalMargin != 14000 {
		t.Fatalf("unexpected summary: %+v", resp.Summary)
	}
	if len(resp.Allocations) != 2 {
		t.Fatalf("expected 2 allocation records, got %d", len(resp.Allocations))
	}

	agg := resp.UpdatedAggregates[0]
	if agg.Stock != 5 {
		t.Fatalf("expected remaining stock 5, got %d", agg.Stock)
	}
	if agg.UnitCost != 1200 {
		t.Fatalf("aggregate cost must re-sync to the oldest lot with stock, got %d", agg.UnitCost)
	}

	lots, err := svc.ListLots(ctx, "KOPI-01", "")
	if err != nil {
		t.Fatalf("list lots failed: %v", err)
	}
	if lots[0].QtyConsumed != 10 || lots[1].QtyConsumed != 5 {
		t.Fatalf("lot consumption not persisted FIFO: %+v", lots)
	}
}

func TestRecordSaleOversellGoesToLegacy(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 500, 900, 3, "2026-08-01")

	resp, err := svc.RecordSale(ctx, domain.SaleRequest{
		Lines: []domain.SaleLine{{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 900, Qty: 6}},
	})
	if err != nil {
		t.Fatalf("oversell must not error at the ledger level: %v", err)
	}

	if len(resp.Allocations) != 2 {
		t.Fatalf("expected lot + legacy records, got %d", len(resp.Allocations))
	}
	legacy := resp.Allocations[1]
	if legacy.LotID != domain.LegacyLotID || legacy.QtyAllocated != 3 || legacy.Cost != 1500 {
		t.Fatalf("legacy remainder should be 3 units at aggregate cost 500, got %+v", legacy)
	}

	// Aggregate stock clamps at zero while the ledger keeps the full
	// oversold quantity; the two views diverge and that is recorded, not
	// hidden.
	if resp.UpdatedAggregates[0].Stock != 0 {
		t.Fatalf("aggregate stock must clamp at zero, got %d", resp.UpdatedAggregates[0].Stock)
	}
	total := 0
	for _, rec := range resp.Allocations {
		total += rec.QtyAllocated
	}
	if total != 6 {
		t.Fatalf("ledger must conserve quantity, got %d", total)
	}
}

func TestRecordSaleUnknownProductZeroCostOther(t *testing.T) {
	svc := newTestService()

	resp, err := svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLine{{Name: "Barang Misterius", UnitPrice: 1500, Qty: 2}},
	})
	if err != nil {
		t.Fatalf("sale of unknown product failed: %v", err)
	}

	rec := resp.Allocations[0]
	if rec.LotID != domain.LegacyLotID || rec.UnitCost != 0 || rec.Category != domain.CategoryOther {
		t.Fatalf("unknown product must allocate at zero cost under Other, got %+v", rec)
	}
	if resp.UpdatedAggregates[0].Stock != 0 {
		t.Fatalf("unknown product aggregate starts at zero stock, got %d", resp.UpdatedAggregates[0].Stock)
	}
}

func TestRecordSaleSharesWorkingSetAcrossLines(t *testing.T) {
	svc := newTestService()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")

	resp, err := svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLine{
			{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 2000, Qty: 6},
			{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 2000, Qty: 6},
		},
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	// 6 from the lot, then 4 from the lot and 2 legacy: the second line saw
	// the first line's consumption.
	if len(resp.Allocations) != 3 {
		t.Fatalf("expected 3 allocation records, got %d", len(resp.Allocations))
	}
	if resp.Allocations[2].LotID != domain.LegacyLotID || resp.Allocations[2].QtyAllocated != 2 {
		t.Fatalf("expected 2 legacy units on the second line, got %+v", resp.Allocations[2])
	}
}

func TestRecordSaleMixedIDAndNameLinesShareWorkingSet(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")

	resp, err := svc.RecordSale(ctx, domain.SaleRequest{
		Lines: []domain.SaleLine{
			{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 2000, Qty: 6},
			{Name: "Kopi Sachet", UnitPrice: 2000, Qty: 6},
		},
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	// Both lines resolve to the same product and so the same working set:
	// 6 from the lot, then 4 from the lot and 2 legacy.
	if len(resp.Allocations) != 3 {
		t.Fatalf("expected 3 allocation records, got %d: %+v", len(resp.Allocations), resp.Allocations)
	}
	if resp.Allocations[2].LotID != domain.LegacyLotID || resp.Allocations[2].QtyAllocated != 2 {
		t.Fatalf("expected 2 legacy units on the name-only line, got %+v", resp.Allocations[2])
	}
	if len(resp.UpdatedAggregates) != 1 {
		t.Fatalf("one product must sync one aggregate, got %d", len(resp.UpdatedAggregates))
	}
	if resp.UpdatedAggregates[0].Stock != 0 {
		t.Fatalf("expected aggregate stock 0, got %d", resp.UpdatedAggregates[0].Stock)
	}

	lots, err := svc.ListLots(ctx, "KOPI-01", "")
	if err != nil {
		t.Fatalf("list lots failed: %v", err)
	}
	if lots[0].QtyConsumed != 10 {
		t.Fatalf("lot capacity must be allocated once, got consumed %d", lots[0].QtyConsumed)
	}
}

func TestRecordSaleUnmatchedIDFallsBackToName(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	mustRestock(t, svc, "", "Teh Celup", 7000, 9800, 5, "2026-08-01")

	resp, err := svc.RecordSale(ctx, domain.SaleRequest{
		Lines: []domain.SaleLine{{ProductID: "TEH-99", Name: "Teh Celup", UnitPrice: 9800, Qty: 3}},
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	if len(resp.Allocations) != 1 || resp.Allocations[0].LotID == domain.LegacyLotID {
		t.Fatalf("an id matching no lot must fall back to the name-keyed lot, got %+v", resp.Allocations)
	}
	if resp.Allocations[0].UnitCost != 7000 {
		t.Fatalf("expected the real lot cost 7000, got %d", resp.Allocations[0].UnitCost)
	}
	if resp.UpdatedAggregates[0].Stock != 2 {
		t.Fatalf("expected aggregate stock 2 after consuming the real lot, got %d", resp.UpdatedAggregates[0].Stock)
	}
}

// staleLotsRepo serves every lot listing from a snapshot taken at
// construction, reproducing two concurrent sales that both read the lot
// ledger before either one's consumption lands.
type staleLotsRepo struct {
	store.Repository
	snapshot []domain.Lot
}

func (r *staleLotsRepo) ListLots(_ context.Context, _ string, _ string) ([]domain.Lot, error) {
	return append([]domain.Lot(nil), r.snapshot...), nil
}

func TestRecordSaleConcurrentOversellBothSucceed(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	mustRestock(t, New(repo, nil), "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")
	snapshot, err := repo.ListLots(ctx, "KOPI-01", "")
	if err != nil {
		t.Fatalf("list lots failed: %v", err)
	}
	svc := New(&staleLotsRepo{Repository: repo, snapshot: snapshot}, nil)

	for _, txID := range []string{"trx-a", "trx-b"} {
		if _, err := svc.RecordSale(ctx, domain.SaleRequest{
			TransactionID: txID,
			Lines:         []domain.SaleLine{{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 2000, Qty: 8}},
		}); err != nil {
			t.Fatalf("sale %s failed: %v", txID, err)
		}
	}

	// No locking protocol: both sales commit in full, the ledger records 16
	// units sold from a 10-unit lot, and consumption clamps at received.
	window, err := svc.ReadLedgers(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("read ledgers failed: %v", err)
	}
	if len(window.Summary) != 2 {
		t.Fatalf("expected both summaries written, got %d", len(window.Summary))
	}
	total := 0
	for _, row := range window.Detail {
		total += row.QtyAllocated
	}
	if total != 16 {
		t.Fatalf("expected 16 units across both sales, got %d", total)
	}

	lots, err := repo.ListLots(ctx, "KOPI-01", "")
	if err != nil {
		t.Fatalf("list lots failed: %v", err)
	}
	if lots[0].QtyConsumed != 10 {
		t.Fatalf("lot consumption must clamp at received, got %d", lots[0].QtyConsumed)
	}
}

func TestRecordSaleDiscountAndChange(t *testing.T) {
	svc := newTestService()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")

	resp, err := svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines:        []domain.SaleLine{{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 2000, Qty: 5}},
		Discount:     10,
		DiscountType: domain.DiscountTypePercent,
		CashTendered: 10000,
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	if resp.Summary.Discount != 1000 {
		t.Fatalf("expected 10%% of 10000 = 1000, got %d", resp.Summary.Discount)
	}
	if resp.Summary.NetPayable != 9000 || resp.Summary.Change != 1000 {
		t.Fatalf("unexpected net/change: %+v", resp.Summary)
	}
}

func TestRecordSaleDiscountAmountClampsToSubtotal(t *testing.T) {
	svc := newTestService()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")

	resp, err := svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 2000, Qty: 1}},
		Discount: 99999,
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	if resp.Summary.Discount != 2000 || resp.Summary.NetPayable != 0 {
		t.Fatalf("discount must clamp to subtotal, got %+v", resp.Summary)
	}
}

func TestRecordSaleCostSnapshotWeightedAverage(t *testing.T) {
	svc := newTestService()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")
	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1200, 2000, 10, "2026-08-02")

	resp, err := svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLine{{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 2000, Qty: 15}},
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	if len(resp.CostSnapshot) != 1 {
		t.Fatalf("expected one snapshot entry, got %d", len(resp.CostSnapshot))
	}
	want := decimal.NewFromInt(16000).Div(decimal.NewFromInt(15))
	if !resp.CostSnapshot[0].UnitCost.Equal(want) {
		t.Fatalf("expected weighted average %s, got %s", want, resp.CostSnapshot[0].UnitCost)
	}
}

func TestRecordSaleRetryDuplicatesLedgerRows(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 20, "2026-08-01")

	req := domain.SaleRequest{
		TransactionID: "trx-retry",
		Lines:         []domain.SaleLine{{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 2000, Qty: 2}},
	}
	if _, err := svc.RecordSale(ctx, req); err != nil {
		t.Fatalf("first sale failed: %v", err)
	}
	if _, err := svc.RecordSale(ctx, req); err != nil {
		t.Fatalf("second sale failed: %v", err)
	}

	// There is no idempotency: the retry wrote a second set of rows and
	// consumed stock again. Callers own dedupe.
	window, err := svc.ReadLedgers(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("read ledgers failed: %v", err)
	}
	if len(window.Detail) != 2 || len(window.Summary) != 2 {
		t.Fatalf("expected duplicated ledger rows on retry, got %d detail / %d summary", len(window.Detail), len(window.Summary))
	}
}

func TestRecordSaleValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	cases := []domain.SaleRequest{
		{},
		{Lines: []domain.SaleLine{{Name: "", UnitPrice: 100, Qty: 1}}},
		{Lines: []domain.SaleLine{{Name: "Kopi", UnitPrice: 100, Qty: 0}}},
		{Lines: []domain.SaleLine{{Name: "Kopi", UnitPrice: -1, Qty: 1}}},
		{Lines: []domain.SaleLine{{Name: "Kopi", UnitPrice: 100, Qty: 1}}, Discount: -5},
		{Lines: []domain.SaleLine{{Name: "Kopi", UnitPrice: 100, Qty: 1}}, DiscountType: "bogus"},
		{Lines: []domain.SaleLine{{Name: "Kopi", UnitPrice: 100, Qty: 1}}, PaymentMethod: "barter"},
	}
	for i, req := range cases {
		if _, err := svc.RecordSale(ctx, req); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}

	// Validation rejects before any write.
	window, err := svc.ReadLedgers(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("read ledgers failed: %v", err)
	}
	if len(window.Detail) != 0 || len(window.Summary) != 0 {
		t.Fatalf("rejected sales must not write ledgers")
	}
}

// failingSummaryRepo makes the summary append fail after the detail append
// already committed.
type failingSummaryRepo struct {
	store.Repository
}

func (f *failingSummaryRepo) AppendSummaryRow(_ context.Context, _ domain.TransactionSummary) error {
	return errors.New("ledger write refused")
}

func TestRecordSalePartialWriteSurfacesTypedError(t *testing.T) {
	repo := memory.New()
	svc := New(&failingSummaryRepo{Repository: repo}, nil)
	ctx := context.Background()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")

	_, err := svc.RecordSale(ctx, domain.SaleRequest{
		Lines: []domain.SaleLine{{ProductID: "KOPI-01", Name: "Kopi Sachet", UnitPrice: 2000, Qty: 2}},
	})
	var partial *PartialWriteError
	if !errors.As(err, &partial) {
		t.Fatalf("expected *PartialWriteError, got %v", err)
	}
	if partial.Failed != "summary_ledger" {
		t.Fatalf("expected summary_ledger stage to fail, got %s", partial.Failed)
	}
	if len(partial.Completed) != 1 || partial.Completed[0] != "detail_ledger" {
		t.Fatalf("detail append should be recorded as completed, got %v", partial.Completed)
	}

	// No rollback: the detail rows stayed written.
	rows, err := repo.ListDetailRows(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list detail failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("detail rows must survive the partial failure, got %d", len(rows))
	}
}

func TestReadAggregatesListsEverything(t *testing.T) {
	svc := newTestService()

	mustRestock(t, svc, "KOPI-01", "Kopi Sachet", 1000, 2000, 10, "2026-08-01")
	mustRestock(t, svc, "TEH-01", "Teh Celup", 7000, 9800, 5, "2026-08-01")

	aggs, err := svc.ReadAggregates(context.Background())
	if err != nil {
		t.Fatalf("read aggregates failed: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("expected 2 aggregates, got %d", len(aggs))
	}
}
