package fifo

import (
	"testing"
	"time"

	"tokoatuy/backend/internal/domain"
)

func day(offset int) time.Time {
	return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func testLot(id string, cost int64, received, consumed int, at time.Time) domain.Lot {
	return domain.Lot{
		LotID:       id,
		ProductID:   "PRD-1",
		Name:        "Kopi Sachet",
		Category:    "beverage",
		UnitCost:    cost,
		UnitPrice:   2000,
		QtyReceived: received,
		QtyConsumed: consumed,
		ReceivedAt:  at,
	}
}

func TestAllocateOldestFirstAcrossLots(t *testing.T) {
	ws := NewWorkingSet([]domain.Lot{
		testLot("L2", 1200, 10, 0, day(1)),
		testLot("L1", 1000, 10, 0, day(0)),
	})

	records := ws.Allocate("trx-1", domain.SaleLine{Name: "Kopi Sachet", UnitPrice: 2000, Qty: 15}, "beverage", 0, day(2))
	if len(records) != 2 {
		t.Fatalf("expected 2 allocation records, got %d", len(records))
	}
	if records[0].LotID != "L1" || records[0].QtyAllocated != 10 {
		t.Fatalf("first record should drain L1 fully, got lot=%s qty=%d", records[0].LotID, records[0].QtyAllocated)
	}
	if records[1].LotID != "L2" || records[1].QtyAllocated != 5 {
		t.Fatalf("second record should take 5 from L2, got lot=%s qty=%d", records[1].LotID, records[1].QtyAllocated)
	}

	var totalCost int64
	for _, rec := range records {
		totalCost += rec.Cost
	}
	if totalCost != 10*1000+5*1200 {
		t.Fatalf("expected total cost 16000, got %d", totalCost)
	}
}

func TestAllocateTieBreakByInsertionOrder(t *testing.T) {
	ws := NewWorkingSet([]domain.Lot{
		testLot("first", 900, 5, 0, day(0)),
		testLot("second", 950, 5, 0, day(0)),
	})

	records := ws.Allocate("trx-1", domain.SaleLine{Name: "Kopi Sachet", UnitPrice: 2000, Qty: 3}, "beverage", 0, day(1))
	if len(records) != 1 || records[0].LotID != "first" {
		t.Fatalf("same-day lots must drain in insertion order, got %+v", records)
	}
}

func TestAllocateSkipsExhaustedLots(t *testing.T) {
	ws := NewWorkingSet([]domain.Lot{
		testLot("drained", 800, 10, 10, day(0)),
		testLot("active", 1100, 10, 0, day(1)),
	})

	records := ws.Allocate("trx-1", domain.SaleLine{Name: "Kopi Sachet", UnitPrice: 2000, Qty: 4}, "beverage", 0, day(2))
	if len(records) != 1 || records[0].LotID != "active" {
		t.Fatalf("exhausted lot must be skipped, got %+v", records)
	}
}

func TestAllocateOversellFallsBackToLegacy(t *testing.T) {
	ws := NewWorkingSet([]domain.Lot{
		testLot("L1", 1000, 10, 0, day(0)),
	})

	records := ws.Allocate("trx-1", domain.SaleLine{Name: "Kopi Sachet", UnitPrice: 2000, Qty: 13}, "beverage", 500, day(1))
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	legacy := records[1]
	if legacy.LotID != domain.LegacyLotID {
		t.Fatalf("remainder must land on the legacy lot, got %s", legacy.LotID)
	}
	if legacy.QtyAllocated != 3 || legacy.Cost != 3*500 {
		t.Fatalf("legacy remainder should be 3 units at fallback cost 500, got qty=%d cost=%d", legacy.QtyAllocated, legacy.Cost)
	}

	total := 0
	for _, rec := range records {
		total += rec.QtyAllocated
	}
	if total != 13 {
		t.Fatalf("allocated quantity must equal line quantity, got %d", total)
	}
}

func TestAllocateUnknownProductUsesOtherCategory(t *testing.T) {
	ws := NewWorkingSet(nil)

	records := ws.Allocate("trx-1", domain.SaleLine{Name: "Barang Misterius", UnitPrice: 1500, Qty: 3}, "", 0, day(0))
	if len(records) != 1 {
		t.Fatalf("expected a single legacy record, got %d", len(records))
	}
	if records[0].Category != domain.CategoryOther || records[0].UnitCost != 0 {
		t.Fatalf("unknown products allocate at zero cost under %q, got category=%s cost=%d", domain.CategoryOther, records[0].Category, records[0].UnitCost)
	}
}

func TestWorkingSetSharedAcrossLines(t *testing.T) {
	ws := NewWorkingSet([]domain.Lot{
		testLot("L1", 1000, 10, 0, day(0)),
	})

	first := ws.Allocate("trx-1", domain.SaleLine{Name: "Kopi Sachet", UnitPrice: 2000, Qty: 6}, "beverage", 700, day(1))
	second := ws.Allocate("trx-1", domain.SaleLine{Name: "Kopi Sachet", UnitPrice: 2000, Qty: 6}, "beverage", 700, day(1))

	if first[0].QtyAllocated != 6 {
		t.Fatalf("first line should take 6 from L1, got %d", first[0].QtyAllocated)
	}
	if second[0].LotID != "L1" || second[0].QtyAllocated != 4 {
		t.Fatalf("second line must see the first line's consumption, got lot=%s qty=%d", second[0].LotID, second[0].QtyAllocated)
	}
	if second[1].LotID != domain.LegacyLotID || second[1].QtyAllocated != 2 {
		t.Fatalf("second line remainder should be 2 legacy units, got %+v", second[1])
	}

	if ws.TotalConsumed() != 10 {
		t.Fatalf("total consumed should be 10 (legacy excluded), got %d", ws.TotalConsumed())
	}
	if qty := ws.Consumed()["L1"]; qty != 10 {
		t.Fatalf("L1 should be fully consumed, got %d", qty)
	}
}

func TestFirstActiveAdvancesAsLotsDrain(t *testing.T) {
	ws := NewWorkingSet([]domain.Lot{
		testLot("L1", 1000, 5, 0, day(0)),
		testLot("L2", 1300, 5, 0, day(1)),
	})

	if lot, ok := ws.FirstActive(); !ok || lot.LotID != "L1" {
		t.Fatalf("expected L1 active before any allocation")
	}

	ws.Allocate("trx-1", domain.SaleLine{Name: "Kopi Sachet", UnitPrice: 2000, Qty: 5}, "beverage", 0, day(2))
	if lot, ok := ws.FirstActive(); !ok || lot.LotID != "L2" {
		t.Fatalf("expected L2 active after L1 drained")
	}

	ws.Allocate("trx-1", domain.SaleLine{Name: "Kopi Sachet", UnitPrice: 2000, Qty: 5}, "beverage", 0, day(2))
	if _, ok := ws.FirstActive(); ok {
		t.Fatalf("expected no active lot after everything drained")
	}
}
