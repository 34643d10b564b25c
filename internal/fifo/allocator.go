// Package fifo allocates sale quantities against purchase lots oldest-first.
// A WorkingSet is private to one transaction: it is built from a snapshot of
// the lot ledger and mutated in memory only, so the allocation itself is pure
// and the caller decides how (and whether atomically) to persist consumption.
package fifo

import (
	"sort"
	"time"

	"tokoatuy/backend/internal/domain"
)

type lotState struct {
	lot       domain.Lot
	remaining int
}

// WorkingSet holds the remaining capacity of one product's lots for the
// duration of a single transaction. All sale lines of a transaction that
// resolve to the same product must share one WorkingSet, otherwise the same
// lot capacity would be allocated twice.
type WorkingSet struct {
	states   []*lotState
	consumed map[string]int
}

// NewWorkingSet snapshots lots in FIFO order: ascending received date, ties
// broken by ledger insertion order (the order lots arrive in).
func NewWorkingSet(lots []domain.Lot) *WorkingSet {
	states := make([]*lotState, 0, len(lots))
	for _, lot := range lots {
		states = append(states, &lotState{lot: lot, remaining: lot.Remaining()})
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].lot.ReceivedAt.Before(states[j].lot.ReceivedAt)
	})
	return &WorkingSet{states: states, consumed: make(map[string]int)}
}

// Allocate consumes the line's quantity from the working set oldest-lot-first
// and returns one AllocationRecord per lot touched. A quantity left over after
// every lot is exhausted is not an error: it is attributed to the "legacy"
// sentinel lot at fallbackCost, so the detail ledger always conserves
// quantity (sum of allocated == line qty).
func (ws *WorkingSet) Allocate(txID string, line domain.SaleLine, fallbackCategory string, fallbackCost int64, at time.Time) []domain.AllocationRecord {
	records := make([]domain.AllocationRecord, 0, 2)
	left := line.Qty

	for _, st := range ws.states {
		if left == 0 {
			break
		}
		if st.remaining < 1 {
			continue
		}
		take := st.remaining
		if take > left {
			take = left
		}
		st.remaining -= take
		left -= take
		ws.consumed[st.lot.LotID] += take

		revenue := int64(take) * line.UnitPrice
		cost := int64(take) * st.lot.UnitCost
		records = append(records, domain.AllocationRecord{
			TransactionID: txID,
			LotID:         st.lot.LotID,
			LotDate:       st.lot.ReceivedAt.Format(domain.LotDateLayout),
			ProductName:   line.Name,
			Category:      st.lot.Category,
			UnitPrice:     line.UnitPrice,
			UnitCost:      st.lot.UnitCost,
			QtyAllocated:  take,
			Revenue:       revenue,
			Cost:          cost,
			Margin:        revenue - cost,
			CreatedAt:     at,
		})
	}

	if left > 0 {
		category := fallbackCategory
		if category == "" {
			category = domain.CategoryOther
		}
		revenue := int64(left) * line.UnitPrice
		cost := int64(left) * fallbackCost
		records = append(records, domain.AllocationRecord{
			TransactionID: txID,
			LotID:         domain.LegacyLotID,
			ProductName:   line.Name,
			Category:      category,
			UnitPrice:     line.UnitPrice,
			UnitCost:      fallbackCost,
			QtyAllocated:  left,
			Revenue:       revenue,
			Cost:          cost,
			Margin:        revenue - cost,
			CreatedAt:     at,
		})
	}

	return records
}

// Consumed reports the per-lot quantities taken from this working set so far.
// Legacy allocations never appear here: they consumed no lot capacity.
func (ws *WorkingSet) Consumed() map[string]int {
	out := make(map[string]int, len(ws.consumed))
	for id, qty := range ws.consumed {
		out[id] = qty
	}
	return out
}

// TotalConsumed is the total quantity taken from real lots, excluding the
// legacy remainder.
func (ws *WorkingSet) TotalConsumed() int {
	total := 0
	for _, qty := range ws.consumed {
		total += qty
	}
	return total
}

// FirstActive returns the first lot in FIFO order that still has capacity
// after the allocations so far, or false when every lot is exhausted. The
// aggregate's displayed price/cost follows this lot.
func (ws *WorkingSet) FirstActive() (domain.Lot, bool) {
	for _, st := range ws.states {
		if st.remaining > 0 {
			return st.lot, true
		}
	}
	return domain.Lot{}, false
}
