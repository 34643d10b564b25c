// Package reconcile tracks optimistic point-of-sale transactions on the
// client side. A terminal records a sale locally the moment the cashier
// finishes, before the backend has confirmed it; this package holds those
// records and merges in the authoritative per-product costs once the backend
// responds. Importable by terminal builds, hence pkg/ rather than internal/.
package reconcile

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tokoatuy/backend/internal/domain"
)

type State string

const (
	// StatePending is the optimistic record, written before any server reply.
	StatePending State = "pending"
	// StateConfirmed means the server accepted the sale but the cost
	// snapshot has not been merged yet.
	StateConfirmed State = "confirmed"
	// StateReconciled is terminal: confirmed and carrying server costs.
	StateReconciled State = "reconciled"
	// StateFailed is terminal: the server rejected the sale.
	StateFailed State = "failed"
)

// ItemEstimate is one product line of an optimistic record. EstimatedUnitCost
// is what the terminal guessed from its cached catalog; UnitCost is the
// server's weighted average once reconciled.
type ItemEstimate struct {
	Name              string
	Qty               int
	EstimatedUnitCost decimal.Decimal
	UnitCost          decimal.Decimal
	Reconciled        bool
}

type Record struct {
	TransactionID string
	State         State
	FailReason    string
	CreatedAt     time.Time
	Items         []ItemEstimate

	confirmed       bool
	snapshotApplied bool
}

// Cache is a bounded, most-recent-first store of optimistic transactions.
// When the cap is reached the oldest record is dropped, reconciled or not,
// mirroring how a terminal's local history behaves.
type Cache struct {
	mu      sync.Mutex
	limit   int
	order   []string
	records map[string]*Record
}

func NewCache(limit int) *Cache {
	if limit < 1 {
		limit = 50
	}
	return &Cache{
		limit:   limit,
		order:   make([]string, 0, limit),
		records: make(map[string]*Record),
	}
}

// Begin stores an optimistic record in StatePending. Beginning an id that
// already exists replaces the old record; the terminal retried the whole
// sale and the fresh attempt wins.
func (c *Cache) Begin(txID string, items []ItemEstimate) Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[txID]; !exists {
		c.order = append(c.order, txID)
		if len(c.order) > c.limit {
			evicted := c.order[0]
			c.order = c.order[1:]
			delete(c.records, evicted)
		}
	}

	rec := &Record{
		TransactionID: txID,
		State:         StatePending,
		CreatedAt:     time.Now().UTC(),
		Items:         append([]ItemEstimate(nil), items...),
	}
	c.records[txID] = rec
	return cloneRecord(rec)
}

// Confirm moves a pending record forward on a successful server reply. If
// the cost snapshot already arrived (replies can land out of order), the
// record goes straight to StateReconciled.
func (c *Cache) Confirm(txID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.records[txID]
	if !exists {
		return Record{}, false
	}
	if rec.State == StateFailed {
		return cloneRecord(rec), true
	}
	rec.confirmed = true
	rec.State = StateConfirmed
	if rec.snapshotApplied {
		rec.State = StateReconciled
	}
	return cloneRecord(rec), true
}

// Fail marks a pending record rejected. Failing a record that already
// confirmed is ignored; the first terminal outcome sticks.
func (c *Cache) Fail(txID string, reason string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.records[txID]
	if !exists {
		return Record{}, false
	}
	if rec.confirmed {
		return cloneRecord(rec), true
	}
	rec.State = StateFailed
	rec.FailReason = reason
	return cloneRecord(rec), true
}

// ApplyCostSnapshot merges the server's weighted-average costs into the
// matching record. Unknown transaction ids are a no-op, the merge is
// idempotent, and a snapshot arriving before Confirm is held until the
// confirmation lands.
func (c *Cache) ApplyCostSnapshot(txID string, entries []domain.CostEntry) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.records[txID]
	if !exists {
		return Record{}, false
	}
	if rec.State == StateFailed {
		return cloneRecord(rec), true
	}

	byKey := make(map[string]decimal.Decimal, len(entries))
	for _, entry := range entries {
		byKey[domain.NormalizeName(entry.Name)] = entry.UnitCost
	}
	for i := range rec.Items {
		cost, ok := byKey[domain.NormalizeName(rec.Items[i].Name)]
		if !ok {
			continue
		}
		rec.Items[i].UnitCost = cost
		rec.Items[i].Reconciled = true
	}

	rec.snapshotApplied = true
	if rec.confirmed {
		rec.State = StateReconciled
	}
	return cloneRecord(rec), true
}

func (c *Cache) Get(txID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, exists := c.records[txID]
	if !exists {
		return Record{}, false
	}
	return cloneRecord(rec), true
}

// List returns records newest first.
func (c *Cache) List() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]Record, 0, len(c.order))
	for i := len(c.order) - 1; i >= 0; i-- {
		if rec, exists := c.records[c.order[i]]; exists {
			result = append(result, cloneRecord(rec))
		}
	}
	return result
}

func cloneRecord(rec *Record) Record {
	out := *rec
	out.Items = append([]ItemEstimate(nil), rec.Items...)
	return out
}
