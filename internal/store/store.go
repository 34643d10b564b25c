package store

import (
	"context"
	"errors"
	"time"

	"tokoatuy/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// LotRepository is the append-only lot ledger. Lots are never deleted;
// ConsumeLot is the only mutation after creation.
type LotRepository interface {
	CreateLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error)
	// ListLots returns lots in ledger insertion order. productID filters by
	// product id when non-empty, otherwise nameKey filters by normalized
	// name; both empty returns every lot, exhausted ones included.
	ListLots(ctx context.Context, productID string, nameKey string) ([]domain.Lot, error)
	// ListLotIDs returns the full set of existing lot ids, for batch id
	// generation.
	ListLotIDs(ctx context.Context) (map[string]bool, error)
	// ConsumeLot atomically increases the lot's consumed quantity by at most
	// qty, clamping so consumed never exceeds received. It reports the
	// quantity actually consumed and the remaining quantity afterwards.
	// Consuming an unknown lot id (including "legacy") is a no-op.
	ConsumeLot(ctx context.Context, lotID string, qty int) (consumed int, remainingAfter int, err error)
}

type AggregateRepository interface {
	GetAggregateByProductID(ctx context.Context, productID string) (*domain.ProductAggregate, error)
	GetAggregateByNameKey(ctx context.Context, nameKey string) (*domain.ProductAggregate, error)
	UpsertAggregate(ctx context.Context, agg domain.ProductAggregate) (*domain.ProductAggregate, error)
	ListAggregates(ctx context.Context) ([]domain.ProductAggregate, error)
}

// LedgerRepository persists the two sale ledgers. Detail and summary appends
// are independent operations with no transaction spanning them.
type LedgerRepository interface {
	AppendDetailRows(ctx context.Context, rows []domain.AllocationRecord) error
	AppendSummaryRow(ctx context.Context, row domain.TransactionSummary) error
	ListDetailRows(ctx context.Context, from time.Time, to time.Time) ([]domain.AllocationRecord, error)
	ListSummaryRows(ctx context.Context, from time.Time, to time.Time) ([]domain.TransactionSummary, error)
}

type AuditRepository interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

type Repository interface {
	LotRepository
	AggregateRepository
	LedgerRepository
	AuditRepository
	UserRepository
}
