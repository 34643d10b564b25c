package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokoatuy/backend/internal/domain"
	"tokoatuy/backend/internal/store"
	"tokoatuy/backend/internal/xid"
)

// Store keeps the whole data model in process memory. The lot slice is
// insertion-ordered; that order is the FIFO tie-break for lots sharing a
// received date, so lots are only ever appended.
type Store struct {
	mu              sync.RWMutex
	lots            []domain.Lot
	lotIndex        map[string]int
	aggByProductID  map[string]domain.ProductAggregate
	aggByNameKey    map[string]domain.ProductAggregate
	detailRows      []domain.AllocationRecord
	summaryRows     []domain.TransactionSummary
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		lots:            make([]domain.Lot, 0, 64),
		lotIndex:        make(map[string]int),
		aggByProductID:  make(map[string]domain.ProductAggregate),
		aggByNameKey:    make(map[string]domain.ProductAggregate),
		detailRows:      make([]domain.AllocationRecord, 0, 256),
		summaryRows:     make([]domain.TransactionSummary, 0, 128),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

// NewSeeded is New plus a small demo catalog: one lot and matching aggregate
// per product, so the API is browsable without any restock.
func NewSeeded() *Store {
	s := New()
	received := time.Now().UTC().AddDate(0, 0, -7)
	seed := []struct {
		productID string
		name      string
		category  string
		cost      int64
		price     int64
		qty       int
	}{
		{"MIE-01", "Mie Goreng Instan", "grocery", 2700, 3500, 120},
		{"TELUR-01", "Telur 10 Butir", "grocery", 23000, 26500, 40},
		{"SUSU-01", "Susu UHT 1L", "dairy", 13600, 18900, 36},
		{"ROTI-01", "Roti Tawar", "bakery", 12400, 17800, 24},
		{"KOPI-01", "Kopi Sachet", "beverage", 1700, 2600, 200},
		{"GULA-01", "Gula 1kg", "grocery", 15300, 17400, 50},
		{"TEH-01", "Teh Celup", "beverage", 7200, 9800, 60},
		{"AIR-01", "Air Mineral 600ml", "beverage", 3200, 3900, 150},
	}
	for _, p := range seed {
		nameKey := domain.NormalizeName(p.name)
		lot := domain.Lot{
			LotID:       p.productID + "-" + received.Format(domain.LotDateLayout),
			ProductID:   p.productID,
			NameKey:     nameKey,
			Name:        p.name,
			Category:    p.category,
			UnitCost:    p.cost,
			UnitPrice:   p.price,
			QtyReceived: p.qty,
			ReceivedAt:  received,
		}
		s.lotIndex[lot.LotID] = len(s.lots)
		s.lots = append(s.lots, lot)
		agg := domain.ProductAggregate{
			ProductID: p.productID,
			NameKey:   nameKey,
			Name:      p.name,
			Category:  p.category,
			Stock:     p.qty,
			UnitPrice: p.price,
			UnitCost:  p.cost,
		}
		s.aggByProductID[p.productID] = agg
		s.aggByNameKey[nameKey] = agg
	}
	return s
}

func (s *Store) CreateLot(_ context.Context, lot domain.Lot) (*domain.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lot.LotID == "" || lot.Name == "" || lot.QtyReceived < 1 || lot.UnitCost < 0 || lot.UnitPrice < 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.lotIndex[lot.LotID]; exists {
		return nil, store.ErrInvalidInput
	}
	if lot.NameKey == "" {
		lot.NameKey = domain.NormalizeName(lot.Name)
	}
	if lot.ReceivedAt.IsZero() {
		lot.ReceivedAt = time.Now().UTC()
	}

	s.lotIndex[lot.LotID] = len(s.lots)
	s.lots = append(s.lots, lot)
	created := lot
	return &created, nil
}

func (s *Store) ListLots(_ context.Context, productID string, nameKey string) ([]domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Lot, 0, len(s.lots))
	for _, lot := range s.lots {
		if productID != "" {
			if lot.ProductID != productID {
				continue
			}
		} else if nameKey != "" && lot.NameKey != nameKey {
			continue
		}
		result = append(result, lot)
	}
	return result, nil
}

func (s *Store) ListLotIDs(_ context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make(map[string]bool, len(s.lots))
	for _, lot := range s.lots {
		ids[lot.LotID] = true
	}
	return ids, nil
}

func (s *Store) ConsumeLot(_ context.Context, lotID string, qty int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty < 0 {
		return 0, 0, store.ErrInvalidInput
	}
	idx, exists := s.lotIndex[lotID]
	if !exists {
		return 0, 0, nil
	}
	lot := s.lots[idx]
	consumed := qty
	if remaining := lot.Remaining(); consumed > remaining {
		consumed = remaining
	}
	lot.QtyConsumed += consumed
	s.lots[idx] = lot
	return consumed, lot.Remaining(), nil
}

func (s *Store) GetAggregateByProductID(_ context.Context, productID string) (*domain.ProductAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, exists := s.aggByProductID[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyAgg := agg
	return &copyAgg, nil
}

func (s *Store) GetAggregateByNameKey(_ context.Context, nameKey string) (*domain.ProductAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, exists := s.aggByNameKey[nameKey]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyAgg := agg
	return &copyAgg, nil
}

func (s *Store) UpsertAggregate(_ context.Context, agg domain.ProductAggregate) (*domain.ProductAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agg.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if agg.NameKey == "" {
		agg.NameKey = domain.NormalizeName(agg.Name)
	}
	if agg.ProductID != "" {
		s.aggByProductID[agg.ProductID] = agg
	}
	s.aggByNameKey[agg.NameKey] = agg
	updated := agg
	return &updated, nil
}

func (s *Store) ListAggregates(_ context.Context) ([]domain.ProductAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ProductAggregate, 0, len(s.aggByNameKey))
	for _, agg := range s.aggByNameKey {
		result = append(result, agg)
	}
	slices.SortFunc(result, func(a, b domain.ProductAggregate) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return result, nil
}

func (s *Store) AppendDetailRows(_ context.Context, rows []domain.AllocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		if row.TransactionID == "" || row.QtyAllocated < 1 {
			return store.ErrInvalidInput
		}
	}
	s.detailRows = append(s.detailRows, rows...)
	return nil
}

func (s *Store) AppendSummaryRow(_ context.Context, row domain.TransactionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.TransactionID == "" {
		return store.ErrInvalidInput
	}
	s.summaryRows = append(s.summaryRows, row)
	return nil
}

func (s *Store) ListDetailRows(_ context.Context, from time.Time, to time.Time) ([]domain.AllocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AllocationRecord, 0, len(s.detailRows))
	for _, row := range s.detailRows {
		if inWindow(row.CreatedAt, from, to) {
			result = append(result, row)
		}
	}
	return result, nil
}

func (s *Store) ListSummaryRows(_ context.Context, from time.Time, to time.Time) ([]domain.TransactionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.TransactionSummary, 0, len(s.summaryRows))
	for _, row := range s.summaryRows {
		if inWindow(row.CreatedAt, from, to) {
			result = append(result, row)
		}
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, len(s.auditLogs))
	for _, entry := range s.auditLogs {
		if inWindow(entry.CreatedAt, from, to) {
			result = append(result, entry)
		}
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		result = append(result, user)
	}
	slices.SortFunc(result, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return result, nil
}

func inWindow(at time.Time, from time.Time, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && at.After(to) {
		return false
	}
	return true
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
