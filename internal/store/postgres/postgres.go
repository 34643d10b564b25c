package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokoatuy/backend/internal/domain"
	"tokoatuy/backend/internal/store"
	"tokoatuy/backend/internal/xid"
)

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

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error) {
	if lot.LotID == "" || lot.Name == "" || lot.QtyReceived < 1 || lot.UnitCost < 0 || lot.UnitPrice < 0 {
		return nil, store.ErrInvalidInput
	}
	if lot.NameKey == "" {
		lot.NameKey = domain.NormalizeName(lot.Name)
	}
	if lot.ReceivedAt.IsZero() {
		lot.ReceivedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lots (lot_id, product_id, name_key, name, category, unit_cost, unit_price, qty_received, qty_consumed, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9)
	`, lot.LotID, nullIfEmpty(lot.ProductID), lot.NameKey, lot.Name, lot.Category,
		lot.UnitCost, lot.UnitPrice, lot.QtyReceived, lot.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := lot
	return &created, nil
}

func (s *Store) ListLots(ctx context.Context, productID string, nameKey string) ([]domain.Lot, error) {
	// seq preserves insertion order, the FIFO tie-break for equal received_at.
	query := `
		SELECT lot_id, COALESCE(product_id, ''), name_key, name, category, unit_cost, unit_price, qty_received, qty_consumed, received_at
		FROM lots
	`
	args := []any{}
	switch {
	case productID != "":
		query += ` WHERE product_id = $1`
		args = append(args, productID)
	case nameKey != "":
		query += ` WHERE name_key = $1`
		args = append(args, nameKey)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]domain.Lot, 0, 64)
	for rows.Next() {
		var lot domain.Lot
		if err := rows.Scan(&lot.LotID, &lot.ProductID, &lot.NameKey, &lot.Name, &lot.Category,
			&lot.UnitCost, &lot.UnitPrice, &lot.QtyReceived, &lot.QtyConsumed, &lot.ReceivedAt); err != nil {
			return nil, err
		}
		lot.ReceivedAt = lot.ReceivedAt.UTC()
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}

func (s *Store) ListLotIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lot_id FROM lots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool, 128)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ConsumeLot clamps in SQL so the consumed quantity can never pass received
// even under concurrent callers.
func (s *Store) ConsumeLot(ctx context.Context, lotID string, qty int) (int, int, error) {
	if qty < 0 {
		return 0, 0, store.ErrInvalidInput
	}
	var before, after, received int
	err := s.db.QueryRowContext(ctx, `
		WITH prior AS (
			SELECT lot_id, qty_consumed FROM lots WHERE lot_id = $1 FOR UPDATE
		), updated AS (
			UPDATE lots
			SET qty_consumed = LEAST(lots.qty_received, lots.qty_consumed + $2)
			FROM prior
			WHERE lots.lot_id = prior.lot_id
			RETURNING lots.qty_consumed, lots.qty_received
		)
		SELECT prior.qty_consumed, updated.qty_consumed, updated.qty_received
		FROM prior, updated
	`, lotID, qty).Scan(&before, &after, &received)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	return after - before, received - after, nil
}

func (s *Store) GetAggregateByProductID(ctx context.Context, productID string) (*domain.ProductAggregate, error) {
	return s.getAggregate(ctx, `product_id = $1`, productID)
}

func (s *Store) GetAggregateByNameKey(ctx context.Context, nameKey string) (*domain.ProductAggregate, error) {
	return s.getAggregate(ctx, `name_key = $1`, nameKey)
}

func (s *Store) getAggregate(ctx context.Context, where string, arg any) (*domain.ProductAggregate, error) {
	var agg domain.ProductAggregate
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(product_id, ''), name_key, name, category, stock, unit_price, unit_cost
		FROM product_aggregates
		WHERE `+where, arg).Scan(&agg.ProductID, &agg.NameKey, &agg.Name, &agg.Category,
		&agg.Stock, &agg.UnitPrice, &agg.UnitCost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &agg, nil
}

func (s *Store) UpsertAggregate(ctx context.Context, agg domain.ProductAggregate) (*domain.ProductAggregate, error) {
	if agg.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if agg.NameKey == "" {
		agg.NameKey = domain.NormalizeName(agg.Name)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_aggregates (name_key, product_id, name, category, stock, unit_price, unit_cost, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (name_key) DO UPDATE
		SET product_id = EXCLUDED.product_id,
		    name = EXCLUDED.name,
		    category = EXCLUDED.category,
		    stock = EXCLUDED.stock,
		    unit_price = EXCLUDED.unit_price,
		    unit_cost = EXCLUDED.unit_cost,
		    updated_at = now()
	`, agg.NameKey, nullIfEmpty(agg.ProductID), agg.Name, agg.Category, agg.Stock, agg.UnitPrice, agg.UnitCost)
	if err != nil {
		return nil, err
	}

	updated := agg
	return &updated, nil
}

func (s *Store) ListAggregates(ctx context.Context) ([]domain.ProductAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(product_id, ''), name_key, name, category, stock, unit_price, unit_cost
		FROM product_aggregates
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	aggs := make([]domain.ProductAggregate, 0, 128)
	for rows.Next() {
		var agg domain.ProductAggregate
		if err := rows.Scan(&agg.ProductID, &agg.NameKey, &agg.Name, &agg.Category,
			&agg.Stock, &agg.UnitPrice, &agg.UnitCost); err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return aggs, nil
}

// AppendDetailRows inserts each allocation row independently. There is no
// enclosing transaction: a failure partway leaves earlier rows committed,
// which the service reports as a partial write.
func (s *Store) AppendDetailRows(ctx context.Context, rows []domain.AllocationRecord) error {
	for _, row := range rows {
		if row.TransactionID == "" || row.QtyAllocated < 1 {
			return store.ErrInvalidInput
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ledger_detail (transaction_id, lot_id, lot_date, product_name, category, unit_price, unit_cost, qty_allocated, revenue, cost, margin, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, row.TransactionID, row.LotID, nullIfEmpty(row.LotDate), row.ProductName, row.Category,
			row.UnitPrice, row.UnitCost, row.QtyAllocated, row.Revenue, row.Cost, row.Margin, row.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) AppendSummaryRow(ctx context.Context, row domain.TransactionSummary) error {
	if row.TransactionID == "" {
		return store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_summary (transaction_id, created_at, item_count, total_revenue, total_cost, total_margin, discount, discount_type, net_payable, payment_method, cash_tendered, change)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, row.TransactionID, row.CreatedAt, row.ItemCount, row.TotalRevenue, row.TotalCost, row.TotalMargin,
		row.Discount, row.DiscountType, row.NetPayable, row.PaymentMethod, row.CashTendered, row.Change)
	return err
}

func (s *Store) ListDetailRows(ctx context.Context, from time.Time, to time.Time) ([]domain.AllocationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, lot_id, COALESCE(lot_date, ''), product_name, category, unit_price, unit_cost, qty_allocated, revenue, cost, margin, created_at
		FROM ledger_detail
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at, id
	`, windowFrom(from), windowTo(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AllocationRecord, 0, 256)
	for rows.Next() {
		var row domain.AllocationRecord
		if err := rows.Scan(&row.TransactionID, &row.LotID, &row.LotDate, &row.ProductName, &row.Category,
			&row.UnitPrice, &row.UnitCost, &row.QtyAllocated, &row.Revenue, &row.Cost, &row.Margin, &row.CreatedAt); err != nil {
			return nil, err
		}
		row.CreatedAt = row.CreatedAt.UTC()
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListSummaryRows(ctx context.Context, from time.Time, to time.Time) ([]domain.TransactionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, created_at, item_count, total_revenue, total_cost, total_margin, discount, discount_type, net_payable, payment_method, cash_tendered, change
		FROM ledger_summary
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at, transaction_id
	`, windowFrom(from), windowTo(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.TransactionSummary, 0, 128)
	for rows.Next() {
		var row domain.TransactionSummary
		if err := rows.Scan(&row.TransactionID, &row.CreatedAt, &row.ItemCount, &row.TotalRevenue, &row.TotalCost,
			&row.TotalMargin, &row.Discount, &row.DiscountType, &row.NetPayable, &row.PaymentMethod,
			&row.CashTendered, &row.Change); err != nil {
			return nil, err
		}
		row.CreatedAt = row.CreatedAt.UTC()
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
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
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, windowFrom(from), windowTo(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidInput
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func windowFrom(from time.Time) time.Time {
	if from.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return from
}

func windowTo(to time.Time) time.Time {
	if to.IsZero() {
		return time.Now().UTC().Add(24 * time.Hour)
	}
	return to
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
