package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Lot is one received purchase batch. Lots are append-only: once written,
// only QtyConsumed ever changes, and a fully consumed lot is kept for audit.
type Lot struct {
	LotID       string    `json:"lot_id"`
	ProductID   string    `json:"product_id,omitempty"`
	NameKey     string    `json:"name_key"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	UnitCost    int64     `json:"unit_cost"`
	UnitPrice   int64     `json:"unit_price"`
	QtyReceived int       `json:"qty_received"`
	QtyConsumed int       `json:"qty_consumed"`
	ReceivedAt  time.Time `json:"received_at"`
}

func (l Lot) Remaining() int {
	return l.QtyReceived - l.QtyConsumed
}

// ProductAggregate is the current stock/price/cost view of a product. It is
// the only mutable entity in the data model; everything else is append-only.
type ProductAggregate struct {
	ProductID string `json:"product_id,omitempty"`
	NameKey   string `json:"name_key"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	Stock     int    `json:"stock"`
	UnitPrice int64  `json:"unit_price"`
	UnitCost  int64  `json:"unit_cost"`
}

type SaleLine struct {
	ProductID string `json:"product_id,omitempty"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Qty       int    `json:"qty"`
}

// AllocationRecord matches part of a sale quantity to a specific lot. One
// sale line spanning two lots produces two records; the oversold remainder
// of a line produces one record against the LegacyLotID sentinel.
type AllocationRecord struct {
	TransactionID string    `json:"transaction_id"`
	LotID         string    `json:"lot_id"`
	LotDate       string    `json:"lot_date,omitempty"`
	ProductName   string    `json:"product_name"`
	Category      string    `json:"category"`
	UnitPrice     int64     `json:"unit_price"`
	UnitCost      int64     `json:"unit_cost"`
	QtyAllocated  int       `json:"qty_allocated"`
	Revenue       int64     `json:"revenue"`
	Cost          int64     `json:"cost"`
	Margin        int64     `json:"margin"`
	CreatedAt     time.Time `json:"created_at"`
}

// TransactionSummary is the single summary-ledger row of one transaction.
type TransactionSummary struct {
	TransactionID string    `json:"transaction_id"`
	CreatedAt     time.Time `json:"created_at"`
	ItemCount     int       `json:"item_count"`
	TotalRevenue  int64     `json:"total_revenue"`
	TotalCost     int64     `json:"total_cost"`
	TotalMargin   int64     `json:"total_margin"`
	Discount      int64     `json:"discount"`
	DiscountType  string    `json:"discount_type"`
	NetPayable    int64     `json:"net_payable"`
	PaymentMethod string    `json:"payment_method"`
	CashTendered  int64     `json:"cash_tendered"`
	Change        int64     `json:"change"`
}

type RestockRequest struct {
	ProductID string `json:"product_id,omitempty"`
	Name      string `json:"name"`
	Category  string `json:"category,omitempty"`
	UnitCost  int64  `json:"unit_cost"`
	UnitPrice int64  `json:"unit_price"`
	Qty       int    `json:"qty"`
	// ReceivedDate is "2006-01-02"; empty means today.
	ReceivedDate string `json:"received_date,omitempty"`
}

type RestockResponse struct {
	Lot       Lot              `json:"lot"`
	Aggregate ProductAggregate `json:"aggregate"`
}

type SaleRequest struct {
	TransactionID string     `json:"transaction_id,omitempty"`
	Lines         []SaleLine `json:"lines"`
	Discount      int64      `json:"discount"`
	DiscountType  string     `json:"discount_type,omitempty"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	CashTendered  int64      `json:"cash_tendered"`
}

// CostEntry is one product's authoritative weighted-average unit cost in a
// completed sale, the figure the client reconciles its optimistic margin with.
type CostEntry struct {
	Name     string          `json:"name"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

type SaleResponse struct {
	TransactionID     string             `json:"transaction_id"`
	Allocations       []AllocationRecord `json:"allocations"`
	Summary           TransactionSummary `json:"summary"`
	UpdatedAggregates []ProductAggregate `json:"updated_aggregates"`
	CostSnapshot      []CostEntry        `json:"cost_snapshot"`
}

type LedgerWindow struct {
	Detail  []AllocationRecord   `json:"detail"`
	Summary []TransactionSummary `json:"summary"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	// LegacyLotID marks allocations that could not be matched to any lot
	// (oversell remainder or products sold before lot tracking existed).
	LegacyLotID = "legacy"

	// CategoryOther is the category assigned to unmatched products.
	CategoryOther = "Other"
)

const (
	DiscountTypeAmount  = "amount"
	DiscountTypePercent = "percent"
)

const (
	PaymentMethodCash     = "cash"
	PaymentMethodQRIS     = "qris"
	PaymentMethodTransfer = "transfer"
)

// LotDateLayout is the ddmmyyyy segment of batch ids.
const LotDateLayout = "02012006"

// NormalizeName produces the fallback lookup key for products without an id:
// NFKC-normalized, whitespace collapsed, lower case.
func NormalizeName(name string) string {
	folded := norm.NFKC.String(name)
	fields := strings.Fields(folded)
	return strings.ToLower(strings.Join(fields, " "))
}
