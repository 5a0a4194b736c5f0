package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// VisitSource is the read side of the visit and patient modules.
type VisitSource interface {
	BillableVisit(ctx context.Context, visitID uuid.UUID) (*BillableVisit, error)
	BillablePatient(ctx context.Context, patientID uuid.UUID) (*BillablePatient, error)
}

type InvoiceRepository interface {
	NumberExists(ctx context.Context, number string, excludeID uuid.UUID) (bool, error)
	// Insert stores a new invoice header. It returns false without error
	// when the visit already has an invoice or the number is taken.
	Insert(ctx context.Context, inv *Invoice) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// LockByID and LockByVisit take a row lock held until the transaction ends.
	LockByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	LockByVisit(ctx context.Context, visitID uuid.UUID) (*Invoice, error)
	Lines(ctx context.Context, invoiceID uuid.UUID) ([]InvoiceLine, error)
	ReplaceLines(ctx context.Context, invoiceID uuid.UUID, lines []InvoiceLine) error
	UpdateTotals(ctx context.Context, inv *Invoice) error
	UpdatePaid(ctx context.Context, inv *Invoice) error
	List(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error)

	SetPayerState(ctx context.Context, id uuid.UUID, state, reason string, amount decimal.Decimal) error
	// AdvancePayerState moves the listed invoices to state when they are
	// currently in one of from, returning how many moved.
	AdvancePayerState(ctx context.Context, ids []uuid.UUID, from []string, state string) (int64, error)
	MarkReminded(ctx context.Context, hmoName string, at time.Time) (int64, error)
	Eligible(ctx context.Context, hmoName string, start, end time.Time, tz string, limit int) ([]*Invoice, error)
	AgingRows(ctx context.Context) ([]AgingRow, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	// InsertSettlement writes an HMO payment unless one already exists for
	// the same invoice and reference. It reports whether a row was written.
	InsertSettlement(ctx context.Context, p *Payment) (bool, error)
	SumPatientPaid(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
}

type ClaimRepository interface {
	CreateBatch(ctx context.Context, b *ClaimBatch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*ClaimBatch, error)
	LockBatch(ctx context.Context, id uuid.UUID) (*ClaimBatch, error)
	ListBatches(ctx context.Context, hmoName, status string, limit, offset int) ([]*ClaimBatch, int, error)
	UpdateBatchStatus(ctx context.Context, b *ClaimBatch) error
	Items(ctx context.Context, batchID uuid.UUID) ([]ClaimItem, error)
	// InsertItem returns false when the invoice is already claimed.
	InsertItem(ctx context.Context, item *ClaimItem) (bool, error)
	GetItem(ctx context.Context, id uuid.UUID) (*ClaimItem, error)
	FlagItem(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
}

type FollowUpRepository interface {
	PayerBalances(ctx context.Context) ([]PayerBalance, error)
	// Upsert creates or overwrites the follow-up for (payer, period).
	Upsert(ctx context.Context, f *FollowUp) error
	GetByID(ctx context.Context, id uuid.UUID) (*FollowUp, error)
	Update(ctx context.Context, f *FollowUp) error
	ListDue(ctx context.Context, today time.Time) ([]*FollowUp, error)
	CountDue(ctx context.Context, today time.Time) (int, error)
}

type DashboardRepository interface {
	PaymentsSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
	Outstanding(ctx context.Context) (balance, receivable decimal.Decimal, err error)
	DailyTotals(ctx context.Context, since time.Time, tz string) ([]DailyTotal, error)
	MethodTotals(ctx context.Context, since time.Time) ([]MethodTotal, error)
}
