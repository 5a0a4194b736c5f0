package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Invoice statuses describe the patient side only.
const (
	StatusUnpaid  = "UNPAID"
	StatusPartial = "PARTIAL"
	StatusPaid    = "PAID"
)

// Payer states track the HMO receivable of an invoice.
const (
	PayerOK        = "OK"
	PayerSubmitted = "SUBMITTED"
	PayerDisputed  = "DISPUTED"
	PayerApproved  = "APPROVED"
	PayerSettled   = "SETTLED"
)

const (
	LineConsultation = "CONSULTATION"
	LineLab          = "LAB"
	LineDrug         = "DRUG"
)

// Payment methods. MethodHMO is only ever written by claim settlement.
const (
	MethodCash     = "CASH"
	MethodPOS      = "POS"
	MethodTransfer = "TRANSFER"
	MethodHMO      = "HMO"
)

const (
	BatchDraft     = "DRAFT"
	BatchSubmitted = "SUBMITTED"
	BatchPaid      = "PAID"
)

const (
	FollowUpOpen      = "OPEN"
	FollowUpReminded  = "REMINDED"
	FollowUpEscalated = "ESCALATED"
	FollowUpSettled   = "SETTLED"
)

var patientMethods = map[string]bool{MethodCash: true, MethodPOS: true, MethodTransfer: true}

var validPayerStates = map[string]bool{
	PayerOK: true, PayerSubmitted: true, PayerDisputed: true, PayerApproved: true, PayerSettled: true,
}

var validFollowUpStatuses = map[string]bool{
	FollowUpOpen: true, FollowUpReminded: true, FollowUpEscalated: true, FollowUpSettled: true,
}

// IsPatientMethod reports whether payments made with method count towards
// the patient's amount paid.
func IsPatientMethod(method string) bool { return patientMethods[method] }

// Invoice maps to the invoices table. PatientName, HospitalNumber and
// VisitNumber are joined in on reads.
type Invoice struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	InvoiceNumber     string          `db:"invoice_number" json:"invoice_number"`
	PatientID         uuid.UUID       `db:"patient_id" json:"patient_id"`
	VisitID           *uuid.UUID      `db:"visit_id" json:"visit_id,omitempty"`
	HMOName           string          `db:"hmo_name" json:"hmo_name"`
	Status            string          `db:"status" json:"status"`
	TotalAmount       decimal.Decimal `db:"total_amount" json:"total_amount"`
	PatientAmount     decimal.Decimal `db:"patient_amount" json:"patient_amount"`
	HMOAmount         decimal.Decimal `db:"hmo_amount" json:"hmo_amount"`
	AmountPaid        decimal.Decimal `db:"amount_paid" json:"amount_paid"`
	Balance           decimal.Decimal `db:"balance" json:"balance"`
	HMOState          string          `db:"hmo_state" json:"hmo_state"`
	HMODisputeReason  string          `db:"hmo_dispute_reason" json:"hmo_dispute_reason,omitempty"`
	HMODisputeAmount  decimal.Decimal `db:"hmo_dispute_amount" json:"hmo_dispute_amount"`
	HMOLastRemindedAt *time.Time      `db:"hmo_last_reminded_at" json:"hmo_last_reminded_at,omitempty"`
	CreatedBy         string          `db:"created_by" json:"created_by,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`

	PatientName    string        `json:"patient_name,omitempty"`
	HospitalNumber string        `json:"hospital_number,omitempty"`
	VisitNumber    string        `json:"visit_number,omitempty"`
	Lines          []InvoiceLine `json:"lines,omitempty"`
}

// InvoiceLine maps to the invoice_lines table.
type InvoiceLine struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	InvoiceID    uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Position     int             `db:"position" json:"position"`
	LineType     string          `db:"line_type" json:"line_type"`
	Description  string          `db:"description" json:"description"`
	Quantity     int             `db:"quantity" json:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal    decimal.Decimal `db:"line_total" json:"line_total"`
	PatientShare decimal.Decimal `db:"patient_share" json:"patient_share"`
	HMOShare     decimal.Decimal `db:"hmo_share" json:"hmo_share"`
}

// Payment maps to the payments table. Rows are never updated or deleted.
type Payment struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	InvoiceID  uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Method     string          `db:"method" json:"method"`
	Reference  string          `db:"reference" json:"reference,omitempty"`
	ReceivedBy string          `db:"received_by" json:"received_by,omitempty"`
	PaidAt     time.Time       `db:"paid_at" json:"paid_at"`
}

// ClaimBatch maps to the hmo_claim_batches table. PeriodStart and PeriodEnd
// are calendar dates held at UTC midnight.
type ClaimBatch struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	HMOName       string     `db:"hmo_name" json:"hmo_name"`
	PeriodStart   time.Time  `db:"period_start" json:"period_start"`
	PeriodEnd     time.Time  `db:"period_end" json:"period_end"`
	Status        string     `db:"status" json:"status"`
	PaidReference string     `db:"paid_reference" json:"paid_reference,omitempty"`
	CreatedBy     string     `db:"created_by" json:"created_by,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	SubmittedAt   *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
	PaidAt        *time.Time `db:"paid_at" json:"paid_at,omitempty"`

	Items          []ClaimItem     `json:"items,omitempty"`
	TotalHMOAmount decimal.Decimal `json:"total_hmo_amount"`
}

// ClaimItem maps to the hmo_claim_items table. The amount and patient
// details are a snapshot taken when the invoice was claimed.
type ClaimItem struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	BatchID        uuid.UUID       `db:"batch_id" json:"batch_id"`
	InvoiceID      uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	InvoiceNumber  string          `json:"invoice_number"`
	HMOAmount      decimal.Decimal `db:"hmo_amount" json:"hmo_amount"`
	Patient        string          `db:"patient" json:"patient"`
	HospitalNumber string          `db:"hospital_number" json:"hospital_number"`
	VisitNumber    string          `db:"visit_number" json:"visit_number"`
	Disputed       bool            `db:"disputed" json:"disputed"`
	DisputeReason  string          `db:"dispute_reason" json:"dispute_reason,omitempty"`
	DisputedAt     *time.Time      `db:"disputed_at" json:"disputed_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// FollowUp maps to the hmo_followups table.
type FollowUp struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	HMOName        string     `db:"hmo_name" json:"hmo_name"`
	PeriodStart    time.Time  `db:"period_start" json:"period_start"`
	PeriodEnd      time.Time  `db:"period_end" json:"period_end"`
	Status         string     `db:"status" json:"status"`
	LastActionAt   *time.Time `db:"last_action_at" json:"last_action_at,omitempty"`
	NextFollowUpAt *time.Time `db:"next_follow_up_at" json:"next_follow_up_at,omitempty"`
	Notes          string     `db:"notes" json:"notes"`
	OwnerID        string     `db:"owner_id" json:"owner_id,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// InvoiceFilter narrows invoice listings. Zero values do not filter.
type InvoiceFilter struct {
	Status    string
	HMOName   string
	PatientID *uuid.UUID
	Query     string
}

// PayerBalance is one payer's receivable as seen by the follow-up sweep.
type PayerBalance struct {
	HMOName   string
	HMOAmount decimal.Decimal
	Settled   decimal.Decimal
}

// Outstanding is the payer share not yet covered by HMO settlements.
func (b PayerBalance) Outstanding() decimal.Decimal {
	return b.HMOAmount.Sub(b.Settled).Round(2)
}

// SweepSummary reports one follow-up sweep.
type SweepSummary struct {
	RunAt       time.Time   `json:"run_at"`
	PeriodStart time.Time   `json:"period_start"`
	PeriodEnd   time.Time   `json:"period_end"`
	Payers      int         `json:"payers"`
	Reminded    int         `json:"reminded"`
	Skipped     int         `json:"skipped"`
	FollowUps   []*FollowUp `json:"followups"`
}

// DailyTotal is the sum of payments received on one calendar day.
type DailyTotal struct {
	Day   time.Time       `json:"day"`
	Total decimal.Decimal `json:"total"`
}

// MethodTotal is the sum of payments received with one method.
type MethodTotal struct {
	Method string          `json:"method"`
	Total  decimal.Decimal `json:"total"`
}

// Dashboard is the cashier overview.
type Dashboard struct {
	Today               time.Time       `json:"today"`
	PaymentsToday       decimal.Decimal `json:"payments_today"`
	PaymentsMonthToDate decimal.Decimal `json:"payments_month_to_date"`
	OutstandingBalance  decimal.Decimal `json:"outstanding_balance"`
	HMOReceivables      decimal.Decimal `json:"hmo_receivables"`
	FollowUpsDue        int             `json:"followups_due"`
	DailyTrend          []DailyTotal    `json:"daily_trend"`
	MethodTotals        []MethodTotal   `json:"method_totals"`
}
