package billing

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	Bucket0To30  = "0-30"
	Bucket31To60 = "31-60"
	Bucket61To90 = "61-90"
	Bucket90Plus = "90+"

	UnknownPayer = "UNKNOWN HMO"

	topOutstandingLimit = 50
)

// AgingRow is one invoice with a payer share and the HMO settlements
// received against it.
type AgingRow struct {
	InvoiceID      uuid.UUID
	InvoiceNumber  string
	HospitalNumber string
	Patient        string
	HMOName        string
	HMOAmount      decimal.Decimal
	Settled        decimal.Decimal
	CreatedAt      time.Time
}

// Buckets accumulates outstanding amounts by age.
type Buckets struct {
	D0To30  decimal.Decimal `json:"0-30"`
	D31To60 decimal.Decimal `json:"31-60"`
	D61To90 decimal.Decimal `json:"61-90"`
	D90Plus decimal.Decimal `json:"90+"`
	Total   decimal.Decimal `json:"total"`
}

func (b *Buckets) add(bucket string, amount decimal.Decimal) {
	switch bucket {
	case Bucket0To30:
		b.D0To30 = b.D0To30.Add(amount)
	case Bucket31To60:
		b.D31To60 = b.D31To60.Add(amount)
	case Bucket61To90:
		b.D61To90 = b.D61To90.Add(amount)
	default:
		b.D90Plus = b.D90Plus.Add(amount)
	}
	b.Total = b.Total.Add(amount)
}

// PayerAging is one row of the per-payer table.
type PayerAging struct {
	HMOName string `json:"hmo_name"`
	Buckets
}

// AgingInvoice is one entry of the top outstanding list.
type AgingInvoice struct {
	InvoiceID      uuid.UUID       `json:"invoice_id"`
	InvoiceNumber  string          `json:"invoice_number"`
	HospitalNumber string          `json:"hospital_number"`
	Patient        string          `json:"patient"`
	HMOName        string          `json:"hmo_name"`
	Days           int             `json:"days"`
	Bucket         string          `json:"bucket"`
	Outstanding    decimal.Decimal `json:"outstanding"`
	CreatedAt      time.Time       `json:"created_at"`
}

type AgingReport struct {
	AsOf        time.Time      `json:"as_of"`
	Payers      []PayerAging   `json:"payers"`
	Totals      Buckets        `json:"totals"`
	TopInvoices []AgingInvoice `json:"top_invoices"`
}

// BucketFor places an age in days. Each bucket includes its upper bound.
func BucketFor(days int) string {
	switch {
	case days <= 30:
		return Bucket0To30
	case days <= 60:
		return Bucket31To60
	case days <= 90:
		return Bucket61To90
	default:
		return Bucket90Plus
	}
}

// civilDate truncates t to its calendar date in loc, returned at UTC midnight.
func civilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween counts calendar days from the date of from to asOf.
func daysBetween(from time.Time, asOf time.Time, loc *time.Location) int {
	return int(asOf.Sub(civilDate(from, loc)).Hours() / 24)
}

// BuildAgingReport buckets every row with a positive outstanding payer
// share. asOf is a calendar date at UTC midnight; creation times are read
// in loc.
func BuildAgingReport(rows []AgingRow, asOf time.Time, loc *time.Location) *AgingReport {
	report := &AgingReport{AsOf: asOf}
	byPayer := make(map[string]*PayerAging)
	var order []string
	var entries []AgingInvoice

	for _, r := range rows {
		outstanding := r.HMOAmount.Sub(r.Settled).Round(2)
		if !outstanding.IsPositive() {
			continue
		}
		days := daysBetween(r.CreatedAt, asOf, loc)
		bucket := BucketFor(days)

		payer := strings.TrimSpace(r.HMOName)
		if payer == "" {
			payer = UnknownPayer
		}
		pa, ok := byPayer[payer]
		if !ok {
			pa = &PayerAging{HMOName: payer}
			byPayer[payer] = pa
			order = append(order, payer)
		}
		pa.add(bucket, outstanding)
		report.Totals.add(bucket, outstanding)

		entries = append(entries, AgingInvoice{
			InvoiceID:      r.InvoiceID,
			InvoiceNumber:  r.InvoiceNumber,
			HospitalNumber: r.HospitalNumber,
			Patient:        r.Patient,
			HMOName:        payer,
			Days:           days,
			Bucket:         bucket,
			Outstanding:    outstanding,
			CreatedAt:      r.CreatedAt,
		})
	}

	report.Payers = make([]PayerAging, 0, len(order))
	for _, name := range order {
		report.Payers = append(report.Payers, *byPayer[name])
	}
	sort.SliceStable(report.Payers, func(i, j int) bool {
		if c := report.Payers[i].Total.Cmp(report.Payers[j].Total); c != 0 {
			return c > 0
		}
		return report.Payers[i].HMOName < report.Payers[j].HMOName
	})

	sort.SliceStable(entries, func(i, j int) bool {
		if c := entries[i].Outstanding.Cmp(entries[j].Outstanding); c != 0 {
			return c > 0
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if len(entries) > topOutstandingLimit {
		entries = entries[:topOutstandingLimit]
	}
	report.TopInvoices = entries
	if report.TopInvoices == nil {
		report.TopInvoices = []AgingInvoice{}
	}
	return report
}
