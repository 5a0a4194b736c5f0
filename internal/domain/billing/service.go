package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/edh/hms/internal/platform/auth"
	"github.com/edh/hms/internal/platform/db"
	"github.com/edh/hms/internal/platform/numbering"
)

type Service struct {
	tx        db.Transactor
	invoices  InvoiceRepository
	payments  PaymentRepository
	claims    ClaimRepository
	followups FollowUpRepository
	reports   DashboardRepository
	visits    VisitSource

	rates        Rates
	numbers      *numbering.Generator
	hospitalCode string
	loc          *time.Location
	now          func() time.Time
	logger       zerolog.Logger
}

type Option func(*Service)

// WithLocation sets the zone that calendar dates are computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger.With().Str("component", "billing").Logger() }
}

// WithNumbering replaces the invoice number generator.
func WithNumbering(g *numbering.Generator) Option {
	return func(s *Service) { s.numbers = g }
}

// WithHospitalCode sets the prefix used for export file names.
func WithHospitalCode(code string) Option {
	return func(s *Service) { s.hospitalCode = strings.ToUpper(strings.TrimSpace(code)) }
}

func NewService(tx db.Transactor, inv InvoiceRepository, pay PaymentRepository, cl ClaimRepository,
	fu FollowUpRepository, rep DashboardRepository, visits VisitSource, rates Rates, opts ...Option) *Service {
	s := &Service{
		tx:           tx,
		invoices:     inv,
		payments:     pay,
		claims:       cl,
		followups:    fu,
		reports:      rep,
		visits:       visits,
		rates:        rates,
		hospitalCode: "EDH",
		loc:          time.UTC,
		now:          time.Now,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.numbers == nil {
		s.numbers = numbering.New("INV", numbering.WithLocation(s.loc), numbering.WithClock(s.now))
	}
	return s
}

// Rates returns the tariff the service bills with.
func (s *Service) Rates() Rates { return s.rates }

func (s *Service) today() time.Time { return civilDate(s.now(), s.loc) }

// -- Invoice Builder --

// GenerateInvoice creates or refreshes the invoice of a visit. It can be
// called any number of times; each call rebuilds the lines from the visit's
// current orders and recomputes the totals inside one transaction.
func (s *Service) GenerateInvoice(ctx context.Context, visitID uuid.UUID, actor auth.Actor) (*Invoice, error) {
	if err := requireRole(actor, auth.RoleBilling, auth.RoleDoctor); err != nil {
		return nil, err
	}
	var out *Invoice
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := s.rebuildVisitInvoice(ctx, visitID, actor)
		out = inv
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) rebuildVisitInvoice(ctx context.Context, visitID uuid.UUID, actor auth.Actor) (*Invoice, error) {
	visit, err := s.visits.BillableVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}

	inv, err := s.invoices.LockByVisit(ctx, visitID)
	if errors.Is(err, ErrNotFound) {
		inv, err = s.openVisitInvoice(ctx, visit, actor)
	}
	if err != nil {
		return nil, fmt.Errorf("load invoice for visit %s: %w", visitID, err)
	}

	inv.HMOName = visit.Patient().PayerName()
	applyLines(inv, BuildLines(visit, s.rates))
	paid, err := s.payments.SumPatientPaid(ctx, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("sum payments: %w", err)
	}
	applyPaid(inv, paid)

	if err := s.invoices.ReplaceLines(ctx, inv.ID, inv.Lines); err != nil {
		return nil, fmt.Errorf("replace invoice lines: %w", err)
	}
	if err := s.invoices.UpdateTotals(ctx, inv); err != nil {
		return nil, fmt.Errorf("update invoice totals: %w", err)
	}

	inv.PatientName = visit.PatientName
	inv.HospitalNumber = visit.HospitalNumber
	inv.VisitNumber = visit.VisitNumber
	return inv, nil
}

// openVisitInvoice inserts the invoice header of a visit. A concurrent
// writer may win the insert, in which case its row is returned locked.
func (s *Service) openVisitInvoice(ctx context.Context, visit *BillableVisit, actor auth.Actor) (*Invoice, error) {
	for attempt := 0; attempt <= db.DefaultMaxRetries; attempt++ {
		visitID := visit.VisitID
		inv := &Invoice{
			PatientID: visit.PatientID,
			VisitID:   &visitID,
			HMOName:   visit.Patient().PayerName(),
			Status:    StatusUnpaid,
			HMOState:  PayerOK,
			CreatedBy: actor.ID,
		}
		inserted, err := s.insertInvoice(ctx, inv)
		if err != nil {
			return nil, err
		}
		if inserted {
			return inv, nil
		}

		existing, err := s.invoices.LockByVisit(ctx, visit.VisitID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		s.logger.Warn().Str("invoice_number", inv.InvoiceNumber).Int("attempt", attempt).
			Msg("invoice number taken, retrying")
	}
	return nil, fmt.Errorf("%w: no free invoice number after %d attempts", ErrConflict, db.DefaultMaxRetries+1)
}

func (s *Service) insertInvoice(ctx context.Context, inv *Invoice) (bool, error) {
	number, err := s.numbers.Assign(ctx, s.invoices.NumberExists, uuid.Nil)
	if err != nil {
		return false, err
	}
	inv.InvoiceNumber = number
	inserted, err := s.invoices.Insert(ctx, inv)
	if err != nil {
		return false, fmt.Errorf("insert invoice: %w", err)
	}
	return inserted, nil
}

// CreateStandaloneInvoice bills charges that do not belong to a visit,
// such as a walk-in pharmacy sale.
func (s *Service) CreateStandaloneInvoice(ctx context.Context, patientID uuid.UUID, items []LineInput, actor auth.Actor) (*Invoice, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return nil, err
	}
	patient, err := s.visits.BillablePatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	lines, err := BuildManualLines(items, patient.Insured, s.rates)
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		PatientID: patient.PatientID,
		HMOName:   patient.PayerName(),
		HMOState:  PayerOK,
		CreatedBy: actor.ID,
	}
	applyLines(inv, lines)
	applyPaid(inv, decimal.Zero)

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inserted := false
		for attempt := 0; attempt <= db.DefaultMaxRetries && !inserted; attempt++ {
			if inserted, err = s.insertInvoice(ctx, inv); err != nil {
				return err
			}
		}
		if !inserted {
			return fmt.Errorf("%w: no free invoice number", ErrConflict)
		}
		return s.invoices.ReplaceLines(ctx, inv.ID, inv.Lines)
	})
	if err != nil {
		return nil, err
	}
	inv.PatientName = patient.PatientName
	inv.HospitalNumber = patient.HospitalNumber
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	lines, err := s.invoices.Lines(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load invoice lines: %w", err)
	}
	inv.Lines = lines
	return inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	f.Status = strings.ToUpper(strings.TrimSpace(f.Status))
	f.HMOName = strings.TrimSpace(f.HMOName)
	f.Query = strings.TrimSpace(f.Query)
	return s.invoices.List(ctx, f, limit, offset)
}

// -- Payment Ledger --

// RecordPayment applies a patient payment and refreshes the invoice.
func (s *Service) RecordPayment(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, method, reference string, actor auth.Actor) (*Payment, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return nil, err
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	switch {
	case !amount.IsPositive():
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	case !amount.Equal(amount.Round(2)):
		return nil, fmt.Errorf("%w: amount must have at most two decimal places", ErrValidation)
	case method == MethodHMO:
		return nil, fmt.Errorf("%w: HMO settlements are posted through claim batches", ErrValidation)
	case !IsPatientMethod(method):
		return nil, fmt.Errorf("%w: method must be one of CASH, POS, TRANSFER", ErrValidation)
	}

	p := &Payment{
		InvoiceID:  invoiceID,
		Amount:     amount,
		Method:     method,
		Reference:  strings.TrimSpace(reference),
		ReceivedBy: actor.ID,
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := s.invoices.LockByID(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := s.payments.Create(ctx, p); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		if inv.VisitID != nil {
			_, err = s.rebuildVisitInvoice(ctx, *inv.VisitID, actor)
			return err
		}
		paid, err := s.payments.SumPatientPaid(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("sum payments: %w", err)
		}
		applyPaid(inv, paid)
		return s.invoices.UpdatePaid(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PostSettlement records HMO funds against an invoice. It never touches the
// patient balance and reports false when the same reference was already
// posted for the invoice.
func (s *Service) PostSettlement(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, reference string, actor auth.Actor) (bool, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return false, err
	}
	if !amount.IsPositive() {
		return false, fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return false, err
	}
	return s.postSettlement(ctx, invoiceID, amount, strings.TrimSpace(reference), actor)
}

func (s *Service) postSettlement(ctx context.Context, invoiceID uuid.UUID, amount decimal.Decimal, reference string, actor auth.Actor) (bool, error) {
	posted, err := s.payments.InsertSettlement(ctx, &Payment{
		InvoiceID:  invoiceID,
		Amount:     amount,
		Method:     MethodHMO,
		Reference:  reference,
		ReceivedBy: actor.ID,
	})
	if err != nil {
		return false, fmt.Errorf("post settlement: %w", err)
	}
	return posted, nil
}

func (s *Service) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.payments.ListByInvoice(ctx, invoiceID)
}
