package visit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edh/hms/internal/domain/billing"
	"github.com/edh/hms/internal/platform/apperr"
	"github.com/edh/hms/internal/platform/auth"
	"github.com/edh/hms/internal/platform/db"
	"github.com/edh/hms/internal/platform/numbering"
)

// InvoiceGenerator builds or refreshes the invoice of a visit.
type InvoiceGenerator interface {
	GenerateInvoice(ctx context.Context, visitID uuid.UUID, actor auth.Actor) (*billing.Invoice, error)
}

type Service struct {
	tx       db.Transactor
	visits   VisitRepository
	orders   OrderRepository
	catalog  CatalogRepository
	invoices InvoiceGenerator
	numbers  *numbering.Generator
	now      func() time.Time
	logger   zerolog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger.With().Str("component", "visit").Logger() }
}

// WithNumbering replaces the visit number generator.
func WithNumbering(g *numbering.Generator) Option {
	return func(s *Service) { s.numbers = g }
}

// NewService issues visit numbers as HOSPITALCODE-V-YYYYMMDD-HHMMSS-XXXXXX
// with the date part in loc.
func NewService(tx db.Transactor, visits VisitRepository, orders OrderRepository, catalog CatalogRepository,
	invoices InvoiceGenerator, hospitalCode string, loc *time.Location, opts ...Option) *Service {
	if strings.TrimSpace(hospitalCode) == "" {
		hospitalCode = "EDH"
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Service{
		tx:       tx,
		visits:   visits,
		orders:   orders,
		catalog:  catalog,
		invoices: invoices,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.numbers == nil {
		s.numbers = numbering.New(strings.TrimSpace(hospitalCode)+"-V",
			numbering.WithLocation(loc), numbering.WithClock(s.now))
	}
	return s
}

// -- Visits --

func (s *Service) StartVisit(ctx context.Context, v *Visit, actor auth.Actor) error {
	if err := apperr.RequireRole(actor, auth.RoleFrontDesk, auth.RoleNurse, auth.RoleDoctor); err != nil {
		return err
	}
	v.VisitType = strings.ToUpper(strings.TrimSpace(v.VisitType))
	if v.VisitType == "" {
		v.VisitType = TypeOutpatient
	}
	if !validTypes[v.VisitType] {
		return apperr.Validation("visit_type must be one of OPD, ER, FU, ADM")
	}
	v.ChiefComplaint = strings.TrimSpace(v.ChiefComplaint)
	exists, err := s.visits.PatientExists(ctx, v.PatientID)
	if err != nil {
		return fmt.Errorf("check patient: %w", err)
	}
	if !exists {
		return apperr.NotFound("patient", v.PatientID)
	}
	v.Status = StatusOpen
	v.ClosedAt = nil

	err = db.WithUniqueRetry(db.DefaultMaxRetries, "visits_visit_number_key", func(int) error {
		number, err := s.numbers.Assign(ctx, s.visits.VisitNumberExists, uuid.Nil)
		if err != nil {
			return err
		}
		v.VisitNumber = number
		return s.visits.Create(ctx, v)
	})
	if err != nil {
		return fmt.Errorf("start visit: %w", err)
	}
	s.logger.Info().
		Str("visit_id", v.ID.String()).
		Str("visit_number", v.VisitNumber).
		Str("patient_id", v.PatientID.String()).
		Str("actor", actor.ID).
		Msg("visit started")
	return nil
}

// GetVisit returns the visit with its prescriptions and lab requests.
func (s *Service) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	v, err := s.visits.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Prescriptions, err = s.orders.Prescriptions(ctx, id); err != nil {
		return nil, fmt.Errorf("load prescriptions: %w", err)
	}
	if v.LabRequests, err = s.orders.LabRequests(ctx, id); err != nil {
		return nil, fmt.Errorf("load lab requests: %w", err)
	}
	return v, nil
}

func (s *Service) ListVisits(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error) {
	f.Status = strings.ToUpper(strings.TrimSpace(f.Status))
	return s.visits.List(ctx, f, limit, offset)
}

// openVisit locks the visit and fails when it is already closed.
func (s *Service) openVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	v, err := s.visits.LockByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Closed() {
		return nil, fmt.Errorf("%w: visit %s is closed", apperr.ErrConflict, v.VisitNumber)
	}
	return v, nil
}

func (s *Service) updateVisit(ctx context.Context, id uuid.UUID, change func(v *Visit) error) (*Visit, error) {
	var out *Visit
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		v, err := s.openVisit(ctx, id)
		if err != nil {
			return err
		}
		if err := change(v); err != nil {
			return err
		}
		out = v
		return s.visits.Update(ctx, v)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SendToDoctor queues an open visit for the doctors once triage is done.
func (s *Service) SendToDoctor(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Visit, error) {
	if err := apperr.RequireRole(actor, auth.RoleFrontDesk, auth.RoleNurse); err != nil {
		return nil, err
	}
	return s.updateVisit(ctx, id, func(v *Visit) error {
		if v.Status == StatusOpen {
			v.Status = StatusWaitingDoctor
		}
		return nil
	})
}

// TakeCase assigns the visit to the calling doctor.
func (s *Service) TakeCase(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Visit, error) {
	if err := apperr.RequireRole(actor, auth.RoleDoctor); err != nil {
		return nil, err
	}
	return s.updateVisit(ctx, id, func(v *Visit) error {
		v.Status = StatusInConsult
		v.DoctorID = actor.ID
		return nil
	})
}

// UpdateConsultation records the complaint and diagnosis. Empty values
// leave the stored ones unchanged.
func (s *Service) UpdateConsultation(ctx context.Context, id uuid.UUID, complaint, diagnosis string, actor auth.Actor) (*Visit, error) {
	if err := apperr.RequireRole(actor, auth.RoleDoctor); err != nil {
		return nil, err
	}
	return s.updateVisit(ctx, id, func(v *Visit) error {
		if c := strings.TrimSpace(complaint); c != "" {
			v.ChiefComplaint = c
		}
		if d := strings.TrimSpace(diagnosis); d != "" {
			v.Diagnosis = d
		}
		if v.DoctorID == "" {
			v.DoctorID = actor.ID
		}
		return nil
	})
}

// CloseVisit marks the visit closed and bills it in the same transaction.
// Closing a closed visit keeps the original closed_at and returns the
// visit's existing invoice.
func (s *Service) CloseVisit(ctx context.Context, id uuid.UUID, actor auth.Actor) (*Visit, *billing.Invoice, error) {
	if err := apperr.RequireRole(actor, auth.RoleDoctor); err != nil {
		return nil, nil, err
	}
	var (
		visit   *Visit
		invoice *billing.Invoice
		closed  bool
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		v, err := s.visits.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if !v.Closed() {
			now := s.now()
			v.Status = StatusClosed
			v.ClosedAt = &now
			if v.DoctorID == "" {
				v.DoctorID = actor.ID
			}
			if err := s.visits.Update(ctx, v); err != nil {
				return fmt.Errorf("close visit: %w", err)
			}
			closed = true
		}
		inv, err := s.invoices.GenerateInvoice(ctx, id, actor)
		if err != nil {
			return fmt.Errorf("bill visit %s: %w", v.VisitNumber, err)
		}
		visit, invoice = v, inv
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if closed {
		s.logger.Info().
			Str("visit_number", visit.VisitNumber).
			Str("invoice_number", invoice.InvoiceNumber).
			Str("total", invoice.TotalAmount.StringFixed(2)).
			Str("actor", actor.ID).
			Msg("visit closed")
	}
	return visit, invoice, nil
}

// -- Prescriptions --

func (s *Service) AddPrescription(ctx context.Context, p *Prescription, actor auth.Actor) error {
	if err := apperr.RequireRole(actor, auth.RoleDoctor); err != nil {
		return err
	}
	if p.Quantity < 0 {
		return apperr.Validation("quantity must be at least 1")
	}
	if p.Quantity == 0 {
		p.Quantity = 1
	}
	p.Dose = strings.TrimSpace(p.Dose)
	p.Frequency = strings.TrimSpace(p.Frequency)
	p.Duration = strings.TrimSpace(p.Duration)
	p.Instructions = strings.TrimSpace(p.Instructions)
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.openVisit(ctx, p.VisitID); err != nil {
			return err
		}
		drug, err := s.catalog.GetDrug(ctx, p.DrugID)
		if err != nil {
			return err
		}
		if !drug.Active {
			return apperr.Validation("drug %q is not active", drug.Name)
		}
		p.Status = PrescriptionPending
		if err := s.orders.AddPrescription(ctx, p); err != nil {
			return fmt.Errorf("add prescription: %w", err)
		}
		p.DrugName, p.Strength, p.DosageForm, p.UnitPrice = drug.Name, drug.Strength, drug.DosageForm, drug.Price
		return nil
	})
}

// UpdatePrescriptionStatus dispenses or cancels a pending prescription.
// Cancelled items drop off the next invoice rebuild.
func (s *Service) UpdatePrescriptionStatus(ctx context.Context, id uuid.UUID, status string, actor auth.Actor) (*Prescription, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	roles := []string{auth.RolePharmacy}
	if status == PrescriptionCancelled {
		roles = append(roles, auth.RoleDoctor)
	}
	if err := apperr.RequireRole(actor, roles...); err != nil {
		return nil, err
	}
	if status != PrescriptionDispensed && status != PrescriptionCancelled {
		return nil, apperr.Validation("status must be DISPENSED or CANCELLED")
	}
	p, err := s.orders.GetPrescription(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == status {
		return p, nil
	}
	if !canMove(prescriptionMoves, p.Status, status) {
		return nil, fmt.Errorf("%w: prescription is %s", apperr.ErrConflict, p.Status)
	}
	if err := s.orders.SetPrescriptionStatus(ctx, id, status); err != nil {
		return nil, err
	}
	p.Status = status
	s.logger.Info().Str("prescription_id", id.String()).Str("status", status).Str("actor", actor.ID).
		Msg("prescription updated")
	return p, nil
}

func (s *Service) PharmacyQueue(ctx context.Context, limit, offset int) ([]*Prescription, int, error) {
	return s.orders.PendingPrescriptions(ctx, limit, offset)
}

// -- Lab requests --

func (s *Service) AddLabRequest(ctx context.Context, r *LabRequest, actor auth.Actor) error {
	if err := apperr.RequireRole(actor, auth.RoleDoctor); err != nil {
		return err
	}
	r.Priority = strings.ToUpper(strings.TrimSpace(r.Priority))
	if r.Priority == "" {
		r.Priority = PriorityRoutine
	}
	if r.Priority != PriorityRoutine && r.Priority != PriorityUrgent {
		return apperr.Validation("priority must be ROUTINE or URGENT")
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.openVisit(ctx, r.VisitID); err != nil {
			return err
		}
		test, err := s.catalog.GetLabTest(ctx, r.LabTestID)
		if err != nil {
			return err
		}
		if !test.Active {
			return apperr.Validation("lab test %q is not active", test.Name)
		}
		r.Status = LabRequested
		if err := s.orders.AddLabRequest(ctx, r); err != nil {
			return fmt.Errorf("add lab request: %w", err)
		}
		r.TestName = test.Name
		return nil
	})
}

func (s *Service) moveLabRequest(ctx context.Context, id uuid.UUID, status, result string, actor auth.Actor) (*LabRequest, error) {
	if err := apperr.RequireRole(actor, auth.RoleLab); err != nil {
		return nil, err
	}
	r, err := s.orders.GetLabRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canMove(labMoves, r.Status, status) {
		return nil, fmt.Errorf("%w: lab request is %s", apperr.ErrConflict, r.Status)
	}
	r.Status = status
	if result != "" {
		r.ResultText = result
	}
	if err := s.orders.UpdateLabRequest(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Info().Str("lab_request_id", id.String()).Str("status", status).Str("actor", actor.ID).
		Msg("lab request updated")
	return r, nil
}

func (s *Service) CollectSample(ctx context.Context, id uuid.UUID, actor auth.Actor) (*LabRequest, error) {
	return s.moveLabRequest(ctx, id, LabSampleCollected, "", actor)
}

func (s *Service) RecordLabResult(ctx context.Context, id uuid.UUID, result string, actor auth.Actor) (*LabRequest, error) {
	result = strings.TrimSpace(result)
	if result == "" {
		return nil, apperr.Validation("result_text is required")
	}
	return s.moveLabRequest(ctx, id, LabResultReady, result, actor)
}

// -- Catalog --

func (s *Service) CreateDrug(ctx context.Context, d *Drug, actor auth.Actor) error {
	if err := apperr.RequireRole(actor, auth.RolePharmacy); err != nil {
		return err
	}
	d.Name = strings.TrimSpace(d.Name)
	d.Strength = strings.TrimSpace(d.Strength)
	d.DosageForm = strings.TrimSpace(d.DosageForm)
	if d.Name == "" {
		return apperr.Validation("name is required")
	}
	if d.Price.IsNegative() {
		return apperr.Validation("price must not be negative")
	}
	if !d.Price.Equal(d.Price.Round(2)) {
		return apperr.Validation("price has more than 2 decimal places")
	}
	d.Active = true
	return s.catalog.CreateDrug(ctx, d)
}

func (s *Service) ListDrugs(ctx context.Context, query string, activeOnly bool) ([]*Drug, error) {
	return s.catalog.ListDrugs(ctx, query, activeOnly)
}

func (s *Service) CreateLabTest(ctx context.Context, t *LabTest, actor auth.Actor) error {
	if err := apperr.RequireRole(actor, auth.RoleLab); err != nil {
		return err
	}
	t.Name = strings.TrimSpace(t.Name)
	t.Category = strings.TrimSpace(t.Category)
	if t.Name == "" {
		return apperr.Validation("name is required")
	}
	t.Active = true
	return s.catalog.CreateLabTest(ctx, t)
}

func (s *Service) ListLabTests(ctx context.Context, activeOnly bool) ([]*LabTest, error) {
	return s.catalog.ListLabTests(ctx, activeOnly)
}
