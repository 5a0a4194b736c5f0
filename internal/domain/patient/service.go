package patient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edh/hms/internal/platform/apperr"
	"github.com/edh/hms/internal/platform/auth"
	"github.com/edh/hms/internal/platform/db"
	"github.com/edh/hms/internal/platform/numbering"
)

type Service struct {
	patients PatientRepository
	hmos     HMORepository
	numbers  *numbering.Generator
	logger   zerolog.Logger
}

type Option func(*Service)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger.With().Str("component", "patient").Logger() }
}

// WithNumbering replaces the hospital number generator.
func WithNumbering(g *numbering.Generator) Option {
	return func(s *Service) { s.numbers = g }
}

// NewService issues hospital numbers as HOSPITALCODE-YYYYMMDD-HHMMSS-XXXXXX
// with the date part in loc.
func NewService(patients PatientRepository, hmos HMORepository, hospitalCode string, loc *time.Location, opts ...Option) *Service {
	if strings.TrimSpace(hospitalCode) == "" {
		hospitalCode = "EDH"
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Service{
		patients: patients,
		hmos:     hmos,
		numbers:  numbering.New(hospitalCode, numbering.WithLocation(loc)),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Patient --

func (s *Service) validate(ctx context.Context, p *Patient) error {
	p.normalize()
	if p.FirstName == "" || p.LastName == "" {
		return apperr.Validation("first_name and last_name are required")
	}
	if !validGenders[p.Gender] {
		return apperr.Validation("gender must be MALE, FEMALE or OTHER")
	}
	if !p.IsHMO {
		return nil
	}
	if p.HMOID == nil {
		return apperr.Validation("hmo_id is required for HMO patients")
	}
	h, err := s.hmos.GetByID(ctx, *p.HMOID)
	if err != nil {
		return err
	}
	if !h.Active {
		return apperr.Validation("HMO %q is not active", h.Name)
	}
	p.HMOName = h.Name
	return nil
}

// RegisterPatient stores a new patient under a freshly issued hospital number.
func (s *Service) RegisterPatient(ctx context.Context, p *Patient, actor auth.Actor) error {
	if err := apperr.RequireRole(actor, auth.RoleFrontDesk, auth.RoleBilling); err != nil {
		return err
	}
	if err := s.validate(ctx, p); err != nil {
		return err
	}
	err := db.WithUniqueRetry(db.DefaultMaxRetries, "patients_hospital_number_key", func(int) error {
		number, err := s.numbers.Assign(ctx, s.patients.HospitalNumberExists, uuid.Nil)
		if err != nil {
			return err
		}
		p.HospitalNumber = number
		return s.patients.Create(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("register patient: %w", err)
	}
	s.logger.Info().
		Str("patient_id", p.ID.String()).
		Str("hospital_number", p.HospitalNumber).
		Bool("is_hmo", p.IsHMO).
		Str("actor", actor.ID).
		Msg("patient registered")
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetPatientByHospitalNumber(ctx context.Context, number string) (*Patient, error) {
	return s.patients.GetByHospitalNumber(ctx, strings.ToUpper(strings.TrimSpace(number)))
}

func (s *Service) SearchPatients(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	return s.patients.Search(ctx, query, limit, offset)
}

// UpdatePatient replaces the demographic and cover details. The hospital
// number is kept as issued.
func (s *Service) UpdatePatient(ctx context.Context, p *Patient, actor auth.Actor) error {
	if err := apperr.RequireRole(actor, auth.RoleFrontDesk, auth.RoleBilling); err != nil {
		return err
	}
	existing, err := s.patients.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := s.validate(ctx, p); err != nil {
		return err
	}
	p.HospitalNumber = existing.HospitalNumber
	p.CreatedAt = existing.CreatedAt
	return s.patients.Update(ctx, p)
}

// -- HMO --

func (s *Service) CreateHMO(ctx context.Context, h *HMO, actor auth.Actor) error {
	if err := apperr.RequireRole(actor, auth.RoleBilling); err != nil {
		return err
	}
	h.Name = strings.TrimSpace(h.Name)
	if h.Name == "" {
		return apperr.Validation("name is required")
	}
	h.Active = true
	if err := s.hmos.Create(ctx, h); err != nil {
		return err
	}
	s.logger.Info().Str("hmo_id", h.ID.String()).Str("hmo", h.Name).Msg("hmo created")
	return nil
}

func (s *Service) GetHMO(ctx context.Context, id uuid.UUID) (*HMO, error) {
	return s.hmos.GetByID(ctx, id)
}

func (s *Service) ListHMOs(ctx context.Context, activeOnly bool) ([]*HMO, error) {
	return s.hmos.List(ctx, activeOnly)
}

// SetHMOActive retires or restores an HMO. Patients already on an inactive
// HMO keep it; new registrations are refused.
func (s *Service) SetHMOActive(ctx context.Context, id uuid.UUID, active bool, actor auth.Actor) error {
	if err := apperr.RequireRole(actor, auth.RoleBilling); err != nil {
		return err
	}
	return s.hmos.SetActive(ctx, id, active)
}
