package patient

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	HospitalNumberExists(ctx context.Context, number string, excludeID uuid.UUID) (bool, error)
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByHospitalNumber(ctx context.Context, number string) (*Patient, error)
	// Update never touches hospital_number.
	Update(ctx context.Context, p *Patient) error
	Search(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error)
}

type HMORepository interface {
	Create(ctx context.Context, h *HMO) error
	GetByID(ctx context.Context, id uuid.UUID) (*HMO, error)
	List(ctx context.Context, activeOnly bool) ([]*HMO, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}
