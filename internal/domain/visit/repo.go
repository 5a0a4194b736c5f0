package visit

import (
	"context"

	"github.com/google/uuid"
)

type VisitRepository interface {
	PatientExists(ctx context.Context, patientID uuid.UUID) (bool, error)
	VisitNumberExists(ctx context.Context, number string, excludeID uuid.UUID) (bool, error)
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	// LockByID takes a row lock held until the transaction ends.
	LockByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	List(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error)
	// Update writes status, doctor, complaint, diagnosis and closed_at.
	// visit_number is never rewritten.
	Update(ctx context.Context, v *Visit) error
}

type OrderRepository interface {
	AddPrescription(ctx context.Context, p *Prescription) error
	GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error)
	SetPrescriptionStatus(ctx context.Context, id uuid.UUID, status string) error
	Prescriptions(ctx context.Context, visitID uuid.UUID) ([]*Prescription, error)
	PendingPrescriptions(ctx context.Context, limit, offset int) ([]*Prescription, int, error)

	AddLabRequest(ctx context.Context, r *LabRequest) error
	GetLabRequest(ctx context.Context, id uuid.UUID) (*LabRequest, error)
	UpdateLabRequest(ctx context.Context, r *LabRequest) error
	LabRequests(ctx context.Context, visitID uuid.UUID) ([]*LabRequest, error)
}

type CatalogRepository interface {
	CreateDrug(ctx context.Context, d *Drug) error
	GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error)
	ListDrugs(ctx context.Context, query string, activeOnly bool) ([]*Drug, error)
	CreateLabTest(ctx context.Context, t *LabTest) error
	GetLabTest(ctx context.Context, id uuid.UUID) (*LabTest, error)
	ListLabTests(ctx context.Context, activeOnly bool) ([]*LabTest, error)
}
