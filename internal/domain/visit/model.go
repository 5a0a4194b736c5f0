package visit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TypeOutpatient = "OPD"
	TypeEmergency  = "ER"
	TypeFollowUp   = "FU"
	TypeAdmission  = "ADM"
)

const (
	StatusOpen          = "OPEN"
	StatusWaitingDoctor = "WAITING_DOCTOR"
	StatusInConsult     = "IN_CONSULT"
	StatusClosed        = "CLOSED"
)

const (
	PrescriptionPending   = "PENDING"
	PrescriptionDispensed = "DISPENSED"
	PrescriptionCancelled = "CANCELLED"
)

const (
	LabRequested       = "REQUESTED"
	LabSampleCollected = "SAMPLE_COLLECTED"
	LabResultReady     = "RESULT_READY"
)

const (
	PriorityRoutine = "ROUTINE"
	PriorityUrgent  = "URGENT"
)

var validTypes = map[string]bool{TypeOutpatient: true, TypeEmergency: true, TypeFollowUp: true, TypeAdmission: true}

// prescriptionMoves lists the statuses a prescription may move to.
// DISPENSED and CANCELLED are final.
var prescriptionMoves = map[string][]string{
	PrescriptionPending: {PrescriptionDispensed, PrescriptionCancelled},
}

var labMoves = map[string][]string{
	LabRequested:       {LabSampleCollected, LabResultReady},
	LabSampleCollected: {LabResultReady},
}

func canMove(moves map[string][]string, from, to string) bool {
	for _, s := range moves[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Visit maps to the visits table.
type Visit struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	VisitNumber    string     `db:"visit_number" json:"visit_number"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	VisitType      string     `db:"visit_type" json:"visit_type"`
	Status         string     `db:"status" json:"status"`
	DoctorID       string     `db:"doctor_id" json:"doctor_id,omitempty"`
	ChiefComplaint string     `db:"chief_complaint" json:"chief_complaint,omitempty"`
	Diagnosis      string     `db:"diagnosis" json:"diagnosis,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	ClosedAt       *time.Time `db:"closed_at" json:"closed_at,omitempty"`

	// Joined from patients.
	PatientName    string `json:"patient_name,omitempty"`
	HospitalNumber string `json:"hospital_number,omitempty"`

	Prescriptions []*Prescription `json:"prescriptions,omitempty"`
	LabRequests   []*LabRequest   `json:"lab_requests,omitempty"`
}

func (v *Visit) Closed() bool { return v.Status == StatusClosed }

// VisitFilter narrows ListVisits. Zero fields are ignored.
type VisitFilter struct {
	PatientID *uuid.UUID
	Status    string
	DoctorID  string
	// Active selects every status except CLOSED.
	Active bool
}

// Drug maps to the drugs table.
type Drug struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	Name       string          `db:"name" json:"name"`
	Strength   string          `db:"strength" json:"strength,omitempty"`
	DosageForm string          `db:"dosage_form" json:"dosage_form,omitempty"`
	Price      decimal.Decimal `db:"price" json:"price"`
	Active     bool            `db:"active" json:"active"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// Prescription maps to the prescriptions table.
type Prescription struct {
	ID           uuid.UUID `db:"id" json:"id"`
	VisitID      uuid.UUID `db:"visit_id" json:"visit_id"`
	DrugID       uuid.UUID `db:"drug_id" json:"drug_id"`
	Quantity     int       `db:"quantity" json:"quantity"`
	Dose         string    `db:"dose" json:"dose,omitempty"`
	Frequency    string    `db:"frequency" json:"frequency,omitempty"`
	Duration     string    `db:"duration" json:"duration,omitempty"`
	Instructions string    `db:"instructions" json:"instructions,omitempty"`
	Status       string    `db:"status" json:"status"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`

	// Joined from drugs.
	DrugName   string          `json:"drug_name,omitempty"`
	Strength   string          `json:"strength,omitempty"`
	DosageForm string          `json:"dosage_form,omitempty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// LabTest maps to the lab_tests table.
type LabTest struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Category  string    `db:"category" json:"category,omitempty"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// LabRequest maps to the lab_requests table.
type LabRequest struct {
	ID          uuid.UUID `db:"id" json:"id"`
	VisitID     uuid.UUID `db:"visit_id" json:"visit_id"`
	LabTestID   uuid.UUID `db:"lab_test_id" json:"lab_test_id"`
	Priority    string    `db:"priority" json:"priority"`
	Status      string    `db:"status" json:"status"`
	ResultText  string    `db:"result_text" json:"result_text,omitempty"`
	RequestedAt time.Time `db:"requested_at" json:"requested_at"`

	// Joined from lab_tests.
	TestName string `json:"test_name,omitempty"`
}
