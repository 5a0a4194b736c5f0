package visit

import (
	"context"

	"github.com/google/uuid"

	"github.com/edh/hms/internal/domain/billing"
	"github.com/edh/hms/internal/platform/db"
)

// billingSourcePG is the read model the billing service prices invoices from.
type billingSourcePG struct{ q db.Queryable }

func NewBillingSourcePG(q db.Queryable) billing.VisitSource { return &billingSourcePG{q: q} }

func (r *billingSourcePG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.q) }

const billablePatientCols = `p.id, p.hospital_number, TRIM(p.last_name || ' ' || p.first_name),
	p.is_hmo, COALESCE(h.name, '')`

func (r *billingSourcePG) BillablePatient(ctx context.Context, patientID uuid.UUID) (*billing.BillablePatient, error) {
	var p billing.BillablePatient
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT `+billablePatientCols+`
		FROM patients p LEFT JOIN hmos h ON h.id = p.hmo_id
		WHERE p.id = $1`, patientID).
		Scan(&p.PatientID, &p.HospitalNumber, &p.PatientName, &p.Insured, &p.HMOName)
	if err != nil {
		return nil, noRows(err, "patient", patientID)
	}
	return &p, nil
}

// BillableVisit loads the visit, its patient's cover, the non-cancelled
// prescriptions and the lab requests in order of entry.
func (r *billingSourcePG) BillableVisit(ctx context.Context, visitID uuid.UUID) (*billing.BillableVisit, error) {
	v := billing.BillableVisit{VisitID: visitID}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT v.visit_number, `+billablePatientCols+`
		FROM visits v
		JOIN patients p ON p.id = v.patient_id
		LEFT JOIN hmos h ON h.id = p.hmo_id
		WHERE v.id = $1`, visitID).
		Scan(&v.VisitNumber, &v.PatientID, &v.HospitalNumber, &v.PatientName, &v.Insured, &v.HMOName)
	if err != nil {
		return nil, noRows(err, "visit", visitID)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT d.name, d.strength, d.dosage_form, d.price, rx.quantity
		FROM prescriptions rx JOIN drugs d ON d.id = rx.drug_id
		WHERE rx.visit_id = $1 AND rx.status <> 'CANCELLED'
		ORDER BY rx.created_at, rx.id`, visitID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var d billing.BillableDrug
		if err := rows.Scan(&d.Name, &d.Strength, &d.Form, &d.UnitPrice, &d.Quantity); err != nil {
			rows.Close()
			return nil, err
		}
		v.Drugs = append(v.Drugs, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.conn(ctx).Query(ctx, `
		SELECT t.name
		FROM lab_requests lr JOIN lab_tests t ON t.id = lr.lab_test_id
		WHERE lr.visit_id = $1
		ORDER BY lr.requested_at, lr.id`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l billing.BillableLab
		if err := rows.Scan(&l.Name); err != nil {
			return nil, err
		}
		v.Labs = append(v.Labs, l)
	}
	return &v, rows.Err()
}
