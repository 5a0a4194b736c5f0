package visit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edh/hms/internal/platform/apperr"
	"github.com/edh/hms/internal/platform/db"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

func noRows(err error, what string, id interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(what, id)
	}
	return err
}

// =========== Visit Repository ===========

type visitRepoPG struct{ q db.Queryable }

func NewVisitRepoPG(q db.Queryable) VisitRepository { return &visitRepoPG{q: q} }

func (r *visitRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.q) }

const visitCols = `v.id, v.visit_number, v.patient_id, v.visit_type, v.status, v.doctor_id,
	v.chief_complaint, v.diagnosis, v.created_at, v.updated_at, v.closed_at,
	TRIM(p.last_name || ' ' || p.first_name), p.hospital_number`

const visitFrom = ` FROM visits v JOIN patients p ON p.id = v.patient_id`

func scanVisit(row scanner) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.VisitNumber, &v.PatientID, &v.VisitType, &v.Status, &v.DoctorID,
		&v.ChiefComplaint, &v.Diagnosis, &v.CreatedAt, &v.UpdatedAt, &v.ClosedAt,
		&v.PatientName, &v.HospitalNumber)
	return &v, err
}

func (r *visitRepoPG) PatientExists(ctx context.Context, patientID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, patientID).Scan(&exists)
	return exists, err
}

func (r *visitRepoPG) VisitNumberExists(ctx context.Context, number string, excludeID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM visits WHERE visit_number = $1 AND id <> $2)`,
		number, excludeID).Scan(&exists)
	return exists, err
}

func (r *visitRepoPG) Create(ctx context.Context, v *Visit) error {
	v.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visits (id, visit_number, patient_id, visit_type, status, doctor_id, chief_complaint)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		v.ID, v.VisitNumber, v.PatientID, v.VisitType, v.Status, v.DoctorID, v.ChiefComplaint,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
}

func (r *visitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+visitFrom+` WHERE v.id = $1`, id))
	if err != nil {
		return nil, noRows(err, "visit", id)
	}
	return v, nil
}

func (r *visitRepoPG) LockByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx,
		`SELECT `+visitCols+visitFrom+` WHERE v.id = $1 FOR UPDATE OF v`, id))
	if err != nil {
		return nil, noRows(err, "visit", id)
	}
	return v, nil
}

func (r *visitRepoPG) List(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.PatientID != nil {
		add("v.patient_id = $%d", *f.PatientID)
	}
	if f.Status != "" {
		add("v.status = $%d", f.Status)
	}
	if f.DoctorID != "" {
		add("v.doctor_id = $%d", f.DoctorID)
	}
	if f.Active {
		where = append(where, "v.status <> 'CLOSED'")
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+visitFrom+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s%s%s ORDER BY v.created_at DESC LIMIT $%d OFFSET $%d`,
			visitCols, visitFrom, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}

func (r *visitRepoPG) Update(ctx context.Context, v *Visit) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE visits SET status=$2, doctor_id=$3, chief_complaint=$4, diagnosis=$5,
			closed_at=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		v.ID, v.Status, v.DoctorID, v.ChiefComplaint, v.Diagnosis, v.ClosedAt).Scan(&v.UpdatedAt)
	return noRows(err, "visit", v.ID)
}

// =========== Order Repository ===========

type orderRepoPG struct{ q db.Queryable }

func NewOrderRepoPG(q db.Queryable) OrderRepository { return &orderRepoPG{q: q} }

func (r *orderRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.q) }

const rxCols = `rx.id, rx.visit_id, rx.drug_id, rx.quantity, rx.dose, rx.frequency, rx.duration,
	rx.instructions, rx.status, rx.created_at, d.name, d.strength, d.dosage_form, d.price`

const rxFrom = ` FROM prescriptions rx JOIN drugs d ON d.id = rx.drug_id`

func scanPrescription(row scanner) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.VisitID, &p.DrugID, &p.Quantity, &p.Dose, &p.Frequency, &p.Duration,
		&p.Instructions, &p.Status, &p.CreatedAt, &p.DrugName, &p.Strength, &p.DosageForm, &p.UnitPrice)
	return &p, err
}

func (r *orderRepoPG) AddPrescription(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescriptions (id, visit_id, drug_id, quantity, dose, frequency, duration, instructions, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		p.ID, p.VisitID, p.DrugID, p.Quantity, p.Dose, p.Frequency, p.Duration, p.Instructions, p.Status,
	).Scan(&p.CreatedAt)
}

func (r *orderRepoPG) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+rxCols+rxFrom+` WHERE rx.id = $1`, id))
	if err != nil {
		return nil, noRows(err, "prescription", id)
	}
	return p, nil
}

func (r *orderRepoPG) SetPrescriptionStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE prescriptions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("prescription", id)
	}
	return nil
}

func (r *orderRepoPG) listPrescriptions(ctx context.Context, sql string, args ...interface{}) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *orderRepoPG) Prescriptions(ctx context.Context, visitID uuid.UUID) ([]*Prescription, error) {
	return r.listPrescriptions(ctx,
		`SELECT `+rxCols+rxFrom+` WHERE rx.visit_id = $1 ORDER BY rx.created_at, rx.id`, visitID)
}

// PendingPrescriptions is the pharmacy queue, oldest first.
func (r *orderRepoPG) PendingPrescriptions(ctx context.Context, limit, offset int) ([]*Prescription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM prescriptions WHERE status = 'PENDING'`).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.listPrescriptions(ctx,
		`SELECT `+rxCols+rxFrom+` WHERE rx.status = 'PENDING' ORDER BY rx.created_at, rx.id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

const labCols = `lr.id, lr.visit_id, lr.lab_test_id, lr.priority, lr.status, lr.result_text, lr.requested_at, t.name`

const labFrom = ` FROM lab_requests lr JOIN lab_tests t ON t.id = lr.lab_test_id`

func scanLabRequest(row scanner) (*LabRequest, error) {
	var l LabRequest
	err := row.Scan(&l.ID, &l.VisitID, &l.LabTestID, &l.Priority, &l.Status, &l.ResultText, &l.RequestedAt, &l.TestName)
	return &l, err
}

func (r *orderRepoPG) AddLabRequest(ctx context.Context, l *LabRequest) error {
	l.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_requests (id, visit_id, lab_test_id, priority, status)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING requested_at`,
		l.ID, l.VisitID, l.LabTestID, l.Priority, l.Status).Scan(&l.RequestedAt)
}

func (r *orderRepoPG) GetLabRequest(ctx context.Context, id uuid.UUID) (*LabRequest, error) {
	l, err := scanLabRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+labCols+labFrom+` WHERE lr.id = $1`, id))
	if err != nil {
		return nil, noRows(err, "lab request", id)
	}
	return l, nil
}

func (r *orderRepoPG) UpdateLabRequest(ctx context.Context, l *LabRequest) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE lab_requests SET status = $2, result_text = $3 WHERE id = $1`, l.ID, l.Status, l.ResultText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("lab request", l.ID)
	}
	return nil
}

func (r *orderRepoPG) LabRequests(ctx context.Context, visitID uuid.UUID) ([]*LabRequest, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+labCols+labFrom+` WHERE lr.visit_id = $1 ORDER BY lr.requested_at, lr.id`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*LabRequest
	for rows.Next() {
		l, err := scanLabRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// =========== Catalog Repository ===========

type catalogRepoPG struct{ q db.Queryable }

func NewCatalogRepoPG(q db.Queryable) CatalogRepository { return &catalogRepoPG{q: q} }

func (r *catalogRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.q) }

const drugCols = `id, name, strength, dosage_form, price, active, created_at`

func scanDrug(row scanner) (*Drug, error) {
	var d Drug
	err := row.Scan(&d.ID, &d.Name, &d.Strength, &d.DosageForm, &d.Price, &d.Active, &d.CreatedAt)
	return &d, err
}

func (r *catalogRepoPG) CreateDrug(ctx context.Context, d *Drug) error {
	d.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO drugs (id, name, strength, dosage_form, price, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		d.ID, d.Name, d.Strength, d.DosageForm, d.Price, d.Active).Scan(&d.CreatedAt)
}

func (r *catalogRepoPG) GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error) {
	d, err := scanDrug(r.conn(ctx).QueryRow(ctx, `SELECT `+drugCols+` FROM drugs WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "drug", id)
	}
	return d, nil
}

func (r *catalogRepoPG) ListDrugs(ctx context.Context, query string, activeOnly bool) ([]*Drug, error) {
	var where []string
	var args []interface{}
	if q := strings.TrimSpace(query); q != "" {
		args = append(args, "%"+q+"%")
		where = append(where, "name ILIKE $1")
	}
	if activeOnly {
		where = append(where, "active")
	}
	sql := `SELECT ` + drugCols + ` FROM drugs`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := r.conn(ctx).Query(ctx, sql+` ORDER BY name, strength`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Drug
	for rows.Next() {
		d, err := scanDrug(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const labTestCols = `id, name, category, active, created_at`

func scanLabTest(row scanner) (*LabTest, error) {
	var t LabTest
	err := row.Scan(&t.ID, &t.Name, &t.Category, &t.Active, &t.CreatedAt)
	return &t, err
}

func (r *catalogRepoPG) CreateLabTest(ctx context.Context, t *LabTest) error {
	t.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_tests (id, name, category, active)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at`,
		t.ID, t.Name, t.Category, t.Active).Scan(&t.CreatedAt)
	if db.IsUniqueViolation(err, "lab_tests_name_key") {
		return fmt.Errorf("%w: a lab test named %q already exists", apperr.ErrConflict, t.Name)
	}
	return err
}

func (r *catalogRepoPG) GetLabTest(ctx context.Context, id uuid.UUID) (*LabTest, error) {
	t, err := scanLabTest(r.conn(ctx).QueryRow(ctx, `SELECT `+labTestCols+` FROM lab_tests WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "lab test", id)
	}
	return t, nil
}

func (r *catalogRepoPG) ListLabTests(ctx context.Context, activeOnly bool) ([]*LabTest, error) {
	sql := `SELECT ` + labTestCols + ` FROM lab_tests`
	if activeOnly {
		sql += ` WHERE active`
	}
	rows, err := r.conn(ctx).Query(ctx, sql+` ORDER BY category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*LabTest
	for rows.Next() {
		t, err := scanLabTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
