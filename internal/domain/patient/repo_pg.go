package patient

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

// =========== Patient Repository ===========

type patientRepoPG struct{ q db.Queryable }

func NewPatientRepoPG(q db.Queryable) PatientRepository { return &patientRepoPG{q: q} }

func (r *patientRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.q) }

const patientCols = `p.id, p.hospital_number, p.first_name, p.last_name, p.other_names, p.gender,
	p.date_of_birth, p.phone, p.email, p.address, p.is_hmo, p.hmo_id, p.hmo_id_number,
	p.next_of_kin_name, p.next_of_kin_phone, p.created_at, p.updated_at, COALESCE(h.name, '')`

const patientFrom = ` FROM patients p LEFT JOIN hmos h ON h.id = p.hmo_id`

func scanPatient(row scanner) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.HospitalNumber, &p.FirstName, &p.LastName, &p.OtherNames, &p.Gender,
		&p.DateOfBirth, &p.Phone, &p.Email, &p.Address, &p.IsHMO, &p.HMOID, &p.HMOIDNumber,
		&p.NextOfKinName, &p.NextOfKinPhone, &p.CreatedAt, &p.UpdatedAt, &p.HMOName)
	return &p, err
}

func (r *patientRepoPG) HospitalNumberExists(ctx context.Context, number string, excludeID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patients WHERE hospital_number = $1 AND id <> $2)`,
		number, excludeID).Scan(&exists)
	return exists, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, hospital_number, first_name, last_name, other_names, gender,
			date_of_birth, phone, email, address, is_hmo, hmo_id, hmo_id_number,
			next_of_kin_name, next_of_kin_phone)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`,
		p.ID, p.HospitalNumber, p.FirstName, p.LastName, p.OtherNames, p.Gender,
		p.DateOfBirth, p.Phone, p.Email, p.Address, p.IsHMO, p.HMOID, p.HMOIDNumber,
		p.NextOfKinName, p.NextOfKinPhone).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+patientFrom+` WHERE p.id = $1`, id))
	if err != nil {
		return nil, noRows(err, "patient", id)
	}
	return p, nil
}

func (r *patientRepoPG) GetByHospitalNumber(ctx context.Context, number string) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+patientFrom+` WHERE p.hospital_number = $1`, number))
	if err != nil {
		return nil, noRows(err, "patient", number)
	}
	return p, nil
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET first_name=$2, last_name=$3, other_names=$4, gender=$5,
			date_of_birth=$6, phone=$7, email=$8, address=$9, is_hmo=$10, hmo_id=$11,
			hmo_id_number=$12, next_of_kin_name=$13, next_of_kin_phone=$14, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.FirstName, p.LastName, p.OtherNames, p.Gender,
		p.DateOfBirth, p.Phone, p.Email, p.Address, p.IsHMO, p.HMOID,
		p.HMOIDNumber, p.NextOfKinName, p.NextOfKinPhone)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("patient", p.ID)
	}
	return nil
}

// Search matches query against the hospital number, names and phone.
// An empty query lists everyone.
func (r *patientRepoPG) Search(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	where := ""
	var args []interface{}
	if q := strings.TrimSpace(query); q != "" {
		args = append(args, "%"+q+"%")
		where = ` WHERE (p.hospital_number ILIKE $1 OR p.first_name ILIKE $1 OR p.last_name ILIKE $1 OR p.phone ILIKE $1)`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+patientFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	sql := fmt.Sprintf(`SELECT %s%s%s ORDER BY p.last_name, p.first_name LIMIT $%d OFFSET $%d`,
		patientCols, patientFrom, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, sql, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

// =========== HMO Repository ===========

type hmoRepoPG struct{ q db.Queryable }

func NewHMORepoPG(q db.Queryable) HMORepository { return &hmoRepoPG{q: q} }

func (r *hmoRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.q) }

const hmoCols = `id, name, contact_person, contact_phone, email, address, active, created_at`

func scanHMO(row scanner) (*HMO, error) {
	var h HMO
	err := row.Scan(&h.ID, &h.Name, &h.ContactPerson, &h.ContactPhone, &h.Email, &h.Address, &h.Active, &h.CreatedAt)
	return &h, err
}

func (r *hmoRepoPG) Create(ctx context.Context, h *HMO) error {
	h.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hmos (id, name, contact_person, contact_phone, email, address, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		h.ID, h.Name, h.ContactPerson, h.ContactPhone, h.Email, h.Address, h.Active).Scan(&h.CreatedAt)
	if db.IsUniqueViolation(err, "hmos_name_key") {
		return fmt.Errorf("%w: an HMO named %q already exists", apperr.ErrConflict, h.Name)
	}
	return err
}

func (r *hmoRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*HMO, error) {
	h, err := scanHMO(r.conn(ctx).QueryRow(ctx, `SELECT `+hmoCols+` FROM hmos WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "hmo", id)
	}
	return h, nil
}

func (r *hmoRepoPG) List(ctx context.Context, activeOnly bool) ([]*HMO, error) {
	sql := `SELECT ` + hmoCols + ` FROM hmos`
	if activeOnly {
		sql += ` WHERE active`
	}
	rows, err := r.conn(ctx).Query(ctx, sql+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*HMO
	for rows.Next() {
		h, err := scanHMO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *hmoRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE hmos SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("hmo", id)
	}
	return nil
}
