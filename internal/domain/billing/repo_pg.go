package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/edh/hms/internal/platform/db"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

func noRows(err error, what string, id interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(what, id)
	}
	return err
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ q db.Queryable }

// NewInvoiceRepoPG accepts a *pgxpool.Pool or anything else that can run
// queries. Calls made with a transaction in ctx run inside it.
func NewInvoiceRepoPG(q db.Queryable) InvoiceRepository { return &invoiceRepoPG{q: q} }

func (r *invoiceRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.q) }

const invCols = `i.id, i.invoice_number, i.patient_id, i.visit_id, i.hmo_name, i.status,
	i.total_amount, i.patient_amount, i.hmo_amount, i.amount_paid, i.balance,
	i.hmo_state, i.hmo_dispute_reason, i.hmo_dispute_amount, i.hmo_last_reminded_at,
	i.created_by, i.created_at, i.updated_at,
	TRIM(p.last_name || ' ' || p.first_name), p.hospital_number, COALESCE(v.visit_number, '')`

const invFrom = ` FROM invoices i
	JOIN patients p ON p.id = i.patient_id
	LEFT JOIN visits v ON v.id = i.visit_id`

func (r *invoiceRepoPG) scanInvoice(row scanner) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.PatientID, &inv.VisitID, &inv.HMOName, &inv.Status,
		&inv.TotalAmount, &inv.PatientAmount, &inv.HMOAmount, &inv.AmountPaid, &inv.Balance,
		&inv.HMOState, &inv.HMODisputeReason, &inv.HMODisputeAmount, &inv.HMOLastRemindedAt,
		&inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt,
		&inv.PatientName, &inv.HospitalNumber, &inv.VisitNumber)
	return &inv, err
}

func (r *invoiceRepoPG) NumberExists(ctx context.Context, number string, excludeID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE invoice_number = $1 AND id <> $2)`,
		number, excludeID).Scan(&exists)
	return exists, err
}

func (r *invoiceRepoPG) Insert(ctx context.Context, inv *Invoice) (bool, error) {
	inv.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO invoices (id, invoice_number, patient_id, visit_id, hmo_name, status,
			total_amount, patient_amount, hmo_amount, amount_paid, balance, hmo_state, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT DO NOTHING
		RETURNING created_at, updated_at`,
		inv.ID, inv.InvoiceNumber, inv.PatientID, inv.VisitID, inv.HMOName, inv.Status,
		inv.TotalAmount, inv.PatientAmount, inv.HMOAmount, inv.AmountPaid, inv.Balance,
		inv.HMOState, inv.CreatedBy).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := r.scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invCols+invFrom+` WHERE i.id = $1`, id))
	if err != nil {
		return nil, noRows(err, "invoice", id)
	}
	return inv, nil
}

func (r *invoiceRepoPG) LockByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := r.scanInvoice(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invCols+invFrom+` WHERE i.id = $1 FOR UPDATE OF i`, id))
	if err != nil {
		return nil, noRows(err, "invoice", id)
	}
	return inv, nil
}

func (r *invoiceRepoPG) LockByVisit(ctx context.Context, visitID uuid.UUID) (*Invoice, error) {
	inv, err := r.scanInvoice(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invCols+invFrom+` WHERE i.visit_id = $1 FOR UPDATE OF i`, visitID))
	if err != nil {
		return nil, noRows(err, "invoice for visit", visitID)
	}
	return inv, nil
}

func (r *invoiceRepoPG) Lines(ctx context.Context, invoiceID uuid.UUID) ([]InvoiceLine, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, position, line_type, description, quantity,
			unit_price, line_total, patient_share, hmo_share
		FROM invoice_lines WHERE invoice_id = $1 ORDER BY position`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []InvoiceLine
	for rows.Next() {
		var l InvoiceLine
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.Position, &l.LineType, &l.Description, &l.Quantity,
			&l.UnitPrice, &l.LineTotal, &l.PatientShare, &l.HMOShare); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ReplaceLines swaps the whole line set. Callers run it in the same
// transaction as UpdateTotals so readers never see a partial set.
func (r *invoiceRepoPG) ReplaceLines(ctx context.Context, invoiceID uuid.UUID, lines []InvoiceLine) error {
	c := r.conn(ctx)
	if _, err := c.Exec(ctx, `DELETE FROM invoice_lines WHERE invoice_id = $1`, invoiceID); err != nil {
		return err
	}
	for i := range lines {
		l := &lines[i]
		l.ID = uuid.New()
		l.InvoiceID = invoiceID
		if _, err := c.Exec(ctx, `
			INSERT INTO invoice_lines (id, invoice_id, position, line_type, description, quantity,
				unit_price, line_total, patient_share, hmo_share)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			l.ID, l.InvoiceID, l.Position, l.LineType, l.Description, l.Quantity,
			l.UnitPrice, l.LineTotal, l.PatientShare, l.HMOShare); err != nil {
			return err
		}
	}
	return nil
}

func (r *invoiceRepoPG) UpdateTotals(ctx context.Context, inv *Invoice) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE invoices SET hmo_name=$2, status=$3, total_amount=$4, patient_amount=$5,
			hmo_amount=$6, amount_paid=$7, balance=$8, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		inv.ID, inv.HMOName, inv.Status, inv.TotalAmount, inv.PatientAmount,
		inv.HMOAmount, inv.AmountPaid, inv.Balance).Scan(&inv.UpdatedAt)
}

func (r *invoiceRepoPG) UpdatePaid(ctx context.Context, inv *Invoice) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE invoices SET status=$2, amount_paid=$3, balance=$4, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		inv.ID, inv.Status, inv.AmountPaid, inv.Balance).Scan(&inv.UpdatedAt)
}

func (r *invoiceRepoPG) List(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("i.status = $%d", f.Status)
	}
	if f.HMOName != "" {
		add("i.hmo_name = $%d", f.HMOName)
	}
	if f.PatientID != nil {
		add("i.patient_id = $%d", *f.PatientID)
	}
	if f.Query != "" {
		add("(i.invoice_number ILIKE $%[1]d OR p.hospital_number ILIKE $%[1]d OR p.last_name ILIKE $%[1]d OR p.first_name ILIKE $%[1]d)",
			"%"+f.Query+"%")
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+invFrom+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s%s%s ORDER BY i.created_at DESC LIMIT $%d OFFSET $%d`,
			invCols, invFrom, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Invoice
	for rows.Next() {
		inv, err := r.scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

func (r *invoiceRepoPG) SetPayerState(ctx context.Context, id uuid.UUID, state, reason string, amount decimal.Decimal) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET hmo_state=$2, hmo_dispute_reason=$3, hmo_dispute_amount=$4, updated_at=NOW()
		WHERE id = $1`, id, state, reason, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("invoice", id)
	}
	return nil
}

func (r *invoiceRepoPG) AdvancePayerState(ctx context.Context, ids []uuid.UUID, from []string, state string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET hmo_state=$3, updated_at=NOW()
		WHERE id = ANY($1) AND hmo_state = ANY($2)`, ids, from, state)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *invoiceRepoPG) MarkReminded(ctx context.Context, hmoName string, at time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET hmo_last_reminded_at=$2
		WHERE hmo_amount > 0 AND hmo_name = $1`, hmoName, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Eligible compares creation dates in tz so a period boundary matches the
// hospital's calendar day.
func (r *invoiceRepoPG) Eligible(ctx context.Context, hmoName string, start, end time.Time, tz string, limit int) ([]*Invoice, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+invCols+invFrom+`
		WHERE i.hmo_amount > 0 AND i.hmo_name = $1
			AND (i.created_at AT TIME ZONE $4)::date BETWEEN $2::date AND $3::date
			AND NOT EXISTS (SELECT 1 FROM hmo_claim_items ci WHERE ci.invoice_id = i.id)
		ORDER BY i.created_at DESC
		LIMIT $5`, hmoName, start, end, tz, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Invoice
	for rows.Next() {
		inv, err := r.scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, inv)
	}
	return items, rows.Err()
}

func (r *invoiceRepoPG) AgingRows(ctx context.Context) ([]AgingRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT i.id, i.invoice_number, p.hospital_number, TRIM(p.last_name || ' ' || p.first_name),
			i.hmo_name, i.hmo_amount, COALESCE(s.settled, 0), i.created_at
		FROM invoices i
		JOIN patients p ON p.id = i.patient_id
		LEFT JOIN (
			SELECT invoice_id, SUM(amount) AS settled FROM payments
			WHERE method = 'HMO' GROUP BY invoice_id
		) s ON s.invoice_id = i.id
		WHERE i.hmo_amount > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgingRow
	for rows.Next() {
		var a AgingRow
		if err := rows.Scan(&a.InvoiceID, &a.InvoiceNumber, &a.HospitalNumber, &a.Patient,
			&a.HMOName, &a.HMOAmount, &a.Settled, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ q db.Queryable }

func NewPaymentRepoPG(q db.Queryable) PaymentRepository { return &paymentRepoPG{q: q} }

func (r *paymentRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.q) }

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payments (id, invoice_id, amount, method, reference, received_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING paid_at`,
		p.ID, p.InvoiceID, p.Amount, p.Method, p.Reference, p.ReceivedBy).Scan(&p.PaidAt)
}

// InsertSettlement relies on the payments_hmo_settlement_key partial index,
// so concurrent retries of the same remittance post at most once.
func (r *paymentRepoPG) InsertSettlement(ctx context.Context, p *Payment) (bool, error) {
	p.ID = uuid.New()
	p.Method = MethodHMO
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payments (id, invoice_id, amount, method, reference, received_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (invoice_id, method, reference) WHERE method = 'HMO' DO NOTHING
		RETURNING paid_at`,
		p.ID, p.InvoiceID, p.Amount, p.Method, p.Reference, p.ReceivedBy).Scan(&p.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *paymentRepoPG) SumPatientPaid(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payments
		WHERE invoice_id = $1 AND method IN ('CASH', 'POS', 'TRANSFER')`, invoiceID).Scan(&sum)
	return sum, err
}

func (r *paymentRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, amount, method, reference, received_by, paid_at
		FROM payments WHERE invoice_id = $1 ORDER BY paid_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference, &p.ReceivedBy, &p.PaidAt); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

// =========== Claim Repository ===========

type claimRepoPG struct{ q db.Queryable }

func NewClaimRepoPG(q db.Queryable) ClaimRepository { return &claimRepoPG{q: q} }

func (r *claimRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.q) }

const batchCols = `id, hmo_name, period_start, period_end, status, paid_reference,
	created_by, created_at, submitted_at, paid_at`

func (r *claimRepoPG) scanBatch(row scanner, extra ...interface{}) (*ClaimBatch, error) {
	var b ClaimBatch
	dest := append([]interface{}{&b.ID, &b.HMOName, &b.PeriodStart, &b.PeriodEnd, &b.Status, &b.PaidReference,
		&b.CreatedBy, &b.CreatedAt, &b.SubmittedAt, &b.PaidAt}, extra...)
	return &b, row.Scan(dest...)
}

func (r *claimRepoPG) CreateBatch(ctx context.Context, b *ClaimBatch) error {
	b.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hmo_claim_batches (id, hmo_name, period_start, period_end, status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		b.ID, b.HMOName, b.PeriodStart, b.PeriodEnd, b.Status, b.CreatedBy).Scan(&b.CreatedAt)
}

func (r *claimRepoPG) GetBatch(ctx context.Context, id uuid.UUID) (*ClaimBatch, error) {
	b, err := r.scanBatch(r.conn(ctx).QueryRow(ctx, `SELECT `+batchCols+` FROM hmo_claim_batches WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "claim batch", id)
	}
	return b, nil
}

func (r *claimRepoPG) LockBatch(ctx context.Context, id uuid.UUID) (*ClaimBatch, error) {
	b, err := r.scanBatch(r.conn(ctx).QueryRow(ctx,
		`SELECT `+batchCols+` FROM hmo_claim_batches WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, noRows(err, "claim batch", id)
	}
	return b, nil
}

func (r *claimRepoPG) ListBatches(ctx context.Context, hmoName, status string, limit, offset int) ([]*ClaimBatch, int, error) {
	const cond = ` WHERE ($1 = '' OR b.hmo_name = $1) AND ($2 = '' OR b.status = $2)`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hmo_claim_batches b`+cond,
		hmoName, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT b.id, b.hmo_name, b.period_start, b.period_end, b.status, b.paid_reference,
			b.created_by, b.created_at, b.submitted_at, b.paid_at,
			COALESCE((SELECT SUM(ci.hmo_amount) FROM hmo_claim_items ci WHERE ci.batch_id = b.id), 0)
		FROM hmo_claim_batches b`+cond+`
		ORDER BY b.created_at DESC
		LIMIT $3 OFFSET $4`, hmoName, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ClaimBatch
	for rows.Next() {
		var sum decimal.Decimal
		b, err := r.scanBatch(rows, &sum)
		if err != nil {
			return nil, 0, err
		}
		b.TotalHMOAmount = sum
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (r *claimRepoPG) UpdateBatchStatus(ctx context.Context, b *ClaimBatch) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE hmo_claim_batches SET status=$2, paid_reference=$3, submitted_at=$4, paid_at=$5
		WHERE id = $1`, b.ID, b.Status, b.PaidReference, b.SubmittedAt, b.PaidAt)
	return err
}

const itemCols = `ci.id, ci.batch_id, ci.invoice_id, i.invoice_number, ci.hmo_amount, ci.patient,
	ci.hospital_number, ci.visit_number, ci.disputed, ci.dispute_reason, ci.disputed_at, ci.created_at`

func (r *claimRepoPG) scanItem(row scanner) (*ClaimItem, error) {
	var it ClaimItem
	err := row.Scan(&it.ID, &it.BatchID, &it.InvoiceID, &it.InvoiceNumber, &it.HMOAmount, &it.Patient,
		&it.HospitalNumber, &it.VisitNumber, &it.Disputed, &it.DisputeReason, &it.DisputedAt, &it.CreatedAt)
	return &it, err
}

func (r *claimRepoPG) Items(ctx context.Context, batchID uuid.UUID) ([]ClaimItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+`
		FROM hmo_claim_items ci JOIN invoices i ON i.id = ci.invoice_id
		WHERE ci.batch_id = $1
		ORDER BY ci.created_at, ci.id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ClaimItem
	for rows.Next() {
		it, err := r.scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// InsertItem stamps created_at with clock_timestamp() so items added in one
// transaction keep their order.
func (r *claimRepoPG) InsertItem(ctx context.Context, item *ClaimItem) (bool, error) {
	item.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hmo_claim_items (id, batch_id, invoice_id, hmo_amount, patient, hospital_number,
			visit_number, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, clock_timestamp())
		ON CONFLICT (invoice_id) DO NOTHING
		RETURNING created_at`,
		item.ID, item.BatchID, item.InvoiceID, item.HMOAmount, item.Patient, item.HospitalNumber,
		item.VisitNumber).Scan(&item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *claimRepoPG) GetItem(ctx context.Context, id uuid.UUID) (*ClaimItem, error) {
	it, err := r.scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+`
		FROM hmo_claim_items ci JOIN invoices i ON i.id = ci.invoice_id
		WHERE ci.id = $1`, id))
	if err != nil {
		return nil, noRows(err, "claim item", id)
	}
	return it, nil
}

func (r *claimRepoPG) FlagItem(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE hmo_claim_items SET disputed=TRUE, dispute_reason=$2, disputed_at=$3
		WHERE id = $1`, id, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("claim item", id)
	}
	return nil
}

// =========== Follow-Up Repository ===========

type followUpRepoPG struct{ q db.Queryable }

func NewFollowUpRepoPG(q db.Queryable) FollowUpRepository { return &followUpRepoPG{q: q} }

func (r *followUpRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.q) }

const followUpCols = `id, hmo_name, period_start, period_end, status, last_action_at,
	next_follow_up_at, notes, owner_id, created_at`

func (r *followUpRepoPG) scanFollowUp(row scanner) (*FollowUp, error) {
	var f FollowUp
	err := row.Scan(&f.ID, &f.HMOName, &f.PeriodStart, &f.PeriodEnd, &f.Status, &f.LastActionAt,
		&f.NextFollowUpAt, &f.Notes, &f.OwnerID, &f.CreatedAt)
	return &f, err
}

func (r *followUpRepoPG) PayerBalances(ctx context.Context) ([]PayerBalance, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT i.hmo_name, SUM(i.hmo_amount), COALESCE(SUM(s.settled), 0)
		FROM invoices i
		LEFT JOIN (
			SELECT invoice_id, SUM(amount) AS settled FROM payments
			WHERE method = 'HMO' GROUP BY invoice_id
		) s ON s.invoice_id = i.id
		WHERE i.hmo_amount > 0
		GROUP BY i.hmo_name
		ORDER BY i.hmo_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PayerBalance
	for rows.Next() {
		var b PayerBalance
		if err := rows.Scan(&b.HMOName, &b.HMOAmount, &b.Settled); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *followUpRepoPG) Upsert(ctx context.Context, f *FollowUp) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hmo_followups (id, hmo_name, period_start, period_end, status,
			last_action_at, next_follow_up_at, notes, owner_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (hmo_name, period_start, period_end) DO UPDATE SET
			status = EXCLUDED.status,
			last_action_at = EXCLUDED.last_action_at,
			next_follow_up_at = EXCLUDED.next_follow_up_at
		RETURNING id, notes, owner_id, created_at`,
		uuid.New(), f.HMOName, f.PeriodStart, f.PeriodEnd, f.Status,
		f.LastActionAt, f.NextFollowUpAt, f.Notes, f.OwnerID).Scan(&f.ID, &f.Notes, &f.OwnerID, &f.CreatedAt)
}

func (r *followUpRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*FollowUp, error) {
	f, err := r.scanFollowUp(r.conn(ctx).QueryRow(ctx,
		`SELECT `+followUpCols+` FROM hmo_followups WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, noRows(err, "follow-up", id)
	}
	return f, nil
}

func (r *followUpRepoPG) Update(ctx context.Context, f *FollowUp) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE hmo_followups SET status=$2, notes=$3, next_follow_up_at=$4, owner_id=$5, last_action_at=$6
		WHERE id = $1`, f.ID, f.Status, f.Notes, f.NextFollowUpAt, f.OwnerID, f.LastActionAt)
	return err
}

func (r *followUpRepoPG) ListDue(ctx context.Context, today time.Time) ([]*FollowUp, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+followUpCols+` FROM hmo_followups
		WHERE next_follow_up_at <= $1::date AND status <> 'SETTLED'
		ORDER BY next_follow_up_at, hmo_name`, today)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*FollowUp
	for rows.Next() {
		f, err := r.scanFollowUp(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (r *followUpRepoPG) CountDue(ctx context.Context, today time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hmo_followups
		WHERE next_follow_up_at <= $1::date AND status <> 'SETTLED'`, today).Scan(&n)
	return n, err
}

// =========== Dashboard Repository ===========

type dashboardRepoPG struct{ q db.Queryable }

func NewDashboardRepoPG(q db.Queryable) DashboardRepository { return &dashboardRepoPG{q: q} }

func (r *dashboardRepoPG) conn(ctx context.Context) db.Queryable { return db.Conn(ctx, r.q) }

func (r *dashboardRepoPG) PaymentsSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payments WHERE paid_at >= $1`, since).Scan(&sum)
	return sum, err
}

func (r *dashboardRepoPG) Outstanding(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	var balance, receivable decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(balance), 0), COALESCE(SUM(hmo_amount), 0) FROM invoices`).Scan(&balance, &receivable)
	return balance, receivable, err
}

func (r *dashboardRepoPG) DailyTotals(ctx context.Context, since time.Time, tz string) ([]DailyTotal, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT (paid_at AT TIME ZONE $2)::date AS day, SUM(amount)
		FROM payments WHERE paid_at >= $1
		GROUP BY day ORDER BY day`, since, tz)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DailyTotal
	for rows.Next() {
		var d DailyTotal
		if err := rows.Scan(&d.Day, &d.Total); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *dashboardRepoPG) MethodTotals(ctx context.Context, since time.Time) ([]MethodTotal, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT method, SUM(amount) AS total
		FROM payments WHERE paid_at >= $1
		GROUP BY method ORDER BY total DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MethodTotal
	for rows.Next() {
		var m MethodTotal
		if err := rows.Scan(&m.Method, &m.Total); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
