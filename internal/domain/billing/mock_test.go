package billing

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -- In-memory store shared by the mock repositories --

type memStore struct {
	now       time.Time
	invoices  map[uuid.UUID]*Invoice
	lines     map[uuid.UUID][]InvoiceLine
	payments  []*Payment
	batches   map[uuid.UUID]*ClaimBatch
	items     []*ClaimItem
	followups map[uuid.UUID]*FollowUp
	visits    map[uuid.UUID]*BillableVisit
	patients  map[uuid.UUID]*BillablePatient

	// insertMisses makes the next Insert calls report a taken number.
	insertMisses int
}

func newMemStore(now time.Time) *memStore {
	return &memStore{
		now:       now,
		invoices:  make(map[uuid.UUID]*Invoice),
		lines:     make(map[uuid.UUID][]InvoiceLine),
		batches:   make(map[uuid.UUID]*ClaimBatch),
		followups: make(map[uuid.UUID]*FollowUp),
		visits:    make(map[uuid.UUID]*BillableVisit),
		patients:  make(map[uuid.UUID]*BillablePatient),
	}
}

func (m *memStore) addPatient(name, hospitalNumber, hmo string) *BillablePatient {
	p := &BillablePatient{
		PatientID:      uuid.New(),
		HospitalNumber: hospitalNumber,
		PatientName:    name,
		Insured:        hmo != "",
		HMOName:        hmo,
	}
	m.patients[p.PatientID] = p
	return p
}

func (m *memStore) addVisit(p *BillablePatient, number string) *BillableVisit {
	v := &BillableVisit{
		VisitID:        uuid.New(),
		VisitNumber:    number,
		PatientID:      p.PatientID,
		HospitalNumber: p.HospitalNumber,
		PatientName:    p.PatientName,
		Insured:        p.Insured,
		HMOName:        p.HMOName,
	}
	m.visits[v.VisitID] = v
	return v
}

func (m *memStore) settled(invoiceID uuid.UUID) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID && p.Method == MethodHMO {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

func (m *memStore) withJoins(inv *Invoice) *Invoice {
	cp := *inv
	cp.Lines = nil
	if p, ok := m.patients[cp.PatientID]; ok {
		cp.PatientName = p.PatientName
		cp.HospitalNumber = p.HospitalNumber
	}
	if cp.VisitID != nil {
		if v, ok := m.visits[*cp.VisitID]; ok {
			cp.VisitNumber = v.VisitNumber
		}
	}
	return &cp
}

type passthroughTx struct{ calls int }

func (t *passthroughTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	return fn(ctx)
}

// -- VisitSource --

type mockVisitSource struct{ *memStore }

func (m mockVisitSource) BillableVisit(_ context.Context, id uuid.UUID) (*BillableVisit, error) {
	v, ok := m.visits[id]
	if !ok {
		return nil, notFound("visit", id)
	}
	cp := *v
	return &cp, nil
}

func (m mockVisitSource) BillablePatient(_ context.Context, id uuid.UUID) (*BillablePatient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, notFound("patient", id)
	}
	cp := *p
	return &cp, nil
}

// -- InvoiceRepository --

type mockInvoiceRepo struct{ *memStore }

func (m mockInvoiceRepo) NumberExists(_ context.Context, number string, excludeID uuid.UUID) (bool, error) {
	for _, inv := range m.invoices {
		if inv.InvoiceNumber == number && inv.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (m mockInvoiceRepo) Insert(_ context.Context, inv *Invoice) (bool, error) {
	if m.insertMisses > 0 {
		m.insertMisses--
		return false, nil
	}
	for _, existing := range m.invoices {
		if existing.InvoiceNumber == inv.InvoiceNumber {
			return false, nil
		}
		if inv.VisitID != nil && existing.VisitID != nil && *existing.VisitID == *inv.VisitID {
			return false, nil
		}
	}
	inv.ID = uuid.New()
	inv.CreatedAt = m.now
	inv.UpdatedAt = m.now
	cp := *inv
	cp.Lines = nil
	m.invoices[inv.ID] = &cp
	return true, nil
}

func (m mockInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, notFound("invoice", id)
	}
	return m.withJoins(inv), nil
}

func (m mockInvoiceRepo) LockByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return m.GetByID(ctx, id)
}

func (m mockInvoiceRepo) LockByVisit(_ context.Context, visitID uuid.UUID) (*Invoice, error) {
	for _, inv := range m.invoices {
		if inv.VisitID != nil && *inv.VisitID == visitID {
			return m.withJoins(inv), nil
		}
	}
	return nil, notFound("invoice for visit", visitID)
}

func (m mockInvoiceRepo) Lines(_ context.Context, invoiceID uuid.UUID) ([]InvoiceLine, error) {
	return append([]InvoiceLine(nil), m.lines[invoiceID]...), nil
}

func (m mockInvoiceRepo) ReplaceLines(_ context.Context, invoiceID uuid.UUID, lines []InvoiceLine) error {
	out := make([]InvoiceLine, len(lines))
	for i, l := range lines {
		l.ID = uuid.New()
		l.InvoiceID = invoiceID
		out[i] = l
	}
	m.lines[invoiceID] = out
	return nil
}

func (m mockInvoiceRepo) UpdateTotals(_ context.Context, inv *Invoice) error {
	stored, ok := m.invoices[inv.ID]
	if !ok {
		return notFound("invoice", inv.ID)
	}
	stored.HMOName = inv.HMOName
	stored.Status = inv.Status
	stored.TotalAmount = inv.TotalAmount
	stored.PatientAmount = inv.PatientAmount
	stored.HMOAmount = inv.HMOAmount
	stored.AmountPaid = inv.AmountPaid
	stored.Balance = inv.Balance
	return nil
}

func (m mockInvoiceRepo) UpdatePaid(_ context.Context, inv *Invoice) error {
	stored, ok := m.invoices[inv.ID]
	if !ok {
		return notFound("invoice", inv.ID)
	}
	stored.Status = inv.Status
	stored.AmountPaid = inv.AmountPaid
	stored.Balance = inv.Balance
	return nil
}

func (m mockInvoiceRepo) List(_ context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	var result []*Invoice
	for _, inv := range m.invoices {
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		if f.HMOName != "" && inv.HMOName != f.HMOName {
			continue
		}
		if f.PatientID != nil && inv.PatientID != *f.PatientID {
			continue
		}
		if f.Query != "" && !strings.Contains(inv.InvoiceNumber, f.Query) {
			continue
		}
		result = append(result, m.withJoins(inv))
	}
	return result, len(result), nil
}

func (m mockInvoiceRepo) SetPayerState(_ context.Context, id uuid.UUID, state, reason string, amount decimal.Decimal) error {
	inv, ok := m.invoices[id]
	if !ok {
		return notFound("invoice", id)
	}
	inv.HMOState = state
	inv.HMODisputeReason = reason
	inv.HMODisputeAmount = amount
	return nil
}

func (m mockInvoiceRepo) AdvancePayerState(_ context.Context, ids []uuid.UUID, from []string, state string) (int64, error) {
	var n int64
	for _, id := range ids {
		inv, ok := m.invoices[id]
		if !ok {
			continue
		}
		for _, f := range from {
			if inv.HMOState == f {
				inv.HMOState = state
				n++
				break
			}
		}
	}
	return n, nil
}

func (m mockInvoiceRepo) MarkReminded(_ context.Context, hmoName string, at time.Time) (int64, error) {
	var n int64
	for _, inv := range m.invoices {
		if inv.HMOAmount.IsPositive() && inv.HMOName == hmoName {
			t := at
			inv.HMOLastRemindedAt = &t
			n++
		}
	}
	return n, nil
}

func (m mockInvoiceRepo) claimed(invoiceID uuid.UUID) bool {
	for _, it := range m.items {
		if it.InvoiceID == invoiceID {
			return true
		}
	}
	return false
}

func (m mockInvoiceRepo) Eligible(_ context.Context, hmoName string, start, end time.Time, tz string, limit int) ([]*Invoice, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	var result []*Invoice
	for _, inv := range m.invoices {
		created := civilDate(inv.CreatedAt, loc)
		if !inv.HMOAmount.IsPositive() || inv.HMOName != hmoName ||
			created.Before(start) || created.After(end) || m.claimed(inv.ID) {
			continue
		}
		result = append(result, m.withJoins(inv))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m mockInvoiceRepo) AgingRows(_ context.Context) ([]AgingRow, error) {
	var rows []AgingRow
	for _, inv := range m.invoices {
		if !inv.HMOAmount.IsPositive() {
			continue
		}
		j := m.withJoins(inv)
		rows = append(rows, AgingRow{
			InvoiceID:      inv.ID,
			InvoiceNumber:  inv.InvoiceNumber,
			HospitalNumber: j.HospitalNumber,
			Patient:        j.PatientName,
			HMOName:        inv.HMOName,
			HMOAmount:      inv.HMOAmount,
			Settled:        m.settled(inv.ID),
			CreatedAt:      inv.CreatedAt,
		})
	}
	return rows, nil
}

// -- PaymentRepository --

type mockPaymentRepo struct{ *memStore }

func (m mockPaymentRepo) Create(_ context.Context, p *Payment) error {
	p.ID = uuid.New()
	p.PaidAt = m.now
	cp := *p
	m.payments = append(m.payments, &cp)
	return nil
}

func (m mockPaymentRepo) InsertSettlement(_ context.Context, p *Payment) (bool, error) {
	for _, existing := range m.payments {
		if existing.InvoiceID == p.InvoiceID && existing.Method == MethodHMO && existing.Reference == p.Reference {
			return false, nil
		}
	}
	p.Method = MethodHMO
	return true, m.Create(context.Background(), p)
}

func (m mockPaymentRepo) SumPatientPaid(_ context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID && IsPatientMethod(p.Method) {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (m mockPaymentRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	var result []*Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			result = append(result, p)
		}
	}
	return result, nil
}

// -- ClaimRepository --

type mockClaimRepo struct{ *memStore }

func (m mockClaimRepo) CreateBatch(_ context.Context, b *ClaimBatch) error {
	b.ID = uuid.New()
	b.CreatedAt = m.now
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m mockClaimRepo) GetBatch(_ context.Context, id uuid.UUID) (*ClaimBatch, error) {
	b, ok := m.batches[id]
	if !ok {
		return nil, notFound("claim batch", id)
	}
	cp := *b
	return &cp, nil
}

func (m mockClaimRepo) LockBatch(ctx context.Context, id uuid.UUID) (*ClaimBatch, error) {
	return m.GetBatch(ctx, id)
}

func (m mockClaimRepo) ListBatches(_ context.Context, hmoName, status string, limit, offset int) ([]*ClaimBatch, int, error) {
	var result []*ClaimBatch
	for _, b := range m.batches {
		if (hmoName == "" || b.HMOName == hmoName) && (status == "" || b.Status == status) {
			cp := *b
			result = append(result, &cp)
		}
	}
	return result, len(result), nil
}

func (m mockClaimRepo) UpdateBatchStatus(_ context.Context, b *ClaimBatch) error {
	stored, ok := m.batches[b.ID]
	if !ok {
		return notFound("claim batch", b.ID)
	}
	stored.Status = b.Status
	stored.PaidReference = b.PaidReference
	stored.SubmittedAt = b.SubmittedAt
	stored.PaidAt = b.PaidAt
	return nil
}

func (m mockClaimRepo) Items(_ context.Context, batchID uuid.UUID) ([]ClaimItem, error) {
	var result []ClaimItem
	for _, it := range m.items {
		if it.BatchID == batchID {
			result = append(result, *it)
		}
	}
	return result, nil
}

func (m mockClaimRepo) InsertItem(_ context.Context, item *ClaimItem) (bool, error) {
	for _, it := range m.items {
		if it.InvoiceID == item.InvoiceID {
			return false, nil
		}
	}
	item.ID = uuid.New()
	item.CreatedAt = m.now
	cp := *item
	m.items = append(m.items, &cp)
	return true, nil
}

func (m mockClaimRepo) GetItem(_ context.Context, id uuid.UUID) (*ClaimItem, error) {
	for _, it := range m.items {
		if it.ID == id {
			cp := *it
			return &cp, nil
		}
	}
	return nil, notFound("claim item", id)
}

func (m mockClaimRepo) FlagItem(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	for _, it := range m.items {
		if it.ID == id {
			it.Disputed = true
			it.DisputeReason = reason
			it.DisputedAt = &at
			return nil
		}
	}
	return notFound("claim item", id)
}

// -- FollowUpRepository --

type mockFollowUpRepo struct{ *memStore }

func (m mockFollowUpRepo) PayerBalances(_ context.Context) ([]PayerBalance, error) {
	byName := make(map[string]*PayerBalance)
	var names []string
	for _, inv := range m.invoices {
		if !inv.HMOAmount.IsPositive() {
			continue
		}
		b, ok := byName[inv.HMOName]
		if !ok {
			b = &PayerBalance{HMOName: inv.HMOName}
			byName[inv.HMOName] = b
			names = append(names, inv.HMOName)
		}
		b.HMOAmount = b.HMOAmount.Add(inv.HMOAmount)
		b.Settled = b.Settled.Add(m.settled(inv.ID))
	}
	sort.Strings(names)
	out := make([]PayerBalance, 0, len(names))
	for _, n := range names {
		out = append(out, *byName[n])
	}
	return out, nil
}

func (m mockFollowUpRepo) Upsert(_ context.Context, f *FollowUp) error {
	for _, existing := range m.followups {
		if existing.HMOName == f.HMOName && existing.PeriodStart.Equal(f.PeriodStart) && existing.PeriodEnd.Equal(f.PeriodEnd) {
			existing.Status = f.Status
			existing.LastActionAt = f.LastActionAt
			existing.NextFollowUpAt = f.NextFollowUpAt
			f.ID = existing.ID
			f.Notes = existing.Notes
			f.OwnerID = existing.OwnerID
			f.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	f.ID = uuid.New()
	f.CreatedAt = m.now
	cp := *f
	m.followups[f.ID] = &cp
	return nil
}

func (m mockFollowUpRepo) GetByID(_ context.Context, id uuid.UUID) (*FollowUp, error) {
	f, ok := m.followups[id]
	if !ok {
		return nil, notFound("follow-up", id)
	}
	cp := *f
	return &cp, nil
}

func (m mockFollowUpRepo) Update(_ context.Context, f *FollowUp) error {
	if _, ok := m.followups[f.ID]; !ok {
		return notFound("follow-up", f.ID)
	}
	cp := *f
	m.followups[f.ID] = &cp
	return nil
}

func (m mockFollowUpRepo) ListDue(_ context.Context, today time.Time) ([]*FollowUp, error) {
	var result []*FollowUp
	for _, f := range m.followups {
		if f.NextFollowUpAt != nil && !f.NextFollowUpAt.After(today) && f.Status != FollowUpSettled {
			cp := *f
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].NextFollowUpAt.Equal(*result[j].NextFollowUpAt) {
			return result[i].NextFollowUpAt.Before(*result[j].NextFollowUpAt)
		}
		return result[i].HMOName < result[j].HMOName
	})
	return result, nil
}

func (m mockFollowUpRepo) CountDue(ctx context.Context, today time.Time) (int, error) {
	due, err := m.ListDue(ctx, today)
	return len(due), err
}

// -- DashboardRepository --

type mockDashboardRepo struct{ *memStore }

func (m mockDashboardRepo) PaymentsSince(_ context.Context, since time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range m.payments {
		if !p.PaidAt.Before(since) {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (m mockDashboardRepo) Outstanding(_ context.Context) (decimal.Decimal, decimal.Decimal, error) {
	balance, receivable := decimal.Zero, decimal.Zero
	for _, inv := range m.invoices {
		balance = balance.Add(inv.Balance)
		receivable = receivable.Add(inv.HMOAmount)
	}
	return balance, receivable, nil
}

func (m mockDashboardRepo) DailyTotals(_ context.Context, since time.Time, tz string) ([]DailyTotal, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	byDay := make(map[time.Time]decimal.Decimal)
	for _, p := range m.payments {
		if !p.PaidAt.Before(since) {
			d := civilDate(p.PaidAt, loc)
			byDay[d] = byDay[d].Add(p.Amount)
		}
	}
	var out []DailyTotal
	for d, total := range byDay {
		out = append(out, DailyTotal{Day: d, Total: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (m mockDashboardRepo) MethodTotals(_ context.Context, since time.Time) ([]MethodTotal, error) {
	byMethod := make(map[string]decimal.Decimal)
	for _, p := range m.payments {
		if !p.PaidAt.Before(since) {
			byMethod[p.Method] = byMethod[p.Method].Add(p.Amount)
		}
	}
	var out []MethodTotal
	for method, total := range byMethod {
		out = append(out, MethodTotal{Method: method, Total: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Total.GreaterThan(out[j].Total) })
	return out, nil
}
