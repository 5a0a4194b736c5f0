package visit

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/edh/hms/internal/domain/billing"
	"github.com/edh/hms/internal/platform/apperr"
	"github.com/edh/hms/internal/platform/auth"
)

// memStore backs every repository in tests.
type memStore struct {
	now           time.Time
	patients      map[uuid.UUID]string
	visits        map[uuid.UUID]*Visit
	drugs         map[uuid.UUID]*Drug
	labTests      map[uuid.UUID]*LabTest
	prescriptions []*Prescription
	labRequests   []*LabRequest
	updates       int
}

func newMemStore(now time.Time) *memStore {
	return &memStore{
		now:      now,
		patients: make(map[uuid.UUID]string),
		visits:   make(map[uuid.UUID]*Visit),
		drugs:    make(map[uuid.UUID]*Drug),
		labTests: make(map[uuid.UUID]*LabTest),
	}
}

func (m *memStore) addPatient(name string) uuid.UUID {
	id := uuid.New()
	m.patients[id] = name
	return id
}

func (m *memStore) tick() time.Time {
	m.now = m.now.Add(time.Second)
	return m.now
}

type passthroughTx struct{ calls int }

func (t *passthroughTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	return fn(ctx)
}

type mockVisitRepo struct{ *memStore }

func (m mockVisitRepo) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	_, ok := m.patients[id]
	return ok, nil
}

func (m mockVisitRepo) VisitNumberExists(_ context.Context, number string, excludeID uuid.UUID) (bool, error) {
	for _, v := range m.visits {
		if v.VisitNumber == number && v.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (m mockVisitRepo) Create(_ context.Context, v *Visit) error {
	v.ID = uuid.New()
	v.CreatedAt = m.tick()
	v.UpdatedAt = v.CreatedAt
	cp := *v
	cp.PatientName = m.patients[v.PatientID]
	m.visits[v.ID] = &cp
	return nil
}

func (m mockVisitRepo) GetByID(_ context.Context, id uuid.UUID) (*Visit, error) {
	v, ok := m.visits[id]
	if !ok {
		return nil, apperr.NotFound("visit", id)
	}
	cp := *v
	return &cp, nil
}

func (m mockVisitRepo) LockByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return m.GetByID(ctx, id)
}

func (m mockVisitRepo) List(_ context.Context, f VisitFilter, limit, offset int) ([]*Visit, int, error) {
	var out []*Visit
	for _, v := range m.visits {
		if f.PatientID != nil && v.PatientID != *f.PatientID {
			continue
		}
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.DoctorID != "" && v.DoctorID != f.DoctorID {
			continue
		}
		if f.Active && v.Closed() {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	if end := offset + limit; end < total {
		out = out[:end]
	}
	return out[offset:], total, nil
}

func (m mockVisitRepo) Update(_ context.Context, v *Visit) error {
	if _, ok := m.visits[v.ID]; !ok {
		return apperr.NotFound("visit", v.ID)
	}
	m.updates++
	v.UpdatedAt = m.now
	cp := *v
	m.visits[v.ID] = &cp
	return nil
}

type mockOrderRepo struct{ *memStore }

func (m mockOrderRepo) withDrug(p *Prescription) *Prescription {
	cp := *p
	if d, ok := m.drugs[p.DrugID]; ok {
		cp.DrugName, cp.Strength, cp.DosageForm, cp.UnitPrice = d.Name, d.Strength, d.DosageForm, d.Price
	}
	return &cp
}

func (m mockOrderRepo) AddPrescription(_ context.Context, p *Prescription) error {
	p.ID = uuid.New()
	p.CreatedAt = m.tick()
	cp := *p
	m.prescriptions = append(m.prescriptions, &cp)
	return nil
}

func (m mockOrderRepo) GetPrescription(_ context.Context, id uuid.UUID) (*Prescription, error) {
	for _, p := range m.prescriptions {
		if p.ID == id {
			return m.withDrug(p), nil
		}
	}
	return nil, apperr.NotFound("prescription", id)
}

func (m mockOrderRepo) SetPrescriptionStatus(_ context.Context, id uuid.UUID, status string) error {
	for _, p := range m.prescriptions {
		if p.ID == id {
			p.Status = status
			return nil
		}
	}
	return apperr.NotFound("prescription", id)
}

func (m mockOrderRepo) Prescriptions(_ context.Context, visitID uuid.UUID) ([]*Prescription, error) {
	var out []*Prescription
	for _, p := range m.prescriptions {
		if p.VisitID == visitID {
			out = append(out, m.withDrug(p))
		}
	}
	return out, nil
}

func (m mockOrderRepo) PendingPrescriptions(_ context.Context, limit, offset int) ([]*Prescription, int, error) {
	var out []*Prescription
	for _, p := range m.prescriptions {
		if p.Status == PrescriptionPending {
			out = append(out, m.withDrug(p))
		}
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	if end := offset + limit; end < total {
		out = out[:end]
	}
	return out[offset:], total, nil
}

func (m mockOrderRepo) AddLabRequest(_ context.Context, r *LabRequest) error {
	r.ID = uuid.New()
	r.RequestedAt = m.tick()
	cp := *r
	m.labRequests = append(m.labRequests, &cp)
	return nil
}

func (m mockOrderRepo) GetLabRequest(_ context.Context, id uuid.UUID) (*LabRequest, error) {
	for _, r := range m.labRequests {
		if r.ID == id {
			cp := *r
			if t, ok := m.labTests[r.LabTestID]; ok {
				cp.TestName = t.Name
			}
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("lab request", id)
}

func (m mockOrderRepo) UpdateLabRequest(_ context.Context, r *LabRequest) error {
	for _, existing := range m.labRequests {
		if existing.ID == r.ID {
			existing.Status = r.Status
			existing.ResultText = r.ResultText
			return nil
		}
	}
	return apperr.NotFound("lab request", r.ID)
}

func (m mockOrderRepo) LabRequests(_ context.Context, visitID uuid.UUID) ([]*LabRequest, error) {
	var out []*LabRequest
	for _, r := range m.labRequests {
		if r.VisitID == visitID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type mockCatalogRepo struct{ *memStore }

func (m mockCatalogRepo) CreateDrug(_ context.Context, d *Drug) error {
	d.ID = uuid.New()
	d.CreatedAt = m.now
	cp := *d
	m.drugs[d.ID] = &cp
	return nil
}

func (m mockCatalogRepo) GetDrug(_ context.Context, id uuid.UUID) (*Drug, error) {
	d, ok := m.drugs[id]
	if !ok {
		return nil, apperr.NotFound("drug", id)
	}
	cp := *d
	return &cp, nil
}

func (m mockCatalogRepo) ListDrugs(_ context.Context, query string, activeOnly bool) ([]*Drug, error) {
	var out []*Drug
	for _, d := range m.drugs {
		if activeOnly && !d.Active {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(query)) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m mockCatalogRepo) CreateLabTest(_ context.Context, t *LabTest) error {
	for _, existing := range m.labTests {
		if existing.Name == t.Name {
			return apperr.ErrConflict
		}
	}
	t.ID = uuid.New()
	t.CreatedAt = m.now
	cp := *t
	m.labTests[t.ID] = &cp
	return nil
}

func (m mockCatalogRepo) GetLabTest(_ context.Context, id uuid.UUID) (*LabTest, error) {
	t, ok := m.labTests[id]
	if !ok {
		return nil, apperr.NotFound("lab test", id)
	}
	cp := *t
	return &cp, nil
}

func (m mockCatalogRepo) ListLabTests(_ context.Context, activeOnly bool) ([]*LabTest, error) {
	var out []*LabTest
	for _, t := range m.labTests {
		if activeOnly && !t.Active {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// fakeInvoices prices a visit as the consultation plus drugs, enough to
// observe that closing bills the visit once.
type fakeInvoices struct {
	*memStore
	calls   int
	invoice map[uuid.UUID]*billing.Invoice
	err     error
}

func (f *fakeInvoices) GenerateInvoice(_ context.Context, visitID uuid.UUID, actor auth.Actor) (*billing.Invoice, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if err := apperr.RequireRole(actor, auth.RoleBilling, auth.RoleDoctor); err != nil {
		return nil, err
	}
	total := decimal.RequireFromString("5000.00")
	for _, p := range f.prescriptions {
		if p.VisitID == visitID && p.Status != PrescriptionCancelled {
			total = total.Add(f.drugs[p.DrugID].Price.Mul(decimal.NewFromInt(int64(p.Quantity))))
		}
	}
	inv, ok := f.invoice[visitID]
	if !ok {
		vid := visitID
		inv = &billing.Invoice{ID: uuid.New(), InvoiceNumber: "INV-" + visitID.String()[:6], VisitID: &vid}
		f.invoice[visitID] = inv
	}
	inv.TotalAmount = total
	return inv, nil
}
