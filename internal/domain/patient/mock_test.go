package patient

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edh/hms/internal/platform/apperr"
)

type mockPatientRepo struct {
	mu       sync.Mutex
	store    map[uuid.UUID]*Patient
	hmos     *mockHMORepo
	failNext int // number of Create calls that hit the hospital number constraint
	creates  int
}

func newMockPatientRepo(hmos *mockHMORepo) *mockPatientRepo {
	return &mockPatientRepo{store: make(map[uuid.UUID]*Patient), hmos: hmos}
}

func (m *mockPatientRepo) HospitalNumberExists(_ context.Context, number string, excludeID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.store {
		if p.HospitalNumber == number && p.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.failNext > 0 {
		m.failNext--
		return &pgconn.PgError{Code: "23505", ConstraintName: "patients_hospital_number_key"}
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.store[p.ID] = &cp
	return nil
}

func (m *mockPatientRepo) withHMO(p *Patient) *Patient {
	cp := *p
	cp.HMOName = ""
	if cp.HMOID != nil {
		if h, ok := m.hmos.store[*cp.HMOID]; ok {
			cp.HMOName = h.Name
		}
	}
	return &cp
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[id]
	if !ok {
		return nil, apperr.NotFound("patient", id)
	}
	return m.withHMO(p), nil
}

func (m *mockPatientRepo) GetByHospitalNumber(_ context.Context, number string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.store {
		if p.HospitalNumber == number {
			return m.withHMO(p), nil
		}
	}
	return nil, apperr.NotFound("patient", number)
}

func (m *mockPatientRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.store[p.ID]
	if !ok {
		return apperr.NotFound("patient", p.ID)
	}
	cp := *p
	cp.HospitalNumber = existing.HospitalNumber
	cp.UpdatedAt = time.Now()
	m.store[p.ID] = &cp
	return nil
}

func (m *mockPatientRepo) Search(_ context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(query)
	var matched []*Patient
	for _, p := range m.store {
		hay := strings.ToLower(p.HospitalNumber + " " + p.FirstName + " " + p.LastName + " " + p.Phone)
		if q == "" || strings.Contains(hay, q) {
			matched = append(matched, m.withHMO(p))
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

type mockHMORepo struct {
	store map[uuid.UUID]*HMO
}

func newMockHMORepo() *mockHMORepo {
	return &mockHMORepo{store: make(map[uuid.UUID]*HMO)}
}

func (m *mockHMORepo) Create(_ context.Context, h *HMO) error {
	for _, existing := range m.store {
		if existing.Name == h.Name {
			return apperr.ErrConflict
		}
	}
	h.ID = uuid.New()
	h.CreatedAt = time.Now()
	cp := *h
	m.store[h.ID] = &cp
	return nil
}

func (m *mockHMORepo) GetByID(_ context.Context, id uuid.UUID) (*HMO, error) {
	h, ok := m.store[id]
	if !ok {
		return nil, apperr.NotFound("hmo", id)
	}
	cp := *h
	return &cp, nil
}

func (m *mockHMORepo) List(_ context.Context, activeOnly bool) ([]*HMO, error) {
	var out []*HMO
	for _, h := range m.store {
		if activeOnly && !h.Active {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockHMORepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	h, ok := m.store[id]
	if !ok {
		return apperr.NotFound("hmo", id)
	}
	h.Active = active
	return nil
}
