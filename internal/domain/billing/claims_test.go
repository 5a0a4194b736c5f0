package billing

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func march(day int) time.Time { return time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC) }

func newMarchBatch(t *testing.T, svc *Service, hmo string) *ClaimBatch {
	t.Helper()
	b, err := svc.CreateBatch(context.Background(), hmo, march(1), march(31), cashier)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return b
}

func TestCreateBatch_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name       string
		hmo        string
		start, end time.Time
	}{
		{"blank payer", "  ", march(1), march(31)},
		{"missing start", "Hygeia HMO", time.Time{}, march(31)},
		{"missing end", "Hygeia HMO", march(1), time.Time{}},
		{"start after end", "Hygeia HMO", march(20), march(10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateBatch(ctx, tt.hmo, tt.start, tt.end, cashier); !errors.Is(err, ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	b, err := svc.CreateBatch(ctx, " Hygeia HMO ", march(5), march(5), cashier)
	if err != nil {
		t.Fatalf("single-day period should be accepted: %v", err)
	}
	if b.Status != BatchDraft || b.HMOName != "Hygeia HMO" || b.CreatedBy != "cashier-1" {
		t.Errorf("unexpected batch %+v", b)
	}
}

func TestClaimLifecycle(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	inv := insuredInvoice(t, svc, store, "Hygeia HMO")
	b := newMarchBatch(t, svc, "Hygeia HMO")

	eligible, err := svc.EligibleInvoices(ctx, b.ID, 0)
	if err != nil {
		t.Fatalf("EligibleInvoices: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != inv.ID {
		t.Fatalf("expected the invoice to be eligible, got %d", len(eligible))
	}

	added, err := svc.AddInvoices(ctx, b.ID, []uuid.UUID{inv.ID, inv.ID}, cashier)
	if err != nil {
		t.Fatalf("AddInvoices: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 item added, got %d", added)
	}
	if eligible, _ := svc.EligibleInvoices(ctx, b.ID, 0); len(eligible) != 0 {
		t.Errorf("claimed invoice must leave the eligible list, got %d", len(eligible))
	}

	submitted, err := svc.Submit(ctx, b.ID, cashier)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if submitted.Status != BatchSubmitted || submitted.SubmittedAt == nil {
		t.Errorf("expected SUBMITTED with a timestamp, got %s", submitted.Status)
	}
	if got := store.invoices[inv.ID].HMOState; got != PayerSubmitted {
		t.Errorf("expected invoice payer state SUBMITTED, got %s", got)
	}

	posted, err := svc.MarkPaid(ctx, b.ID, "RA-2026-03", cashier)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if posted != 1 {
		t.Errorf("expected 1 settlement, got %d", posted)
	}
	assertAmount(t, "settled", store.settled(inv.ID), "4000.00")
	if got := store.invoices[inv.ID].HMOState; got != PayerSettled {
		t.Errorf("expected invoice payer state SETTLED, got %s", got)
	}

	got, err := svc.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != BatchPaid || got.PaidReference != "RA-2026-03" || got.PaidAt == nil {
		t.Errorf("unexpected batch after mark-paid: %+v", got)
	}
	assertAmount(t, "batch total", got.TotalHMOAmount, "4000.00")

	// The patient share is untouched by the settlement.
	after, _ := svc.GetInvoice(ctx, inv.ID)
	assertAmount(t, "patient balance", after.Balance, "1000.00")
	if after.Status != StatusUnpaid {
		t.Errorf("expected UNPAID, got %s", after.Status)
	}
}

func TestMarkPaid_Idempotent(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	a := insuredInvoice(t, svc, store, "Hygeia HMO")
	bInv := insuredInvoice(t, svc, store, "Hygeia HMO")
	b := newMarchBatch(t, svc, "Hygeia HMO")
	if _, err := svc.AddInvoices(ctx, b.ID, []uuid.UUID{a.ID, bInv.ID}, cashier); err != nil {
		t.Fatalf("AddInvoices: %v", err)
	}

	first, err := svc.MarkPaid(ctx, b.ID, "", cashier)
	if err != nil {
		t.Fatalf("first MarkPaid: %v", err)
	}
	firstAt := *store.batches[b.ID].PaidAt
	store.now = store.now.Add(time.Hour)
	second, err := svc.MarkPaid(ctx, b.ID, "  ", cashier)
	if err != nil {
		t.Fatalf("second MarkPaid: %v", err)
	}

	if first != 2 || second != 0 {
		t.Errorf("expected 2 then 0 settlements, got %d then %d", first, second)
	}
	if n := len(store.payments); n != 2 {
		t.Errorf("expected 2 stored settlements, got %d", n)
	}
	wantRef := "CLAIM-" + strings.ToUpper(b.ID.String()[:8])
	for _, p := range store.payments {
		if p.Reference != wantRef {
			t.Errorf("expected reference %s, got %s", wantRef, p.Reference)
		}
	}
	if !store.batches[b.ID].PaidAt.Equal(firstAt) {
		t.Error("paid_at must keep the first payment time")
	}
}

func TestMarkPaid_DisputedInvoiceStaysDisputed(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	inv := insuredInvoice(t, svc, store, "Hygeia HMO")
	b := newMarchBatch(t, svc, "Hygeia HMO")
	svc.AddInvoices(ctx, b.ID, []uuid.UUID{inv.ID}, cashier)
	if _, err := svc.MarkInvoiceDisputed(ctx, inv.ID, "tariff mismatch", d("500"), cashier); err != nil {
		t.Fatalf("MarkInvoiceDisputed: %v", err)
	}

	if _, err := svc.MarkPaid(ctx, b.ID, "RA-9", cashier); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if got := store.invoices[inv.ID].HMOState; got != PayerDisputed {
		t.Errorf("expected DISPUTED to be kept, got %s", got)
	}
}

func TestMarkPaid_EmptyBatch(t *testing.T) {
	svc, store := newTestService()
	b := newMarchBatch(t, svc, "Hygeia HMO")
	posted, err := svc.MarkPaid(context.Background(), b.ID, "RA-0", cashier)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if posted != 0 || store.batches[b.ID].Status != BatchPaid {
		t.Errorf("expected empty batch to be PAID with no settlements, got %d %s", posted, store.batches[b.ID].Status)
	}
}

func TestAddInvoices_InvoiceClaimedOnce(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	inv := insuredInvoice(t, svc, store, "Hygeia HMO")
	first := newMarchBatch(t, svc, "Hygeia HMO")
	second := newMarchBatch(t, svc, "Hygeia HMO")

	if n, _ := svc.AddInvoices(ctx, first.ID, []uuid.UUID{inv.ID}, cashier); n != 1 {
		t.Fatalf("expected first claim to succeed, got %d", n)
	}
	n, err := svc.AddInvoices(ctx, second.ID, []uuid.UUID{inv.ID}, cashier)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("an invoice may be claimed by one batch only, got %d", n)
	}
	if len(store.items) != 1 {
		t.Errorf("expected 1 claim item, got %d", len(store.items))
	}
}

func TestAddInvoices_SkipsIneligible(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	other := insuredInvoice(t, svc, store, "Reliance HMO")
	old := insuredInvoice(t, svc, store, "Hygeia HMO")
	store.invoices[old.ID].CreatedAt = time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC)
	p := store.addPatient("Cash Patient", "EDH-C1", "")
	v := store.addVisit(p, "EDH-V-C1")
	cash, _ := svc.GenerateInvoice(ctx, v.VisitID, cashier)
	ok := insuredInvoice(t, svc, store, "Hygeia HMO")

	b := newMarchBatch(t, svc, "Hygeia HMO")
	n, err := svc.AddInvoices(ctx, b.ID, []uuid.UUID{other.ID, old.ID, cash.ID, ok.ID}, cashier)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected only the matching invoice to be added, got %d", n)
	}
}

func TestAddInvoices_PeriodUsesHospitalZone(t *testing.T) {
	lagos, err := time.LoadLocation("Africa/Lagos")
	if err != nil {
		t.Skipf("zoneinfo unavailable: %v", err)
	}
	svc, store := newTestService(WithLocation(lagos))
	inv := insuredInvoice(t, svc, store, "Hygeia HMO")
	// 23:30 UTC on 28 Feb is 00:30 on 1 March in Lagos.
	store.invoices[inv.ID].CreatedAt = time.Date(2026, 2, 28, 23, 30, 0, 0, time.UTC)

	b := newMarchBatch(t, svc, "Hygeia HMO")
	n, err := svc.AddInvoices(context.Background(), b.ID, []uuid.UUID{inv.ID}, cashier)
	if err != nil || n != 1 {
		t.Errorf("expected the invoice to fall inside March, got %d %v", n, err)
	}
}

func TestAddInvoices_Errors(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	inv := insuredInvoice(t, svc, store, "Hygeia HMO")
	b := newMarchBatch(t, svc, "Hygeia HMO")

	if _, err := svc.AddInvoices(ctx, b.ID, nil, cashier); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for empty selection, got %v", err)
	}
	if _, err := svc.AddInvoices(ctx, b.ID, []uuid.UUID{inv.ID, uuid.New()}, cashier); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found for unknown invoice, got %v", err)
	}
	if _, err := svc.AddInvoices(ctx, uuid.New(), []uuid.UUID{inv.ID}, cashier); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found for unknown batch, got %v", err)
	}
	if _, err := svc.AddInvoices(ctx, b.ID, []uuid.UUID{inv.ID}, nurse); !errors.Is(err, ErrPermission) {
		t.Errorf("expected permission error, got %v", err)
	}

	if _, err := svc.Submit(ctx, b.ID, cashier); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.AddInvoices(ctx, b.ID, []uuid.UUID{inv.ID}, cashier); !errors.Is(err, ErrValidation) {
		t.Errorf("expected submitted batch to reject invoices, got %v", err)
	}
}

func TestSubmit_NoOpOutsideDraft(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	b := newMarchBatch(t, svc, "Hygeia HMO")
	svc.MarkPaid(ctx, b.ID, "RA-1", cashier)

	got, err := svc.Submit(ctx, b.ID, cashier)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != BatchPaid || store.batches[b.ID].SubmittedAt != nil {
		t.Errorf("expected paid batch to be left alone, got %s", got.Status)
	}
}

func TestSettlementReference(t *testing.T) {
	id := uuid.MustParse("3f2a9c1e-0000-4000-8000-000000000000")
	if got := SettlementReference(id, ""); got != "CLAIM-3F2A9C1E" {
		t.Errorf("unexpected default reference %s", got)
	}
	if got := SettlementReference(id, " RA-7 "); got != "RA-7" {
		t.Errorf("expected trimmed reference, got %s", got)
	}
}

func TestListBatches(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	newMarchBatch(t, svc, "Hygeia HMO")
	paid := newMarchBatch(t, svc, "Reliance HMO")
	svc.MarkPaid(ctx, paid.ID, "RA-1", cashier)

	items, total, err := svc.ListBatches(ctx, "", " paid ", 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || items[0].ID != paid.ID {
		t.Errorf("expected only the paid batch, got %d", total)
	}
}

func TestExportCSV(t *testing.T) {
	svc, store := newTestService(WithHospitalCode("edh"))
	ctx := context.Background()
	inv := insuredInvoice(t, svc, store, "Hygeia HMO")
	b := newMarchBatch(t, svc, "Hygeia HMO")
	svc.AddInvoices(ctx, b.ID, []uuid.UUID{inv.ID}, cashier)

	var buf bytes.Buffer
	if err := svc.ExportCSV(ctx, b.ID, &buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse export: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header and one row, got %d", len(records))
	}
	if strings.Join(records[0], ",") != strings.Join(ExportHeader, ",") {
		t.Errorf("unexpected header %v", records[0])
	}
	row := records[1]
	want := []string{"Hygeia HMO", "2026-03-01", "2026-03-31", inv.HospitalNumber, "Bello Amina",
		inv.VisitNumber, inv.InvoiceNumber, "4000.00"}
	for i := range want {
		if row[i] != want[i] {
			t.Errorf("column %d: expected %q, got %q", i, want[i], row[i])
		}
	}

	if got := svc.ExportFilename(b.ID); got != "EDH_HMO_CLAIMS_"+b.ID.String()+".csv" {
		t.Errorf("unexpected file name %s", got)
	}
	if err := svc.ExportCSV(ctx, uuid.New(), &buf); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
