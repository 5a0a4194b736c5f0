package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNormalizeFollowUpStatus(t *testing.T) {
	tests := map[string]string{
		"reinded":    FollowUpReminded,
		" REINDED ":  FollowUpReminded,
		"escalated":  FollowUpEscalated,
		"Settled":    FollowUpSettled,
		"":           "",
		"whatever":   "WHATEVER",
		"reminded  ": FollowUpReminded,
	}
	for in, want := range tests {
		if got := NormalizeFollowUpStatus(in); got != want {
			t.Errorf("NormalizeFollowUpStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunFollowUpSweep(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	insuredInvoice(t, svc, store, "Hygeia HMO")
	paid := insuredInvoice(t, svc, store, "Reliance HMO")
	svc.PostSettlement(ctx, paid.ID, d("4000.00"), "RA-1", cashier)
	blank := insuredInvoice(t, svc, store, "Hygeia HMO")
	store.invoices[blank.ID].HMOName = "  "

	summary, err := svc.RunFollowUpSweep(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Payers != 3 || summary.Reminded != 1 || summary.Skipped != 2 {
		t.Errorf("unexpected summary: payers=%d reminded=%d skipped=%d", summary.Payers, summary.Reminded, summary.Skipped)
	}
	if !summary.PeriodStart.Equal(time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)) || !summary.PeriodEnd.Equal(march(15)) {
		t.Errorf("unexpected window %s..%s", summary.PeriodStart, summary.PeriodEnd)
	}

	f := summary.FollowUps[0]
	if f.HMOName != "Hygeia HMO" || f.Status != FollowUpReminded {
		t.Errorf("unexpected follow-up %+v", f)
	}
	if f.NextFollowUpAt == nil || !f.NextFollowUpAt.Equal(march(22)) {
		t.Errorf("expected next follow-up on 22 March, got %v", f.NextFollowUpAt)
	}
	if f.LastActionAt == nil || !f.LastActionAt.Equal(testNow) {
		t.Errorf("expected last action now, got %v", f.LastActionAt)
	}
	if len(store.followups) != 1 {
		t.Errorf("expected 1 stored follow-up, got %d", len(store.followups))
	}
}

func TestRunFollowUpSweep_SameDayOverwrites(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	insuredInvoice(t, svc, store, "Hygeia HMO")

	first, _ := svc.RunFollowUpSweep(ctx)
	notes := "called claims officer"
	if _, err := svc.UpdateFollowUp(ctx, first.FollowUps[0].ID, FollowUpUpdate{Status: "escalated", Notes: &notes}, cashier); err != nil {
		t.Fatalf("UpdateFollowUp: %v", err)
	}

	store.now = store.now.Add(3 * time.Hour)
	second, err := svc.RunFollowUpSweep(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.followups) != 1 {
		t.Fatalf("expected the follow-up to be overwritten, got %d rows", len(store.followups))
	}
	f := second.FollowUps[0]
	if f.ID != first.FollowUps[0].ID {
		t.Error("expected the same follow-up row")
	}
	if f.Status != FollowUpReminded || f.Notes != notes {
		t.Errorf("expected status reset and notes kept, got %s %q", f.Status, f.Notes)
	}

	store.now = store.now.AddDate(0, 0, 1)
	if _, err := svc.RunFollowUpSweep(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.followups) != 2 {
		t.Errorf("a new day opens a new window, got %d rows", len(store.followups))
	}
}

func TestUpdateFollowUp(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	insuredInvoice(t, svc, store, "Hygeia HMO")
	summary, _ := svc.RunFollowUpSweep(ctx)
	id := summary.FollowUps[0].ID

	next := time.Date(2026, 4, 1, 17, 0, 0, 0, time.UTC)
	owner := " cashier-2 "
	store.now = store.now.Add(time.Hour)
	got, err := svc.UpdateFollowUp(ctx, id, FollowUpUpdate{Status: "reinded", NextFollowUpAt: &next, OwnerID: &owner}, cashier)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != FollowUpReminded || got.OwnerID != "cashier-2" {
		t.Errorf("unexpected follow-up %+v", got)
	}
	if !got.NextFollowUpAt.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected date-only next follow-up, got %s", got.NextFollowUpAt)
	}
	if !got.LastActionAt.Equal(store.now) {
		t.Errorf("expected last action to be stamped, got %s", got.LastActionAt)
	}

	if _, err := svc.UpdateFollowUp(ctx, id, FollowUpUpdate{Status: "CLOSED"}, cashier); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := svc.UpdateFollowUp(ctx, uuid.New(), FollowUpUpdate{}, cashier); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := svc.UpdateFollowUp(ctx, id, FollowUpUpdate{}, nurse); !errors.Is(err, ErrPermission) {
		t.Errorf("expected permission error, got %v", err)
	}
}

func TestListDueFollowUps(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	insuredInvoice(t, svc, store, "Hygeia HMO")
	insuredInvoice(t, svc, store, "Reliance HMO")
	summary, _ := svc.RunFollowUpSweep(ctx)

	due, err := svc.ListDueFollowUps(ctx, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("nothing is due before the next follow-up date, got %d", len(due))
	}

	due, _ = svc.ListDueFollowUps(ctx, time.Date(2026, 3, 22, 9, 0, 0, 0, time.UTC))
	if len(due) != 2 || due[0].HMOName != "Hygeia HMO" {
		t.Fatalf("expected both payers due on 22 March, got %d", len(due))
	}

	svc.UpdateFollowUp(ctx, summary.FollowUps[0].ID, FollowUpUpdate{Status: FollowUpSettled}, cashier)
	due, _ = svc.ListDueFollowUps(ctx, march(31))
	if len(due) != 1 {
		t.Errorf("settled follow-ups are never due, got %d", len(due))
	}
}

// -- Dashboard --

func TestDashboard(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	inv := insuredInvoice(t, svc, store, "Hygeia HMO")

	store.now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc.RecordPayment(ctx, inv.ID, d("300"), MethodCash, "", cashier)
	store.now = time.Date(2026, 2, 27, 9, 0, 0, 0, time.UTC)
	svc.RecordPayment(ctx, inv.ID, d("200"), MethodPOS, "", cashier)
	store.now = testNow
	svc.RecordPayment(ctx, inv.ID, d("100"), MethodCash, "", cashier)
	svc.PostSettlement(ctx, inv.ID, d("4000"), "RA-1", cashier)

	dash, err := svc.Dashboard(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dash.Today.Equal(march(15)) {
		t.Errorf("unexpected today %s", dash.Today)
	}
	assertAmount(t, "today", dash.PaymentsToday, "4100")
	assertAmount(t, "month to date", dash.PaymentsMonthToDate, "4400")
	assertAmount(t, "outstanding balance", dash.OutstandingBalance, "400.00")
	assertAmount(t, "receivables", dash.HMOReceivables, "4000.00")

	if len(dash.DailyTrend) != 30 {
		t.Fatalf("expected 30 trend days, got %d", len(dash.DailyTrend))
	}
	first, last := dash.DailyTrend[0], dash.DailyTrend[29]
	if !first.Day.Equal(time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)) || !last.Day.Equal(march(15)) {
		t.Errorf("unexpected trend range %s..%s", first.Day, last.Day)
	}
	assertAmount(t, "last day", last.Total, "4100")
	assertAmount(t, "27 Feb", dash.DailyTrend[13].Total, "200")
	assertAmount(t, "empty day", dash.DailyTrend[1].Total, "0")

	if len(dash.MethodTotals) != 3 || dash.MethodTotals[0].Method != MethodHMO {
		t.Errorf("unexpected method totals %+v", dash.MethodTotals)
	}
}
