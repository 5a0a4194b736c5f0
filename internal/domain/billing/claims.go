package billing

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/edh/hms/internal/platform/auth"
)

// MaxEligible caps the eligible invoice list offered for a batch.
const MaxEligible = 300

const dateLayout = "2006-01-02"

// ExportHeader is the first row of a claim batch export.
var ExportHeader = []string{
	"HMO", "Period Start", "Period End", "Hospital No", "Patient", "Visit No", "Invoice", "HMO Amount",
}

// dateOnly keeps the calendar date of t as written, at UTC midnight.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Service) CreateBatch(ctx context.Context, hmoName string, start, end time.Time, actor auth.Actor) (*ClaimBatch, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return nil, err
	}
	hmoName = strings.TrimSpace(hmoName)
	if hmoName == "" {
		return nil, fmt.Errorf("%w: hmo_name is required", ErrValidation)
	}
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("%w: period_start and period_end are required", ErrValidation)
	}
	start, end = dateOnly(start), dateOnly(end)
	if start.After(end) {
		return nil, fmt.Errorf("%w: period_start must not be after period_end", ErrValidation)
	}

	b := &ClaimBatch{
		HMOName:     hmoName,
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      BatchDraft,
		CreatedBy:   actor.ID,
	}
	if err := s.claims.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("create claim batch: %w", err)
	}
	s.logger.Info().Str("batch_id", b.ID.String()).Str("hmo", hmoName).
		Str("period_start", start.Format(dateLayout)).Str("period_end", end.Format(dateLayout)).
		Msg("claim batch created")
	return b, nil
}

// GetBatch returns the batch with its items in claim order.
func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*ClaimBatch, error) {
	b, err := s.claims.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.claims.Items(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load claim items: %w", err)
	}
	b.Items = items
	b.TotalHMOAmount = decimal.Zero
	for _, it := range items {
		b.TotalHMOAmount = b.TotalHMOAmount.Add(it.HMOAmount)
	}
	return b, nil
}

func (s *Service) ListBatches(ctx context.Context, hmoName, status string, limit, offset int) ([]*ClaimBatch, int, error) {
	return s.claims.ListBatches(ctx, strings.TrimSpace(hmoName), strings.ToUpper(strings.TrimSpace(status)), limit, offset)
}

// EligibleInvoices lists unclaimed invoices of the batch's payer created
// within its period, newest first.
func (s *Service) EligibleInvoices(ctx context.Context, batchID uuid.UUID, limit int) ([]*Invoice, error) {
	b, err := s.claims.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxEligible {
		limit = MaxEligible
	}
	return s.invoices.Eligible(ctx, b.HMOName, b.PeriodStart, b.PeriodEnd, s.loc.String(), limit)
}

func (s *Service) eligibleFor(inv *Invoice, b *ClaimBatch) bool {
	if !inv.HMOAmount.IsPositive() || inv.HMOName != b.HMOName {
		return false
	}
	created := civilDate(inv.CreatedAt, s.loc)
	return !created.Before(b.PeriodStart) && !created.After(b.PeriodEnd)
}

// AddInvoices claims the selected invoices in a DRAFT batch. Invoices that
// are ineligible or already claimed by any batch are skipped; the count of
// items actually added is returned.
func (s *Service) AddInvoices(ctx context.Context, batchID uuid.UUID, invoiceIDs []uuid.UUID, actor auth.Actor) (int, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return 0, err
	}
	if len(invoiceIDs) == 0 {
		return 0, fmt.Errorf("%w: no invoices selected", ErrValidation)
	}

	added := 0
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.claims.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if b.Status != BatchDraft {
			return fmt.Errorf("%w: batch is %s, only DRAFT batches accept invoices", ErrValidation, b.Status)
		}

		seen := make(map[uuid.UUID]bool, len(invoiceIDs))
		for _, id := range invoiceIDs {
			if seen[id] {
				continue
			}
			seen[id] = true

			inv, err := s.invoices.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if !s.eligibleFor(inv, b) {
				continue
			}
			ok, err := s.claims.InsertItem(ctx, &ClaimItem{
				BatchID:        b.ID,
				InvoiceID:      inv.ID,
				InvoiceNumber:  inv.InvoiceNumber,
				HMOAmount:      inv.HMOAmount,
				Patient:        inv.PatientName,
				HospitalNumber: inv.HospitalNumber,
				VisitNumber:    inv.VisitNumber,
			})
			if err != nil {
				return fmt.Errorf("insert claim item: %w", err)
			}
			if ok {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("batch_id", batchID.String()).Int("selected", len(invoiceIDs)).Int("added", added).
		Msg("invoices added to claim batch")
	return added, nil
}

// Submit moves a DRAFT batch to SUBMITTED. Batches in any other state are
// returned unchanged.
func (s *Service) Submit(ctx context.Context, batchID uuid.UUID, actor auth.Actor) (*ClaimBatch, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return nil, err
	}
	var out *ClaimBatch
	submitted := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.claims.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		out = b
		if b.Status != BatchDraft {
			return nil
		}
		submitted = true

		now := s.now()
		b.Status = BatchSubmitted
		b.SubmittedAt = &now
		if err := s.claims.UpdateBatchStatus(ctx, b); err != nil {
			return fmt.Errorf("update batch status: %w", err)
		}
		ids, err := s.itemInvoiceIDs(ctx, batchID)
		if err != nil {
			return err
		}
		_, err = s.invoices.AdvancePayerState(ctx, ids, []string{PayerOK}, PayerSubmitted)
		return err
	})
	if err != nil {
		return nil, err
	}
	if submitted {
		s.logger.Info().Str("batch_id", batchID.String()).Str("hmo", out.HMOName).Msg("claim batch submitted")
	}
	return out, nil
}

func (s *Service) itemInvoiceIDs(ctx context.Context, batchID uuid.UUID) ([]uuid.UUID, error) {
	items, err := s.claims.Items(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load claim items: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.InvoiceID)
	}
	return ids, nil
}

// SettlementReference is the reference used when a batch is marked paid
// without one, so repeated calls stay idempotent.
func SettlementReference(batchID uuid.UUID, reference string) string {
	if ref := strings.TrimSpace(reference); ref != "" {
		return ref
	}
	return "CLAIM-" + strings.ToUpper(batchID.String()[:8])
}

// MarkPaid posts one HMO settlement per payable claim item and marks the
// batch PAID. Items already settled under the same reference are skipped,
// so the call can be repeated safely. Patient balances are not touched.
func (s *Service) MarkPaid(ctx context.Context, batchID uuid.UUID, reference string, actor auth.Actor) (int, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return 0, err
	}
	ref := SettlementReference(batchID, reference)

	posted := 0
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.claims.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		items, err := s.claims.Items(ctx, batchID)
		if err != nil {
			return fmt.Errorf("load claim items: %w", err)
		}

		settled := make([]uuid.UUID, 0, len(items))
		for _, it := range items {
			if !it.HMOAmount.IsPositive() {
				continue
			}
			ok, err := s.postSettlement(ctx, it.InvoiceID, it.HMOAmount, ref, actor)
			if err != nil {
				return err
			}
			if ok {
				posted++
			}
			settled = append(settled, it.InvoiceID)
		}
		if _, err := s.invoices.AdvancePayerState(ctx, settled,
			[]string{PayerOK, PayerSubmitted, PayerApproved}, PayerSettled); err != nil {
			return err
		}

		now := s.now()
		b.Status = BatchPaid
		b.PaidReference = ref
		if b.PaidAt == nil {
			b.PaidAt = &now
		}
		return s.claims.UpdateBatchStatus(ctx, b)
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("batch_id", batchID.String()).Str("reference", ref).Int("posted", posted).
		Msg("claim batch marked paid")
	return posted, nil
}

// ExportFilename names the CSV export of a batch.
func (s *Service) ExportFilename(batchID uuid.UUID) string {
	return fmt.Sprintf("%s_HMO_CLAIMS_%s.csv", s.hospitalCode, batchID)
}

// ExportCSV writes one row per claim item, in claim order.
func (s *Service) ExportCSV(ctx context.Context, batchID uuid.UUID, w io.Writer) error {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return err
	}
	start, end := b.PeriodStart.Format(dateLayout), b.PeriodEnd.Format(dateLayout)
	for _, it := range b.Items {
		if err := cw.Write([]string{
			b.HMOName, start, end, it.HospitalNumber, it.Patient, it.VisitNumber,
			it.InvoiceNumber, it.HMOAmount.StringFixed(2),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
