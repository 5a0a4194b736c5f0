package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/edh/hms/internal/platform/auth"
)

// ComputeAging buckets outstanding HMO receivables as of a calendar date.
// A zero asOf means today.
func (s *Service) ComputeAging(ctx context.Context, asOf time.Time) (*AgingReport, error) {
	if asOf.IsZero() {
		asOf = s.today()
	} else {
		asOf = dateOnly(asOf)
	}
	rows, err := s.invoices.AgingRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aging rows: %w", err)
	}
	return BuildAgingReport(rows, asOf, s.loc), nil
}

func (s *Service) MarkInvoiceDisputed(ctx context.Context, invoiceID uuid.UUID, reason string, amount decimal.Decimal, actor auth.Actor) (*Invoice, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return nil, err
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: dispute amount must not be negative", ErrValidation)
	}
	return s.setPayerState(ctx, invoiceID, PayerDisputed, strings.TrimSpace(reason), amount.Round(2))
}

func (s *Service) ClearInvoiceDispute(ctx context.Context, invoiceID uuid.UUID, actor auth.Actor) (*Invoice, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return nil, err
	}
	return s.setPayerState(ctx, invoiceID, PayerOK, "", decimal.Zero)
}

func (s *Service) setPayerState(ctx context.Context, invoiceID uuid.UUID, state, reason string, amount decimal.Decimal) (*Invoice, error) {
	var out *Invoice
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := s.invoices.LockByID(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := s.invoices.SetPayerState(ctx, invoiceID, state, reason, amount); err != nil {
			return fmt.Errorf("set payer state: %w", err)
		}
		inv.HMOState = state
		inv.HMODisputeReason = reason
		inv.HMODisputeAmount = amount
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FlagClaimItemDisputed marks a claim item disputed and puts its invoice
// into dispute for the claimed amount. Clearing the invoice dispute later
// leaves the item flag as it is.
func (s *Service) FlagClaimItemDisputed(ctx context.Context, itemID uuid.UUID, reason string, actor auth.Actor) (*ClaimItem, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	var out *ClaimItem
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		item, err := s.claims.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := s.claims.FlagItem(ctx, itemID, reason, now); err != nil {
			return fmt.Errorf("flag claim item: %w", err)
		}
		if _, err := s.invoices.LockByID(ctx, item.InvoiceID); err != nil {
			return err
		}
		if err := s.invoices.SetPayerState(ctx, item.InvoiceID, PayerDisputed, reason, item.HMOAmount); err != nil {
			return fmt.Errorf("set payer state: %w", err)
		}
		item.Disputed = true
		item.DisputeReason = reason
		item.DisputedAt = &now
		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkReminded stamps every invoice of the payer that carries a payer share
// with the reminder time. It returns the number of invoices stamped.
func (s *Service) MarkReminded(ctx context.Context, hmoName string, actor auth.Actor) (int64, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return 0, err
	}
	hmoName = strings.TrimSpace(hmoName)
	if hmoName == "" {
		return 0, fmt.Errorf("%w: hmo_name is required", ErrValidation)
	}
	n, err := s.invoices.MarkReminded(ctx, hmoName, s.now())
	if err != nil {
		return 0, fmt.Errorf("mark reminded: %w", err)
	}
	s.logger.Info().Str("hmo", hmoName).Int64("invoices", n).Msg("hmo reminded")
	return n, nil
}
