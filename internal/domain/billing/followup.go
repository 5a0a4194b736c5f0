package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edh/hms/internal/platform/auth"
)

const (
	followUpWindowDays   = 30
	followUpIntervalDays = 7
)

// NormalizeFollowUpStatus upper-cases status and maps the legacy
// "REINDED" spelling onto REMINDED.
func NormalizeFollowUpStatus(status string) string {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status == "REINDED" {
		return FollowUpReminded
	}
	return status
}

// RunFollowUpSweep records a reminder for every payer that still owes
// money. Each payer gets one follow-up per (today-30d, today) window;
// running the sweep again the same day overwrites it.
func (s *Service) RunFollowUpSweep(ctx context.Context) (*SweepSummary, error) {
	now := s.now()
	today := civilDate(now, s.loc)
	next := today.AddDate(0, 0, followUpIntervalDays)
	summary := &SweepSummary{
		RunAt:       now,
		PeriodStart: today.AddDate(0, 0, -followUpWindowDays),
		PeriodEnd:   today,
		FollowUps:   []*FollowUp{},
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		balances, err := s.followups.PayerBalances(ctx)
		if err != nil {
			return fmt.Errorf("load payer balances: %w", err)
		}
		for _, b := range balances {
			summary.Payers++
			name := strings.TrimSpace(b.HMOName)
			if name == "" || !b.Outstanding().IsPositive() {
				summary.Skipped++
				continue
			}
			lastAction, nextAt := now, next
			f := &FollowUp{
				HMOName:        name,
				PeriodStart:    summary.PeriodStart,
				PeriodEnd:      summary.PeriodEnd,
				Status:         FollowUpReminded,
				LastActionAt:   &lastAction,
				NextFollowUpAt: &nextAt,
			}
			if err := s.followups.Upsert(ctx, f); err != nil {
				return fmt.Errorf("upsert follow-up for %s: %w", name, err)
			}
			summary.Reminded++
			summary.FollowUps = append(summary.FollowUps, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int("payers", summary.Payers).Int("reminded", summary.Reminded).
		Int("skipped", summary.Skipped).Msg("follow-up sweep finished")
	return summary, nil
}

// ListDueFollowUps returns open follow-ups whose next date has arrived.
// A zero today means the current date.
func (s *Service) ListDueFollowUps(ctx context.Context, today time.Time) ([]*FollowUp, error) {
	if today.IsZero() {
		today = s.today()
	} else {
		today = dateOnly(today)
	}
	return s.followups.ListDue(ctx, today)
}

// FollowUpUpdate carries the staff edits to a follow-up. Nil fields are
// left unchanged.
type FollowUpUpdate struct {
	Status         string
	Notes          *string
	NextFollowUpAt *time.Time
	OwnerID        *string
}

func (s *Service) UpdateFollowUp(ctx context.Context, id uuid.UUID, in FollowUpUpdate, actor auth.Actor) (*FollowUp, error) {
	if err := requireRole(actor, auth.RoleBilling); err != nil {
		return nil, err
	}
	status := NormalizeFollowUpStatus(in.Status)
	if status != "" && !validFollowUpStatuses[status] {
		return nil, fmt.Errorf("%w: invalid follow-up status: %s", ErrValidation, in.Status)
	}

	var out *FollowUp
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		f, err := s.followups.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if status != "" {
			f.Status = status
		}
		if in.Notes != nil {
			f.Notes = strings.TrimSpace(*in.Notes)
		}
		if in.NextFollowUpAt != nil {
			next := dateOnly(*in.NextFollowUpAt)
			f.NextFollowUpAt = &next
		}
		if in.OwnerID != nil {
			f.OwnerID = strings.TrimSpace(*in.OwnerID)
		}
		now := s.now()
		f.LastActionAt = &now
		if err := s.followups.Update(ctx, f); err != nil {
			return fmt.Errorf("update follow-up: %w", err)
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
