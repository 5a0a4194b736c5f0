package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const trendDays = 30

// Dashboard summarises cash received and money still owed.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := s.now().In(s.loc)
	y, m, d := now.Date()
	startOfDay := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	startOfMonth := time.Date(y, m, 1, 0, 0, 0, 0, s.loc)
	trendStart := startOfDay.AddDate(0, 0, -(trendDays - 1))
	today := civilDate(now, s.loc)

	out := &Dashboard{Today: today}
	var err error
	if out.PaymentsToday, err = s.reports.PaymentsSince(ctx, startOfDay); err != nil {
		return nil, fmt.Errorf("payments today: %w", err)
	}
	if out.PaymentsMonthToDate, err = s.reports.PaymentsSince(ctx, startOfMonth); err != nil {
		return nil, fmt.Errorf("payments month to date: %w", err)
	}
	if out.OutstandingBalance, out.HMOReceivables, err = s.reports.Outstanding(ctx); err != nil {
		return nil, fmt.Errorf("outstanding: %w", err)
	}
	if out.FollowUpsDue, err = s.followups.CountDue(ctx, today); err != nil {
		return nil, fmt.Errorf("follow-ups due: %w", err)
	}
	daily, err := s.reports.DailyTotals(ctx, trendStart, s.loc.String())
	if err != nil {
		return nil, fmt.Errorf("daily totals: %w", err)
	}
	out.DailyTrend = fillTrend(daily, civilDate(trendStart, s.loc), trendDays)
	if out.MethodTotals, err = s.reports.MethodTotals(ctx, trendStart); err != nil {
		return nil, fmt.Errorf("method totals: %w", err)
	}
	return out, nil
}

// fillTrend returns one entry per day from first, with zero for days that
// had no payments.
func fillTrend(daily []DailyTotal, first time.Time, days int) []DailyTotal {
	byDay := make(map[time.Time]decimal.Decimal, len(daily))
	for _, d := range daily {
		byDay[dateOnly(d.Day)] = d.Total
	}
	out := make([]DailyTotal, days)
	for i := range out {
		day := first.AddDate(0, 0, i)
		total, ok := byDay[day]
		if !ok {
			total = decimal.Zero
		}
		out[i] = DailyTotal{Day: day, Total: total}
	}
	return out
}
