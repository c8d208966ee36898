package usage

import (
	"time"

	"gather-ingest/internal/repository"
)

// CurrentPeriod resolves the billing window containing now. Subscriptions
// walk whole months from the billing cycle anchor; trials walk from the
// trial start; tenants with neither fall back to the calendar month.
// Periods never overlap, so start is inclusive and end exclusive.
func CurrentPeriod(billing *repository.TenantBilling, now time.Time) (start, end time.Time) {
	now = now.UTC()
	switch {
	case billing != nil && billing.BillingCycleAnchor != nil:
		return periodFromAnchor(billing.BillingCycleAnchor.UTC(), now)
	case billing != nil && billing.TrialStartAt != nil:
		return periodFromAnchor(billing.TrialStartAt.UTC(), now)
	default:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}

// periodFromAnchor finds the largest month offset whose clamped anchor date
// is not after now. The offset may be negative when the anchor itself is in
// the future (subscription created mid-period on a later day).
func periodFromAnchor(anchor, now time.Time) (start, end time.Time) {
	months := monthsBetween(anchor, now)

	start = addMonthsClamped(anchor, months)
	for start.After(now) {
		months--
		start = addMonthsClamped(anchor, months)
	}
	for {
		next := addMonthsClamped(anchor, months+1)
		if next.After(now) {
			return start, next
		}
		months++
		start = next
	}
}

func monthsBetween(anchor, now time.Time) int {
	return (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
}

// addMonthsClamped adds whole months to the anchor, clamping the anchor day
// to the last day of the target month. Go's AddDate would normalize
// Jan 31 + 1 month into Mar 2/3, which is exactly the overflow billing
// must not do.
func addMonthsClamped(anchor time.Time, months int) time.Time {
	year, month := anchor.Year(), int(anchor.Month())+months
	// Normalize the month into [1, 12].
	year += (month - 1) / 12
	month = (month-1)%12 + 1
	if month < 1 {
		month += 12
		year--
	}

	day := anchor.Day()
	if last := daysInMonth(year, time.Month(month)); day > last {
		day = last
	}
	return time.Date(year, time.Month(month), day,
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
