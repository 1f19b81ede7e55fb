// Package policy decides when a case is due for its next reminder. It is
// pure: the decision depends only on elapsed time and the persisted attempt
// counter, so the scheduler may run at any cadence without skipping or
// double-firing reminders.
package policy

import "time"

// Decision is the outcome of evaluating one case against its schedule.
type Decision struct {
	Due     bool
	Attempt int // 1-indexed attempt number to dispatch when Due
}

// Evaluate returns whether a case with the given attempt count and first
// failure time is due for a reminder under the ascending offsets schedule.
//
// Attempt k is eligible once floor(days since first failure) >= offsets[k-1]
// and fewer than k attempts have been recorded. The smallest such k wins, so
// reminders fire in order even when the scheduler was down for several days.
func Evaluate(attempts int, firstFailureAt time.Time, offsetsDays []int, now time.Time) Decision {
	if attempts >= len(offsetsDays) {
		// Schedule exhausted.
		return Decision{}
	}

	elapsed := now.Sub(firstFailureAt)
	if elapsed < 0 {
		return Decision{}
	}
	daysSince := int(elapsed.Hours() / 24)

	next := attempts + 1
	if daysSince >= offsetsDays[next-1] {
		return Decision{Due: true, Attempt: next}
	}

	return Decision{}
}
