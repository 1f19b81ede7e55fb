package dispatch

import "fmt"

// reminderCopy picks the title and body for a reminder attempt. Tone
// escalates with the attempt number; the first reminder mentions the
// incentive when one is configured.
func reminderCopy(attempt, incentiveDays int, manageURL string) (title, body string) {
	switch {
	case attempt <= 1:
		title = "Your payment didn't go through"
		if incentiveDays > 0 {
			body = fmt.Sprintf(
				"We couldn't process your membership payment. Update your payment details and we'll add %d free days to your membership: %s",
				incentiveDays, manageURL,
			)
		} else {
			body = fmt.Sprintf(
				"We couldn't process your membership payment. Please update your payment details: %s",
				manageURL,
			)
		}
	case attempt == 2:
		title = "Reminder: your membership payment is still failing"
		body = fmt.Sprintf(
			"Your membership payment is still failing and access may be interrupted. Update your payment details here: %s",
			manageURL,
		)
	default:
		title = "Final notice: membership at risk"
		body = fmt.Sprintf(
			"This is the final reminder before your membership is cancelled. Update your payment details now to keep access: %s",
			manageURL,
		)
	}

	return title, body
}
