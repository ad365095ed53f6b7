package utils

import (
	"fmt"
	"time"
)

// FormatDays renders a duration as a whole-day action window, e.g.
// "within 7 days".
func FormatDays(d time.Duration) string {
	days := int(d.Hours() / 24)
	if days <= 1 {
		return "within 1 day"
	}
	return fmt.Sprintf("within %d days", days)
}
