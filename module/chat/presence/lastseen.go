package presence

import (
	"fmt"
	"time"
)

// FormatLastSeen renders a last-seen timestamp (unix ms) the way the user
// list shows it. A zero timestamp means the user was never observed going
// offline and reads as "recently".
func FormatLastSeen(now time.Time, lastSeenMS int64) string {
	if lastSeenMS <= 0 {
		return "recently"
	}
	diff := now.Sub(time.UnixMilli(lastSeenMS))
	if diff < 0 {
		diff = 0
	}

	mins := int64(diff / time.Minute)
	hours := int64(diff / time.Hour)
	days := int64(diff / (24 * time.Hour))

	switch {
	case mins < 1:
		return "just now"
	case mins < 60:
		return fmt.Sprintf("%dm ago", mins)
	case hours < 24:
		return fmt.Sprintf("%dh ago", hours)
	case days < 7:
		return fmt.Sprintf("%dd ago", days)
	default:
		return "recently"
	}
}
