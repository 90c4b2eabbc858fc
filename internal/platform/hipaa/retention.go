package hipaa

import (
	"fmt"
	"time"
)

// DefaultAccessLogRetentionDays is six years, the HIPAA minimum for audit
// trails.
const DefaultAccessLogRetentionDays = 2190

// RetentionCutoff returns the instant before which access records may be
// purged. Windows shorter than the HIPAA minimum are refused.
func RetentionCutoff(now time.Time, days int) (time.Time, error) {
	if days < DefaultAccessLogRetentionDays {
		return time.Time{}, fmt.Errorf("retention of %d days is below the %d-day minimum", days, DefaultAccessLogRetentionDays)
	}
	return now.UTC().AddDate(0, 0, -days), nil
}
