package reminder

import (
	"fmt"
	"strings"
	"time"
)

// TemplateData carries the placeholder values for one reminder.
type TemplateData struct {
	ClientName string
	Service    string
	StartsAt   time.Time
	SalonName  string
}

// Render substitutes the supported placeholders into a tenant's template
// body. Unknown placeholders are left as-is so a typo is visible in the
// delivered message rather than silently dropped.
func Render(body string, data TemplateData) string {
	r := strings.NewReplacer(
		"{clientName}", data.ClientName,
		"{service}", data.Service,
		"{time}", data.StartsAt.Format("3:04 PM"),
		"{date}", data.StartsAt.Format("Monday, January 2"),
		"{salonName}", data.SalonName,
	)
	return r.Replace(body)
}

// KindForOffset names a reminder offset, e.g. 24h -> "24h", 90m -> "90m".
// The pair (appointment, kind) is the dedup key for the sweep.
func KindForOffset(offset time.Duration) string {
	if offset%time.Hour == 0 {
		return fmt.Sprintf("%dh", offset/time.Hour)
	}
	return fmt.Sprintf("%dm", offset/time.Minute)
}
