package extract

import (
	"time"

	"songetl/internal/schema"
)

// DecomposeTimestamp splits an epoch-millisecond instant into the time table's
// calendar fields. The instant is taken in UTC. Week is the ISO 8601 week and
// Weekday counts from Monday=0.
func DecomposeTimestamp(ms int64) schema.Time {
	t := time.UnixMilli(ms).UTC()
	_, week := t.ISOWeek()
	return schema.Time{
		StartTime: t.Format(schema.StartTimeLayout),
		Hour:      t.Hour(),
		Day:       t.Day(),
		Week:      week,
		Month:     int(t.Month()),
		Year:      t.Year(),
		Weekday:   (int(t.Weekday()) + 6) % 7,
	}
}
