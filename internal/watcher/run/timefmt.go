package run

import (
	"fmt"
	"time"
)

const reportTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatDuration renders d as HH:MM:SS.mmm. Hours grow past two digits
// when needed.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / int64(time.Hour/time.Millisecond)
	ms -= h * int64(time.Hour/time.Millisecond)
	m := ms / int64(time.Minute/time.Millisecond)
	ms -= m * int64(time.Minute/time.Millisecond)
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
