package isr

import "time"

func timeFromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
