package clock

import "time"

var processStart = time.Now()

func fallbackNowUS() int64 {
	return time.Since(processStart).Microseconds()
}
