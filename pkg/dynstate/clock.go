package dynstate

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	clockGettime = unix.ClockGettime
	clockBase    = time.Now()
	clockWarn    sync.Once
)

// MonotonicSeconds returns the monotonic clock in whole seconds. If the
// kernel clock cannot be read it falls back to the seconds elapsed since
// process start, counted from 1.
func MonotonicSeconds() int64 {
	var ts unix.Timespec
	if err := clockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		clockWarn.Do(func() {
			slog.Error("dynamic state: CLOCK_MONOTONIC unavailable, using process clock", "err", err)
		})
		return int64(time.Since(clockBase)/time.Second) + 1
	}
	return int64(ts.Sec)
}
