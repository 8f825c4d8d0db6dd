package slave

import (
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// CounterSource returns cumulative rx/tx byte counters. The default source
// sums all non-loopback NICs; tests substitute their own.
type CounterSource func() (rx, tx uint64, err error)

// nicCounters reads the machine's cumulative NIC byte counters, summed
// across all non-loopback interfaces.
func nicCounters() (rx, tx uint64, err error) {
	stats, err := psnet.IOCounters(true)
	if err != nil {
		return 0, 0, err
	}
	for _, s := range stats {
		if isLoopback(s.Name) {
			continue
		}
		rx += s.BytesRecv
		tx += s.BytesSent
	}
	return rx, tx, nil
}

func isLoopback(name string) bool {
	return name == "lo" || strings.HasPrefix(name, "lo0")
}

// windowedBps converts two successive cumulative counters into bits per
// second over the window. Counter resets show up as negative deltas and are
// clamped to 0.
func windowedBps(prev, cur uint64, window time.Duration) int64 {
	if cur < prev {
		return 0
	}
	return int64(8 * float64(cur-prev) / window.Seconds())
}
