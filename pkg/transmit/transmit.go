// Package transmit sends synthesized TCP segments onto the network.
package transmit

import (
	"log/slog"

	"github.com/psaab/dyntrack/pkg/segment"
)

// Transmitter sends one segment. Implementations must be safe for
// concurrent use.
type Transmitter interface {
	Transmit(s segment.Segment) error
}

// Func adapts a function to Transmitter.
type Func func(s segment.Segment) error

// Transmit calls f(s).
func (f Func) Transmit(s segment.Segment) error { return f(s) }

// Log returns a Transmitter that only logs segments at debug level. It is
// used for pcap replay and when sending is disabled.
func Log(logger *slog.Logger) Transmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return Func(func(s segment.Segment) error {
		logger.Debug("segment not sent (dry run)", "segment", s.String())
		return nil
	})
}
