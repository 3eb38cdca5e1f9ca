//go:build !linux

package transmit

import (
	"errors"

	"github.com/psaab/dyntrack/pkg/segment"
)

// RawSocket is only available on Linux.
type RawSocket struct{}

// OpenRaw always fails on this platform.
func OpenRaw() (*RawSocket, error) {
	return nil, errors.New("raw sockets are only supported on linux")
}

func (r *RawSocket) Transmit(segment.Segment) error {
	return errors.New("raw sockets are only supported on linux")
}

func (r *RawSocket) Counters() (sent, failed uint64) { return 0, 0 }

func (r *RawSocket) Close() error { return nil }
