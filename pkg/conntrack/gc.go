// Package conntrack runs the periodic sweeper of the dynamic state table:
// it reaps expired sessions and sends keepalives for established TCP
// sessions about to expire.
package conntrack

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/psaab/dyntrack/pkg/dynstate"
	"github.com/psaab/dyntrack/pkg/transmit"
)

// Sweeper is the part of the state table the GC drives.
type Sweeper interface {
	Sweep() dynstate.SweepResult
}

// Stats are cumulative GC counters.
type Stats struct {
	Sweeps         uint64
	Reaped         uint64
	KeepalivesSent uint64
	TransmitErrors uint64
	LastSweep      time.Time
	LastDuration   time.Duration
	LastEntries    int
}

// GC performs periodic garbage collection on the state table.
type GC struct {
	table    Sweeper
	tx       transmit.Transmitter
	interval atomic.Int64

	// OnSweep, when set, is called after every sweep with its result.
	OnSweep func(dynstate.SweepResult)

	mu    sync.Mutex
	stats Stats

	txErrLog rate.Sometimes
}

// NewGC creates a garbage collector sweeping table every interval and
// sending keepalives through tx. A nil tx drops them.
func NewGC(table Sweeper, tx transmit.Transmitter, interval time.Duration) *GC {
	gc := &GC{
		table:    table,
		tx:       tx,
		txErrLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	gc.SetInterval(interval)
	return gc
}

// SetInterval changes the sweep period. Takes effect after the next tick.
func (gc *GC) SetInterval(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	gc.interval.Store(int64(d))
}

// Interval returns the sweep period.
func (gc *GC) Interval() time.Duration {
	return time.Duration(gc.interval.Load())
}

// Run starts the GC loop. It blocks until ctx is cancelled.
func (gc *GC) Run(ctx context.Context) {
	cur := gc.Interval()
	slog.Info("dynamic state GC started", "interval", cur)
	ticker := time.NewTicker(cur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dynamic state GC stopped")
			return
		case <-ticker.C:
			gc.sweep()
			if d := gc.Interval(); d != cur {
				slog.Info("dynamic state GC interval changed", "from", cur, "to", d)
				cur = d
				ticker.Reset(cur)
			}
		}
	}
}

// SweepNow runs one sweep synchronously.
func (gc *GC) SweepNow() dynstate.SweepResult {
	return gc.sweep()
}

// Stats returns a copy of the GC counters.
func (gc *GC) Stats() Stats {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.stats
}

func (gc *GC) sweep() dynstate.SweepResult {
	start := time.Now()
	res := gc.table.Sweep()

	// Keepalives go out after the table lock is released.
	var sent, failed int
	for _, s := range res.Keepalives {
		if gc.tx == nil {
			break
		}
		if err := gc.tx.Transmit(s); err != nil {
			failed++
			gc.txErrLog.Do(func() {
				slog.Warn("dynamic state GC: keepalive send failed",
					"segment", s.String(), "err", err)
			})
			continue
		}
		sent++
	}

	gc.mu.Lock()
	gc.stats.Sweeps++
	gc.stats.Reaped += uint64(res.Reaped)
	gc.stats.KeepalivesSent += uint64(sent)
	gc.stats.TransmitErrors += uint64(failed)
	gc.stats.LastSweep = start
	gc.stats.LastDuration = time.Since(start)
	gc.stats.LastEntries = res.Entries
	gc.mu.Unlock()

	if res.Reaped > 0 || len(res.Keepalives) > 0 {
		slog.Debug("dynamic state GC sweep",
			"entries", res.Entries,
			"expired_deleted", res.Reaped,
			"keepalives", len(res.Keepalives),
			"keepalive_errors", failed)
	}
	if gc.OnSweep != nil {
		gc.OnSweep(res)
	}
	return res
}
