package dynstate

import "fmt"

// Bucket count bounds.
const (
	MinBuckets = 2
	MaxBuckets = 65536
)

// Tunables are the recognized table options. Lifetimes, the keepalive
// period and the keepalive interval are in seconds.
type Tunables struct {
	Buckets    uint32
	MaxEntries int

	SynLifetime   uint32 // half-open TCP
	AckLifetime   uint32 // established TCP
	FinLifetime   uint32 // closing or closed TCP
	RstLifetime   uint32 // reset or anomalous TCP
	UDPLifetime   uint32
	ShortLifetime uint32 // every other protocol, and limit parents

	Keepalive         bool
	KeepalivePeriod   uint32 // sweeper period
	KeepaliveInterval uint32 // send keepalives to established sessions this close to expiry
}

// DefaultTunables returns the stock table configuration.
func DefaultTunables() Tunables {
	return Tunables{
		Buckets:           256,
		MaxEntries:        4096,
		SynLifetime:       20,
		AckLifetime:       300,
		FinLifetime:       1,
		RstLifetime:       1,
		UDPLifetime:       10,
		ShortLifetime:     5,
		Keepalive:         true,
		KeepalivePeriod:   5,
		KeepaliveInterval: 20,
	}
}

// ValidBuckets reports whether n is a power of two within the bucket
// bounds.
func ValidBuckets(n uint32) bool {
	return n >= MinBuckets && n <= MaxBuckets && n&(n-1) == 0
}

// Normalize returns t with out-of-range values replaced. Invalid bucket
// counts, entry caps and keepalive settings fall back to prev; FIN and RST
// lifetimes are clamped below the keepalive period so the sweeper always
// gets a chance to run before such an entry is reaped. The returned
// warnings describe every substitution.
func (t Tunables) Normalize(prev Tunables) (Tunables, []string) {
	var warnings []string
	def := DefaultTunables()

	if !ValidBuckets(prev.Buckets) {
		prev.Buckets = def.Buckets
	}
	if !ValidBuckets(t.Buckets) {
		warnings = append(warnings, fmt.Sprintf(
			"buckets %d is not a power of two in %d..%d, keeping %d",
			t.Buckets, MinBuckets, MaxBuckets, prev.Buckets))
		t.Buckets = prev.Buckets
	}

	if prev.MaxEntries <= 0 {
		prev.MaxEntries = def.MaxEntries
	}
	if t.MaxEntries <= 0 {
		warnings = append(warnings, fmt.Sprintf(
			"max-entries %d must be positive, keeping %d", t.MaxEntries, prev.MaxEntries))
		t.MaxEntries = prev.MaxEntries
	}

	if prev.KeepalivePeriod == 0 {
		prev.KeepalivePeriod = def.KeepalivePeriod
	}
	if t.KeepalivePeriod == 0 {
		warnings = append(warnings, fmt.Sprintf(
			"keepalive period must be positive, keeping %d", prev.KeepalivePeriod))
		t.KeepalivePeriod = prev.KeepalivePeriod
	}
	if t.KeepaliveInterval == 0 {
		if prev.KeepaliveInterval == 0 {
			prev.KeepaliveInterval = def.KeepaliveInterval
		}
		warnings = append(warnings, fmt.Sprintf(
			"keepalive interval must be positive, keeping %d", prev.KeepaliveInterval))
		t.KeepaliveInterval = prev.KeepaliveInterval
	}

	if t.FinLifetime >= t.KeepalivePeriod {
		warnings = append(warnings, fmt.Sprintf(
			"fin lifetime %d must be below keepalive period %d, using %d",
			t.FinLifetime, t.KeepalivePeriod, t.KeepalivePeriod-1))
		t.FinLifetime = t.KeepalivePeriod - 1
	}
	if t.RstLifetime >= t.KeepalivePeriod {
		warnings = append(warnings, fmt.Sprintf(
			"rst lifetime %d must be below keepalive period %d, using %d",
			t.RstLifetime, t.KeepalivePeriod, t.KeepalivePeriod-1))
		t.RstLifetime = t.KeepalivePeriod - 1
	}

	return t, warnings
}
