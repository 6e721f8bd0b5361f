package server

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kitemail/kite/consts"
	"github.com/kitemail/kite/logger"
	"github.com/kitemail/kite/pkg/metrics"
)

// ConnectionLimiter tracks concurrent connection counts per
// authenticated identity and enforces a per-identity ceiling. All
// identities share one concurrent map of atomic counters; admission is a
// lock-free compare-and-swap loop, so it is safe under arbitrary
// concurrent admits and releases for the same identity.
type ConnectionLimiter struct {
	protocol string
	counts   sync.Map // identity -> *atomic.Int64
}

// NewConnectionLimiter creates a limiter for one protocol front-end.
func NewConnectionLimiter(protocol string) *ConnectionLimiter {
	return &ConnectionLimiter{protocol: protocol}
}

// TryAdmit registers one connection for identity if the current count is
// below max. A non-positive max admits unconditionally. The count never
// exceeds max after a successful admission.
func (cl *ConnectionLimiter) TryAdmit(identity string, max int) bool {
	counter := cl.counter(identity)
	if max <= 0 {
		counter.Add(1)
		metrics.ConnectionsCurrent.WithLabelValues(cl.protocol).Inc()
		return true
	}
	for {
		current := counter.Load()
		if current >= int64(max) {
			metrics.ConnectionsRejectedTotal.WithLabelValues(cl.protocol).Inc()
			logger.Debug("Connection limiter: admission rejected",
				"protocol", cl.protocol, "identity", identity, "current", current, "max", max)
			return false
		}
		if counter.CompareAndSwap(current, current+1) {
			metrics.ConnectionsCurrent.WithLabelValues(cl.protocol).Inc()
			return true
		}
		// Lost the race, re-read and retry.
	}
}

// Admit is the error-typed form of TryAdmit for handlers that propagate
// consts.ErrConnectionLimitExceeded to the wire response.
func (cl *ConnectionLimiter) Admit(identity string, max int) error {
	if !cl.TryAdmit(identity, max) {
		return fmt.Errorf("%w for %s (max %d)", consts.ErrConnectionLimitExceeded, identity, max)
	}
	return nil
}

// Release drops one connection for identity. Saturating: extra releases
// never drive the count below zero.
func (cl *ConnectionLimiter) Release(identity string) {
	v, ok := cl.counts.Load(identity)
	if !ok {
		return
	}
	counter := v.(*atomic.Int64)
	for {
		current := counter.Load()
		if current <= 0 {
			return
		}
		if counter.CompareAndSwap(current, current-1) {
			metrics.ConnectionsCurrent.WithLabelValues(cl.protocol).Dec()
			return
		}
	}
}

// Count returns the tracked connection count for identity.
func (cl *ConnectionLimiter) Count(identity string) int64 {
	v, ok := cl.counts.Load(identity)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Total sums the tracked counts across all identities.
func (cl *ConnectionLimiter) Total() int64 {
	var total int64
	cl.counts.Range(func(_, v any) bool {
		total += v.(*atomic.Int64).Load()
		return true
	})
	return total
}

func (cl *ConnectionLimiter) counter(identity string) *atomic.Int64 {
	if v, ok := cl.counts.Load(identity); ok {
		return v.(*atomic.Int64)
	}
	v, _ := cl.counts.LoadOrStore(identity, &atomic.Int64{})
	return v.(*atomic.Int64)
}
