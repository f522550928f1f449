package session

import (
	"sync/atomic"

	"liuproxy_edge/internal/shared/types"
)

// Metrics are process-wide session counters.
type Metrics struct {
	active   atomic.Int64
	total    atomic.Uint64
	failed   atomic.Uint64
	uplink   atomic.Uint64
	downlink atomic.Uint64
}

func (m *Metrics) Snapshot() types.Metrics {
	return types.Metrics{
		ActiveSessions: m.active.Load(),
		TotalSessions:  m.total.Load(),
		FailedSessions: m.failed.Load(),
		Traffic: types.TrafficStats{
			Uplink:   m.uplink.Load(),
			Downlink: m.downlink.Load(),
		},
	}
}
