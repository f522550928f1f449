package types

// Metrics holds the runtime counters of the session handler.
type Metrics struct {
	ActiveSessions int64        `json:"active_sessions"`
	TotalSessions  uint64       `json:"total_sessions"`
	FailedSessions uint64       `json:"failed_sessions"`
	Traffic        TrafficStats `json:"traffic"`
}

// ServiceStatus is the document served by /api/status.
type ServiceStatus struct {
	UptimeSeconds int64         `json:"uptime_seconds"`
	Sessions      Metrics       `json:"sessions"`
	RelayHosts    []RelayStatus `json:"relay_hosts"`
}
