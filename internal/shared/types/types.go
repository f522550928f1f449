package types

import (
	"encoding/json"
	"time"
)

// TrafficStats 用于报告流量统计信息
type TrafficStats struct {
	Uplink   uint64 `json:"uplink"`
	Downlink uint64 `json:"downlink"`
}

type HealthStatus int

const (
	StatusUnknown HealthStatus = iota // Default value
	StatusUp
	StatusDown
)

func (s HealthStatus) String() string {
	switch s {
	case StatusUp:
		return "healthy"
	case StatusDown:
		return "unhealthy"
	}
	return "unknown"
}

func (s HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// HealthCheck is the outcome of the most recent relay-host health check.
type HealthCheck struct {
	Timestamp      time.Time    `json:"timestamp"`
	Status         HealthStatus `json:"status"`
	ResponseTimeMs int64        `json:"response_time_ms"`
	Error          string       `json:"error,omitempty"`
}

// RelayStats 累计的中转连接统计, 平均延迟为指数平滑值
type RelayStats struct {
	TotalAttempts  uint64  `json:"total_attempts"`
	Successes      uint64  `json:"successes"`
	Failures       uint64  `json:"failures"`
	AvgResponseMs  float64 `json:"avg_response_ms"`
	LastResponseMs int64   `json:"last_response_ms"`
}

// RelayStatus is the snapshot returned by a relay-host pool.
type RelayStatus struct {
	Host        string       `json:"host"`
	Port        int          `json:"port"`
	Healthy     bool         `json:"healthy"`
	LastCheck   *HealthCheck `json:"last_check,omitempty"`
	PoolSize    int          `json:"pool_size"`
	MaxPoolSize int          `json:"max_pool_size"`
	Stats       RelayStats   `json:"stats"`
}
