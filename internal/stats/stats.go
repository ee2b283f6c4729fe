package stats

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// StatsCollector manages application-wide statistics
type StatsCollector struct {
	StartTime       time.Time
	FramesForwarded uint64
	FramesReceived  uint64
	SessionsOpened  uint64
	SessionsClosed  uint64
	Errors          uint64
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		StartTime: time.Now(),
	}
}

// IncFramesForwarded counts a frame forwarded to the broker
func (s *StatsCollector) IncFramesForwarded() {
	atomic.AddUint64(&s.FramesForwarded, 1)
}

// IncFramesReceived counts a frame received from the broker
func (s *StatsCollector) IncFramesReceived() {
	atomic.AddUint64(&s.FramesReceived, 1)
}

// IncSessionsOpened counts a session handler registration
func (s *StatsCollector) IncSessionsOpened() {
	atomic.AddUint64(&s.SessionsOpened, 1)
}

// IncSessionsClosed counts a session handler teardown
func (s *StatsCollector) IncSessionsClosed() {
	atomic.AddUint64(&s.SessionsClosed, 1)
}

// IncErrors counts a relay-level error
func (s *StatsCollector) IncErrors() {
	atomic.AddUint64(&s.Errors, 1)
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	uptime := time.Since(s.StartTime)
	return map[string]interface{}{
		"uptime":           uptime.String(),
		"frames_forwarded": atomic.LoadUint64(&s.FramesForwarded),
		"frames_received":  atomic.LoadUint64(&s.FramesReceived),
		"sessions_opened":  atomic.LoadUint64(&s.SessionsOpened),
		"sessions_closed":  atomic.LoadUint64(&s.SessionsClosed),
		"errors":           atomic.LoadUint64(&s.Errors),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate calculates the forwarded frame rate
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.FramesForwarded)) / uptime
}
