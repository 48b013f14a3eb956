package rfsn

import (
	"sync"
	"time"
)

// latencyWindow 是计算平均延迟时保留的样本数。
const latencyWindow = 100

// StatsSnapshot 是某一时刻的统计快照。
type StatsSnapshot struct {
	TotalRequests    int64   `json:"total_requests"`
	ActiveRequests   int64   `json:"active_requests"`
	SuccessCount     int64   `json:"success_count"`
	ErrorCount       int64   `json:"error_count"`
	BytesReceived    int64   `json:"bytes_received"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	MinLatencyMs     float64 `json:"min_latency_ms"`
	MaxLatencyMs     float64 `json:"max_latency_ms"`
}

// Stats 统计传输层的请求数量与延迟。
type Stats struct {
	mu      sync.Mutex
	snap    StatsSnapshot
	samples []float64
}

func NewStats() *Stats {
	return &Stats{samples: make([]float64, 0, latencyWindow)}
}

func (s *Stats) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.TotalRequests++
	s.snap.ActiveRequests++
}

func (s *Stats) end(success bool, latency time.Duration, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.ActiveRequests--
	if success {
		s.snap.SuccessCount++
	} else {
		s.snap.ErrorCount++
	}
	s.snap.BytesReceived += int64(bytes)

	ms := float64(latency) / float64(time.Millisecond)
	if len(s.samples) == latencyWindow {
		s.samples = append(s.samples[:0], s.samples[1:]...)
	}
	s.samples = append(s.samples, ms)

	var sum float64
	lo, hi := s.samples[0], s.samples[0]
	for _, v := range s.samples {
		sum += v
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	s.snap.AverageLatencyMs = sum / float64(len(s.samples))
	s.snap.MinLatencyMs = lo
	s.snap.MaxLatencyMs = hi
}

// Snapshot 返回当前统计快照。
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Reset 清空所有统计。
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = StatsSnapshot{}
	s.samples = s.samples[:0]
}
