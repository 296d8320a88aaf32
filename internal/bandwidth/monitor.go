package bandwidth

import (
	"fmt"
	"sync"
	"time"
)

// Stats is one computed rate sample for a participant. Loss and latency are
// placeholders until a transport-level probe exists to measure them.
type Stats struct {
	ParticipantID  string    `json:"participantId"`
	UpstreamKbps   int64     `json:"upstream"`
	DownstreamKbps int64     `json:"downstream"`
	PacketLoss     float64   `json:"packetLoss"`
	LatencyMs      int64     `json:"latency"`
	Timestamp      time.Time `json:"timestamp"`
}

// Monitor accumulates per-participant byte counts. Compute turns the
// counters into a rate over the interval since the previous Compute and
// resets them, so each sample covers exactly one window.
type Monitor struct {
	mu sync.Mutex

	bytesSent     map[string]int64
	bytesReceived map[string]int64
	lastCompute   map[string]time.Time
	stats         map[string]Stats

	bandwidthCeilingKbps int64
	lossCeiling          float64

	now func() time.Time
}

func NewMonitor(bandwidthCeilingKbps int64, lossCeiling float64) *Monitor {
	return &Monitor{
		bytesSent:            make(map[string]int64),
		bytesReceived:        make(map[string]int64),
		lastCompute:          make(map[string]time.Time),
		stats:                make(map[string]Stats),
		bandwidthCeilingKbps: bandwidthCeilingKbps,
		lossCeiling:          lossCeiling,
		now:                  time.Now,
	}
}

func (m *Monitor) RecordSent(participantID string, n int) {
	m.mu.Lock()
	m.bytesSent[participantID] += int64(n)
	m.mu.Unlock()
}

func (m *Monitor) RecordReceived(participantID string, n int) {
	m.mu.Lock()
	m.bytesReceived[participantID] += int64(n)
	m.mu.Unlock()
}

// Compute closes the current sample window for the participant: it derives
// Kbps rates from the bytes accumulated since the last Compute, stores the
// sample and resets the counters.
func (m *Monitor) Compute(participantID string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	last, ok := m.lastCompute[participantID]
	elapsed := now.Sub(last).Seconds()

	var up, down int64
	if ok && elapsed > 0 {
		up = int64(float64(m.bytesSent[participantID]*8) / elapsed / 1000)
		down = int64(float64(m.bytesReceived[participantID]*8) / elapsed / 1000)
	}

	stats := Stats{
		ParticipantID:  participantID,
		UpstreamKbps:   up,
		DownstreamKbps: down,
		Timestamp:      now,
	}

	m.bytesSent[participantID] = 0
	m.bytesReceived[participantID] = 0
	m.lastCompute[participantID] = now
	m.stats[participantID] = stats

	return stats
}

// Last returns the most recently computed sample, if any.
func (m *Monitor) Last(participantID string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[participantID]
	return s, ok
}

func (m *Monitor) All() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, s)
	}
	return out
}

func (m *Monitor) Remove(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bytesSent, participantID)
	delete(m.bytesReceived, participantID)
	delete(m.lastCompute, participantID)
	delete(m.stats, participantID)
}

// CheckThreshold reports whether the participant's last sample is within
// the configured ceilings. Advisory only; callers must not disconnect on a
// failed check.
func (m *Monitor) CheckThreshold(participantID string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.stats[participantID]
	if !ok {
		return true, ""
	}

	total := stats.UpstreamKbps + stats.DownstreamKbps
	if total > m.bandwidthCeilingKbps {
		return false, fmt.Sprintf("bandwidth exceeded: %d Kbps", total)
	}
	if stats.PacketLoss > m.lossCeiling {
		return false, fmt.Sprintf("high packet loss: %.1f%%", stats.PacketLoss)
	}
	return true, ""
}
