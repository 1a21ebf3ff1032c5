package proxy

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// StatsSnapshot is the JSON shape written to the stats file and served by
// the /stats endpoint.
type StatsSnapshot struct {
	TotalConnections   uint64  `json:"total_connections"`
	AllowedConnections uint64  `json:"allowed_connections"`
	BlockedConnections uint64  `json:"blocked_connections"`
	ErrorConnections   uint64  `json:"error_connections"`
	TrafficIn          uint64  `json:"traffic_in"`
	TrafficOut         uint64  `json:"traffic_out"`
	SpeedInBps         float64 `json:"speed_in_bps"`
	SpeedOutBps        float64 `json:"speed_out_bps"`
	AvgSpeedInBps      float64 `json:"avg_speed_in_bps"`
	AvgSpeedOutBps     float64 `json:"avg_speed_out_bps"`
	Efficiency         float64 `json:"efficiency"`
	FragmentMethod     string  `json:"fragment_method"`
	Host               string  `json:"host"`
	Port               int     `json:"port"`
	Timestamp          string  `json:"timestamp"`
}

// StatsSink accumulates monotonic connection and traffic counters and
// derives point-in-time speed figures from them. All counters are safe for
// concurrent use from relay goroutines.
type StatsSink struct {
	total   atomic.Uint64
	allowed atomic.Uint64
	blocked atomic.Uint64
	errors  atomic.Uint64

	trafficIn  atomic.Uint64
	trafficOut atomic.Uint64

	lastTrafficIn  uint64
	lastTrafficOut uint64
	lastTime       time.Time

	speedIn  float64
	speedOut float64

	avgInSum    float64
	avgInCount  uint64
	avgOutSum   float64
	avgOutCount uint64

	host           string
	port           int
	fragmentMethod FragmentMethod
}

// NewStatsSink builds an empty StatsSink labeled with the listener's host,
// port, and default fragmentation method, for inclusion in snapshots.
func NewStatsSink(host string, port int, method FragmentMethod) *StatsSink {
	return &StatsSink{host: host, port: port, fragmentMethod: method}
}

// IncTotal increments the total-connections counter.
func (s *StatsSink) IncTotal() { s.total.Add(1) }

// IncAllowed increments the allowed-connections counter.
func (s *StatsSink) IncAllowed() { s.allowed.Add(1) }

// IncBlocked increments the blocked-connections counter.
func (s *StatsSink) IncBlocked() { s.blocked.Add(1) }

// IncError increments the error-connections counter. Exported so the error
// logger can drive it directly: every record written through Logger.Error
// increments it. The Supervisor's accept errors go to the process log, not
// through Logger, and are not counted.
func (s *StatsSink) IncError() { s.errors.Add(1) }

// AddTraffic adds incoming and outgoing byte counts to the running totals.
func (s *StatsSink) AddTraffic(in, out uint64) {
	if in > 0 {
		s.trafficIn.Add(in)
	}
	if out > 0 {
		s.trafficOut.Add(out)
	}
}

// UpdateSpeeds recomputes instantaneous and running-average throughput from
// the delta since the previous call. It is meant to be invoked on a fixed
// cadence (the Supervisor's 1 Hz tick); calling it at irregular intervals
// still produces a correct bits-per-second figure, just a noisier one.
func (s *StatsSink) UpdateSpeeds() {
	now := time.Now()

	curIn := s.trafficIn.Load()
	curOut := s.trafficOut.Load()

	if !s.lastTime.IsZero() {
		dt := now.Sub(s.lastTime).Seconds()
		if dt > 0 {
			s.speedIn = float64(curIn-s.lastTrafficIn) * 8 / dt
			s.speedOut = float64(curOut-s.lastTrafficOut) * 8 / dt

			if s.speedIn > 0 {
				s.avgInSum += s.speedIn
				s.avgInCount++
			}
			if s.speedOut > 0 {
				s.avgOutSum += s.speedOut
				s.avgOutCount++
			}
		}
	}

	s.lastTrafficIn = curIn
	s.lastTrafficOut = curOut
	s.lastTime = now
}

// Snapshot returns a point-in-time copy of the counters and derived speeds.
func (s *StatsSink) Snapshot() StatsSnapshot {
	total := s.total.Load()
	blocked := s.blocked.Load()

	var efficiency float64
	if total > 0 {
		efficiency = float64(blocked) / float64(total) * 100
	}

	var avgIn, avgOut float64
	if s.avgInCount > 0 {
		avgIn = s.avgInSum / float64(s.avgInCount)
	}
	if s.avgOutCount > 0 {
		avgOut = s.avgOutSum / float64(s.avgOutCount)
	}

	return StatsSnapshot{
		TotalConnections:   total,
		AllowedConnections: s.allowed.Load(),
		BlockedConnections: blocked,
		ErrorConnections:   s.errors.Load(),
		TrafficIn:          s.trafficIn.Load(),
		TrafficOut:         s.trafficOut.Load(),
		SpeedInBps:         s.speedIn,
		SpeedOutBps:        s.speedOut,
		AvgSpeedInBps:      avgIn,
		AvgSpeedOutBps:     avgOut,
		Efficiency:         efficiency,
		FragmentMethod:     string(s.fragmentMethod),
		Host:               s.host,
		Port:               s.port,
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
	}
}

// WriteFile atomically persists the current snapshot as pretty JSON to
// path. A write error is logged, not returned, matching the fire-and-forget
// nature of a periodic snapshot task.
func (s *StatsSink) WriteFile(path string) {
	if path == "" {
		return
	}

	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		log.Error("stats: marshal snapshot: %v", err)
		return
	}

	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error("stats: write %s: %v", tmp, err)
		return
	}
	if err = os.Rename(tmp, path); err != nil {
		log.Error("stats: rename %s to %s: %v", tmp, path, err)
	}
}
