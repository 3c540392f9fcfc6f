package perf

import "time"

// Summary aggregates a session's telemetry. It is computable at any point,
// including after an abnormal end; battery drain is reported as unavailable
// when the session never recorded an end level.
type Summary struct {
	Video             VideoInfo
	StartedAt         time.Time
	EndedAt           time.Time
	TotalFrames       int
	ProcessedFrames   int
	SuccessfulFrames  int
	AverageFrameTime  time.Duration
	MaxFrameTime      time.Duration
	AverageFPS        float64
	PeakMemoryBytes   uint64
	AverageMemory     uint64
	MemorySamples     int
	BatteryDrain      float64
	BatteryDrainKnown bool
	Warnings          []Warning
	Sealed            bool
}

// Summary computes the aggregate view of the current or most recent session.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Summary{Sealed: !m.active}
	s := m.session
	if s == nil {
		return out
	}
	out.Video = s.info
	out.StartedAt = s.start
	out.EndedAt = s.end
	out.TotalFrames = s.totalFrames
	out.ProcessedFrames = len(s.frameTimes)
	out.SuccessfulFrames = s.successCount
	out.Warnings = append([]Warning(nil), s.warnings...)
	out.MemorySamples = len(s.memSamples) + s.memDropped

	var total time.Duration
	for _, f := range s.frameTimes {
		total += f.duration
		if f.duration > out.MaxFrameTime {
			out.MaxFrameTime = f.duration
		}
	}
	if len(s.frameTimes) > 0 {
		out.AverageFrameTime = total / time.Duration(len(s.frameTimes))
	}

	end := s.end
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if span := end.Sub(s.start); span > 0 && len(s.frameTimes) > 0 {
		out.AverageFPS = float64(len(s.frameTimes)) / span.Seconds()
	}

	var memTotal uint64
	for _, sample := range s.memSamples {
		memTotal += sample
		if sample > out.PeakMemoryBytes {
			out.PeakMemoryBytes = sample
		}
	}
	if len(s.memSamples) > 0 {
		out.AverageMemory = memTotal / uint64(len(s.memSamples))
	}

	if s.batteryStart != nil && s.batteryEnd != nil {
		out.BatteryDrain = *s.batteryStart - *s.batteryEnd
		out.BatteryDrainKnown = true
	}
	return out
}

// Warnings returns the warnings raised so far in the current session.
func (m *Monitor) Warnings() []Warning {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	return append([]Warning(nil), m.session.warnings...)
}

// Active reports whether a session is currently open.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
