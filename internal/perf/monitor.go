package perf

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"formsight/internal/config"
	"formsight/internal/device"
	"formsight/internal/governor"
	"formsight/internal/logging"
)

// WarningType classifies performance warnings raised during a session.
type WarningType string

const (
	WarnLowFPS           WarningType = "LOW_FPS"
	WarnHighMemory       WarningType = "HIGH_MEMORY"
	WarnSlowFrame        WarningType = "SLOW_FRAME"
	WarnHighBatteryDrain WarningType = "HIGH_BATTERY_DRAIN"
)

// Warning is a typed performance warning with its observation time.
type Warning struct {
	Type    WarningType
	Message string
	At      time.Time
}

// VideoInfo describes the video a session covers.
type VideoInfo struct {
	URI             string
	Exercise        string
	DurationSeconds float64
}

// memorySampleCap bounds the per-session memory ring buffer.
const memorySampleCap = 100

// fpsWindowMin is the minimum number of timestamps before FPS is meaningful.
const fpsWindowMin = 3

// Monitor collects per-session telemetry: frame processing latency, rolling
// FPS, memory samples, battery drain, and typed warnings consumed by the
// orchestrator. A Monitor tracks one session at a time.
type Monitor struct {
	cfg     *config.Config
	logger  *slog.Logger
	tier    device.Tier
	battery governor.BatterySource

	mu      sync.Mutex
	active  bool
	session *session
	proc    *process.Process
}

type session struct {
	start        time.Time
	end          time.Time
	info         VideoInfo
	totalFrames  int
	frameTimes   []frameSample
	successCount int
	memSamples   []uint64
	memDropped   int
	batteryStart *float64
	batteryEnd   *float64
	warnings     []Warning
	fpsStamps    []time.Time
}

type frameSample struct {
	index    int
	duration time.Duration
	success  bool
}

// NewMonitor constructs a monitor for the given device tier.
func NewMonitor(cfg *config.Config, logger *slog.Logger, tier device.Tier, battery governor.BatterySource) *Monitor {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Monitor{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "perf-monitor"),
		tier:    tier,
		battery: battery,
		proc:    proc,
	}
}

// StartSession resets counters and begins a new session. Starting while a
// session is active seals the previous one.
func (m *Monitor) StartSession(ctx context.Context, info VideoInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &session{start: time.Now().UTC(), info: info}
	if m.battery != nil {
		if status, err := m.battery.Battery(ctx); err == nil && status.Present {
			level := status.LevelPercent
			s.batteryStart = &level
		}
	}
	m.session = s
	m.active = true
}

// StartProcessing records the expected frame count for the session.
func (m *Monitor) StartProcessing(totalFrames int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.session == nil {
		return
	}
	m.session.totalFrames = totalFrames
}

// RecordFrame appends a frame-processing observation. The success counter
// only advances on success; a duration above the slow-frame threshold
// raises a SLOW_FRAME warning, and a sustained FPS below the tier minimum
// raises LOW_FPS.
func (m *Monitor) RecordFrame(index int, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.session == nil {
		return
	}
	s := m.session
	s.frameTimes = append(s.frameTimes, frameSample{index: index, duration: duration, success: success})
	if success {
		s.successCount++
	}

	if threshold := m.slowFrameThreshold(); duration > threshold {
		m.warnLocked(WarnSlowFrame, "frame processing exceeded threshold")
	}

	now := time.Now()
	s.fpsStamps = append(s.fpsStamps, now)
	window := m.cfg.Monitor.FPSWindow
	if window < fpsWindowMin {
		window = fpsWindowMin
	}
	if len(s.fpsStamps) > window {
		s.fpsStamps = s.fpsStamps[len(s.fpsStamps)-window:]
	}
	if fps, ok := currentFPS(s.fpsStamps); ok && len(s.fpsStamps) == window && fps < m.minFPS() {
		m.warnLocked(WarnLowFPS, "sustained processing rate below tier minimum")
	}
}

// RecordMemorySample appends the current process RSS to the capped ring
// buffer, dropping the oldest entry when full, and raises HIGH_MEMORY when
// the sample exceeds the tier ceiling.
func (m *Monitor) RecordMemorySample(ctx context.Context) {
	rss := m.processRSS(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.session == nil || rss == 0 {
		return
	}
	s := m.session
	if len(s.memSamples) >= memorySampleCap {
		s.memSamples = s.memSamples[1:]
		s.memDropped++
	}
	s.memSamples = append(s.memSamples, rss)
	if rss > m.memoryCeiling() {
		m.warnLocked(WarnHighMemory, "memory usage above tier ceiling")
	}
}

// RunSampler samples memory on the configured interval until ctx is done.
func (m *Monitor) RunSampler(ctx context.Context) {
	interval := time.Duration(m.cfg.Monitor.MemorySampleInterval) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RecordMemorySample(ctx)
		}
	}
}

// EndSession seals the session: records the end battery level, raises a
// drain warning when applicable, and stops accepting observations.
func (m *Monitor) EndSession(ctx context.Context) {
	var endLevel *float64
	if m.battery != nil {
		if status, err := m.battery.Battery(ctx); err == nil && status.Present {
			level := status.LevelPercent
			endLevel = &level
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.session == nil {
		return
	}
	s := m.session
	s.end = time.Now().UTC()
	s.batteryEnd = endLevel
	if s.batteryStart != nil && s.batteryEnd != nil {
		drain := *s.batteryStart - *s.batteryEnd
		if drain > m.cfg.Monitor.BatteryDrainPercent {
			m.warnLocked(WarnHighBatteryDrain, "battery drain above threshold")
		}
	}
	m.active = false
}

func (m *Monitor) warnLocked(kind WarningType, message string) {
	s := m.session
	// One warning per type per session keeps the report readable.
	for _, w := range s.warnings {
		if w.Type == kind {
			return
		}
	}
	s.warnings = append(s.warnings, Warning{Type: kind, Message: message, At: time.Now().UTC()})
	m.logger.Warn("performance warning",
		logging.String(logging.FieldEventType, "performance_warning"),
		logging.String("warning", string(kind)),
		logging.String("detail", message),
		logging.String(logging.FieldTier, string(m.tier)),
	)
}

func (m *Monitor) slowFrameThreshold() time.Duration {
	base := time.Duration(m.cfg.Monitor.SlowFrameMillis) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	// Low-tier devices get relaxed processing-time targets.
	if m.tier == device.TierLow {
		return base * 2
	}
	return base
}

func (m *Monitor) minFPS() float64 {
	switch m.tier {
	case device.TierLow:
		return 1
	case device.TierMedium:
		return 2
	default:
		return 4
	}
}

func (m *Monitor) memoryCeiling() uint64 {
	switch m.tier {
	case device.TierLow:
		return 384 << 20
	case device.TierMedium:
		return 768 << 20
	default:
		return 1536 << 20
	}
}

func (m *Monitor) processRSS(ctx context.Context) uint64 {
	if m.proc == nil {
		return 0
	}
	info, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

func currentFPS(stamps []time.Time) (float64, bool) {
	if len(stamps) < fpsWindowMin {
		return 0, false
	}
	span := stamps[len(stamps)-1].Sub(stamps[0])
	if span <= 0 {
		return 0, false
	}
	return float64(len(stamps)-1) / span.Seconds(), true
}
