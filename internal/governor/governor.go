package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"formsight/internal/config"
	"formsight/internal/logging"
)

// Governor observes battery, memory, and thermal signals and adjusts the
// global optimization mode. It is the single writer of the ModeCell and the
// hard gate every pipeline entry point consults before doing work.
type Governor struct {
	cfg     *config.Config
	logger  *slog.Logger
	mode    *ModeCell
	battery BatterySource
	network NetworkSource
	memory  MemorySource
	thermal ThermalSource

	mu       sync.Mutex
	pausers  []Pauser
	cleaners []Cleaner
	last     Snapshot
	forced   bool
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Snapshot is a read-only view of the governor's last observations.
type Snapshot struct {
	Battery   BatteryStatus
	Network   NetworkType
	Memory    MemoryPressure
	Thermal   ThermalState
	Mode      Mode
	SampledAt time.Time
}

// New constructs a governor over the provided signal sources.
func New(cfg *config.Config, logger *slog.Logger, mode *ModeCell, battery BatterySource, network NetworkSource, memory MemorySource, thermal ThermalSource) *Governor {
	return &Governor{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "governor"),
		mode:    mode,
		battery: battery,
		network: network,
		memory:  memory,
		thermal: thermal,
	}
}

// Mode returns the cell the governor writes.
func (g *Governor) Mode() *ModeCell { return g.mode }

// RegisterPauser adds a component the governor may suspend under critical
// memory pressure.
func (g *Governor) RegisterPauser(p Pauser) {
	if p == nil {
		return
	}
	g.mu.Lock()
	g.pausers = append(g.pausers, p)
	g.mu.Unlock()
}

// RegisterCleaner adds a cache or pool scrubbed during emergency cleanup.
func (g *Governor) RegisterCleaner(c Cleaner) {
	if c == nil {
		return
	}
	g.mu.Lock()
	g.cleaners = append(g.cleaners, c)
	g.mu.Unlock()
}

// Start begins the observation loop. Stop terminates it.
func (g *Governor) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.running = true
	g.mu.Unlock()

	interval := time.Duration(g.cfg.Governor.CheckInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		g.Check(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				g.Check(runCtx)
			}
		}
	}()
}

// Stop terminates the observation loop and waits for it to exit.
func (g *Governor) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	cancel := g.cancel
	g.running = false
	g.cancel = nil
	g.mu.Unlock()

	cancel()
	g.wg.Wait()
}

// Check samples every signal once and applies the mode policy. Exposed so
// event-driven inputs (udev power events) can trigger an immediate
// re-evaluation between ticks.
func (g *Governor) Check(ctx context.Context) Snapshot {
	snap := Snapshot{SampledAt: time.Now().UTC()}

	if g.battery != nil {
		if status, err := g.battery.Battery(ctx); err == nil {
			snap.Battery = status
		} else {
			snap.Battery = BatteryStatus{State: BatteryUnknown}
		}
	}
	if g.network != nil {
		if network, err := g.network.Network(ctx); err == nil {
			snap.Network = network
		} else {
			snap.Network = NetworkNone
		}
	}
	snap.Memory = g.memoryPressure(ctx)
	snap.Thermal = g.thermalState(ctx)

	g.apply(ctx, &snap)

	g.mu.Lock()
	g.last = snap
	g.mu.Unlock()
	return snap
}

// Snapshot returns the most recent observations.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// CanProcess is the hard gate: false when the battery is below the absolute
// floor while discharging, or the device is critically hot. Every entry
// point into the pipeline consults it before doing any work.
func (g *Governor) CanProcess(ctx context.Context) bool {
	snap := g.Check(ctx)
	if snap.Thermal == ThermalCritical {
		return false
	}
	if snap.Battery.Present && snap.Battery.State != BatteryCharging &&
		snap.Battery.LevelPercent < float64(g.cfg.Governor.BatteryFloorPercent) {
		return false
	}
	return true
}

// ApplyPowerMode maps a platform power profile onto an optimization mode.
func (g *Governor) ApplyPowerMode(mode PowerMode) {
	switch mode {
	case PowerHighPerformance:
		g.setMode(ModePerformance, "power_mode")
	case PowerSaver:
		g.setMode(ModeBalanced, "power_mode")
	case PowerUltraSaver:
		g.setMode(ModeBatterySaver, "power_mode")
	}
}

func (g *Governor) apply(ctx context.Context, snap *Snapshot) {
	switch {
	case snap.Memory == MemoryCritical:
		g.emergencyCleanup(ctx)
		g.setForcedMode(ModeBatterySaver, "memory_critical")
	case snap.Thermal == ThermalCritical:
		g.setForcedMode(ModeBatterySaver, "thermal_critical")
	case snap.Thermal == ThermalSerious:
		g.setForcedMode(ModeBalanced, "thermal_serious")
	case snap.Battery.Present && snap.Battery.State != BatteryCharging &&
		snap.Battery.LevelPercent < 2*float64(g.cfg.Governor.BatteryFloorPercent):
		g.setForcedMode(ModeBatterySaver, "battery_low")
	default:
		// Pressure lifted: release a downgrade the governor itself forced.
		g.mu.Lock()
		forced := g.forced
		g.forced = false
		g.mu.Unlock()
		if forced {
			g.setMode(ModeBalanced, "pressure_recovered")
		}
	}
	snap.Mode = g.mode.Get()
}

func (g *Governor) setForcedMode(mode Mode, reason string) {
	g.mu.Lock()
	g.forced = true
	g.mu.Unlock()
	g.setMode(mode, reason)
}

// emergencyCleanup pauses processing, scrubs registered caches and pools,
// and resumes at reduced intensity. The mode downgrade that follows is what
// lowers the intensity; pausers must tolerate Pause/Resume when idle.
func (g *Governor) emergencyCleanup(ctx context.Context) {
	g.mu.Lock()
	pausers := make([]Pauser, len(g.pausers))
	copy(pausers, g.pausers)
	cleaners := make([]Cleaner, len(g.cleaners))
	copy(cleaners, g.cleaners)
	g.mu.Unlock()

	g.logger.Warn("critical memory pressure, running emergency cleanup",
		logging.String(logging.FieldEventType, "emergency_cleanup"),
		logging.String(logging.FieldErrorHint, "close other applications to relieve memory pressure"),
	)

	for _, p := range pausers {
		p.Pause()
	}
	for _, c := range cleaners {
		c.Clear()
	}
	for _, p := range pausers {
		p.Resume()
	}
}

func (g *Governor) setMode(mode Mode, reason string) {
	previous := g.mode.Get()
	if previous == mode {
		return
	}
	g.mode.Set(mode)
	g.logger.Info("optimization mode changed",
		logging.String(logging.FieldEventType, "mode_changed"),
		logging.String("previous", string(previous)),
		logging.String(logging.FieldMode, string(mode)),
		logging.String("reason", reason),
	)
}

func (g *Governor) memoryPressure(ctx context.Context) MemoryPressure {
	if g.memory == nil {
		return MemoryNormal
	}
	ratio, err := g.memory.MemoryUsedRatio(ctx)
	if err != nil {
		return MemoryNormal
	}
	switch {
	case ratio >= g.cfg.Governor.MemoryCriticalRatio:
		return MemoryCritical
	case ratio >= g.cfg.Governor.MemoryWarningRatio:
		return MemoryWarning
	default:
		return MemoryNormal
	}
}

func (g *Governor) thermalState(ctx context.Context) ThermalState {
	if g.thermal == nil {
		return ThermalNominal
	}
	temp, err := g.thermal.Temperature(ctx)
	if err != nil || temp <= 0 {
		return ThermalNominal
	}
	switch {
	case temp >= g.cfg.Governor.ThermalCriticalC:
		return ThermalCritical
	case temp >= g.cfg.Governor.ThermalSeriousC:
		return ThermalSerious
	case temp >= g.cfg.Governor.ThermalFairC:
		return ThermalFair
	default:
		return ThermalNominal
	}
}
