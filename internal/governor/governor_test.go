package governor_test

import (
	"context"
	"sync"
	"testing"

	"formsight/internal/config"
	"formsight/internal/governor"
	"formsight/internal/logging"
)

type fakeBattery struct {
	mu     sync.Mutex
	status governor.BatteryStatus
}

func (f *fakeBattery) set(status governor.BatteryStatus) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

func (f *fakeBattery) Battery(context.Context) (governor.BatteryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

type fakeMemory struct {
	mu    sync.Mutex
	ratio float64
}

func (f *fakeMemory) set(ratio float64) {
	f.mu.Lock()
	f.ratio = ratio
	f.mu.Unlock()
}

func (f *fakeMemory) MemoryUsedRatio(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ratio, nil
}

type fakeThermal struct {
	mu   sync.Mutex
	temp float64
}

func (f *fakeThermal) set(temp float64) {
	f.mu.Lock()
	f.temp = temp
	f.mu.Unlock()
}

func (f *fakeThermal) Temperature(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.temp, nil
}

type fakeNetwork struct{ kind governor.NetworkType }

func (f fakeNetwork) Network(context.Context) (governor.NetworkType, error) {
	return f.kind, nil
}

type recordingPauser struct {
	mu      sync.Mutex
	paused  int
	resumed int
}

func (r *recordingPauser) Pause() {
	r.mu.Lock()
	r.paused++
	r.mu.Unlock()
}

func (r *recordingPauser) Resume() {
	r.mu.Lock()
	r.resumed++
	r.mu.Unlock()
}

type recordingCleaner struct {
	mu     sync.Mutex
	clears int
}

func (r *recordingCleaner) Clear() {
	r.mu.Lock()
	r.clears++
	r.mu.Unlock()
}

func newTestGovernor(t *testing.T) (*governor.Governor, *fakeBattery, *fakeMemory, *fakeThermal) {
	t.Helper()
	cfg := config.Default()
	battery := &fakeBattery{status: governor.BatteryStatus{Present: true, LevelPercent: 80, State: governor.BatteryDischarging}}
	memory := &fakeMemory{ratio: 0.4}
	thermal := &fakeThermal{temp: 40}
	cell := governor.NewModeCell(governor.ModeBalanced)
	g := governor.New(cfg, logging.NewNop(), cell, battery, fakeNetwork{kind: governor.NetworkWifi}, memory, thermal)
	return g, battery, memory, thermal
}

func TestCanProcessBatteryFloor(t *testing.T) {
	g, battery, _, _ := newTestGovernor(t)
	ctx := context.Background()

	if !g.CanProcess(ctx) {
		t.Fatal("expected processing allowed with healthy battery")
	}

	battery.set(governor.BatteryStatus{Present: true, LevelPercent: 5, State: governor.BatteryDischarging})
	if g.CanProcess(ctx) {
		t.Fatal("expected processing blocked below battery floor")
	}

	// Charging at the same level is allowed.
	battery.set(governor.BatteryStatus{Present: true, LevelPercent: 5, State: governor.BatteryCharging})
	if !g.CanProcess(ctx) {
		t.Fatal("expected processing allowed while charging")
	}
}

func TestCanProcessThermalGate(t *testing.T) {
	g, _, _, thermal := newTestGovernor(t)
	ctx := context.Background()

	thermal.set(90)
	if g.CanProcess(ctx) {
		t.Fatal("expected processing blocked when critically hot")
	}
	thermal.set(50)
	if !g.CanProcess(ctx) {
		t.Fatal("expected processing allowed when cooled down")
	}
}

func TestThermalModeDowngrades(t *testing.T) {
	g, _, _, thermal := newTestGovernor(t)
	ctx := context.Background()

	thermal.set(78)
	snap := g.Check(ctx)
	if snap.Mode != governor.ModeBalanced {
		t.Fatalf("expected balanced for serious thermal, got %s", snap.Mode)
	}

	thermal.set(88)
	snap = g.Check(ctx)
	if snap.Mode != governor.ModeBatterySaver {
		t.Fatalf("expected battery_saver for critical thermal, got %s", snap.Mode)
	}

	// Recovery releases the forced downgrade.
	thermal.set(40)
	snap = g.Check(ctx)
	if snap.Mode != governor.ModeBalanced {
		t.Fatalf("expected balanced after recovery, got %s", snap.Mode)
	}
}

func TestCriticalMemoryRunsEmergencyCleanup(t *testing.T) {
	g, _, memory, _ := newTestGovernor(t)
	ctx := context.Background()

	pauser := &recordingPauser{}
	cleaner := &recordingCleaner{}
	g.RegisterPauser(pauser)
	g.RegisterCleaner(cleaner)

	memory.set(0.95)
	snap := g.Check(ctx)
	if snap.Memory != governor.MemoryCritical {
		t.Fatalf("expected critical pressure, got %s", snap.Memory)
	}
	if snap.Mode != governor.ModeBatterySaver {
		t.Fatalf("expected battery_saver mode, got %s", snap.Mode)
	}
	if pauser.paused != 1 || pauser.resumed != 1 {
		t.Fatalf("expected pause/resume cycle, got paused=%d resumed=%d", pauser.paused, pauser.resumed)
	}
	if cleaner.clears != 1 {
		t.Fatalf("expected one cache clear, got %d", cleaner.clears)
	}
}

func TestApplyPowerModeMapping(t *testing.T) {
	g, _, _, _ := newTestGovernor(t)

	g.ApplyPowerMode(governor.PowerHighPerformance)
	if g.Mode().Get() != governor.ModePerformance {
		t.Fatalf("expected performance, got %s", g.Mode().Get())
	}
	g.ApplyPowerMode(governor.PowerSaver)
	if g.Mode().Get() != governor.ModeBalanced {
		t.Fatalf("expected balanced, got %s", g.Mode().Get())
	}
	g.ApplyPowerMode(governor.PowerUltraSaver)
	if g.Mode().Get() != governor.ModeBatterySaver {
		t.Fatalf("expected battery_saver, got %s", g.Mode().Get())
	}
}

func TestModeCellSubscribeDeliversLatest(t *testing.T) {
	cell := governor.NewModeCell(governor.ModeBalanced)
	ch := cell.Subscribe()

	cell.Set(governor.ModePerformance)
	cell.Set(governor.ModeBatterySaver)

	select {
	case mode := <-ch:
		if mode != governor.ModeBatterySaver {
			t.Fatalf("expected latest mode, got %s", mode)
		}
	default:
		t.Fatal("expected a pending mode notification")
	}

	// Setting the same mode again is a no-op.
	cell.Set(governor.ModeBatterySaver)
	select {
	case mode := <-ch:
		t.Fatalf("unexpected notification %s", mode)
	default:
	}
}
