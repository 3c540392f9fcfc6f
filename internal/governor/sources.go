package governor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const powerSupplyRoot = "/sys/class/power_supply"

// SystemBattery reads battery status from the kernel power_supply class.
type SystemBattery struct {
	// Root overrides the sysfs location in tests.
	Root string
}

func (s SystemBattery) root() string {
	if strings.TrimSpace(s.Root) != "" {
		return s.Root
	}
	return powerSupplyRoot
}

// Battery scans power_supply entries for the first battery device. Hosts
// without one (desktops, CI) report Present=false.
func (s SystemBattery) Battery(ctx context.Context) (BatteryStatus, error) {
	entries, err := os.ReadDir(s.root())
	if err != nil {
		return BatteryStatus{State: BatteryUnknown}, nil
	}
	for _, entry := range entries {
		dir := filepath.Join(s.root(), entry.Name())
		kind, err := readSysString(filepath.Join(dir, "type"))
		if err != nil || !strings.EqualFold(kind, "Battery") {
			continue
		}
		status := BatteryStatus{Present: true, State: BatteryUnknown}
		if level, err := readSysFloat(filepath.Join(dir, "capacity")); err == nil {
			status.LevelPercent = level
		}
		if raw, err := readSysString(filepath.Join(dir, "status")); err == nil {
			switch strings.ToLower(raw) {
			case "charging":
				status.State = BatteryCharging
			case "discharging":
				status.State = BatteryDischarging
			case "full":
				status.State = BatteryFull
			}
		}
		return status, nil
	}
	return BatteryStatus{State: BatteryUnknown}, nil
}

// SystemNetwork classifies the active link by inspecting operational
// interfaces: a wireless interface that is up means wifi, any other up
// interface means wired.
type SystemNetwork struct {
	// Root overrides the sysfs location in tests.
	Root string
}

func (s SystemNetwork) root() string {
	if strings.TrimSpace(s.Root) != "" {
		return s.Root
	}
	return "/sys/class/net"
}

func (s SystemNetwork) Network(ctx context.Context) (NetworkType, error) {
	entries, err := os.ReadDir(s.root())
	if err != nil {
		return NetworkNone, nil
	}
	result := NetworkNone
	for _, entry := range entries {
		name := entry.Name()
		if name == "lo" {
			continue
		}
		dir := filepath.Join(s.root(), name)
		state, err := readSysString(filepath.Join(dir, "operstate"))
		if err != nil || !strings.EqualFold(state, "up") {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "wireless")); err == nil {
			return NetworkWifi, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "wwan")); err == nil {
			result = NetworkCellular
			continue
		}
		if result == NetworkNone {
			result = NetworkWired
		}
	}
	return result, nil
}

// SystemMemory reports the used-memory ratio via gopsutil.
type SystemMemory struct{}

func (SystemMemory) MemoryUsedRatio(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	if vm.Total == 0 {
		return 0, nil
	}
	return float64(vm.Total-vm.Available) / float64(vm.Total), nil
}

// SystemThermal reports the hottest CPU-adjacent sensor via gopsutil.
type SystemThermal struct{}

func (SystemThermal) Temperature(ctx context.Context) (float64, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	hottest := 0.0
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if !strings.Contains(key, "cpu") && !strings.Contains(key, "core") &&
			!strings.Contains(key, "pkg") && !strings.Contains(key, "soc") {
			continue
		}
		if t.Temperature > hottest {
			hottest = t.Temperature
		}
	}
	if hottest == 0 {
		// No CPU-tagged sensor; fall back to the global maximum.
		for _, t := range temps {
			if t.Temperature > hottest {
				hottest = t.Temperature
			}
		}
	}
	return hottest, nil
}

func readSysString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysFloat(path string) (float64, error) {
	raw, err := readSysString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}
