package governor

import (
	"context"
	"strings"
)

// Mode is the global optimization policy trading processing speed against
// battery and thermal cost.
type Mode string

const (
	ModePerformance  Mode = "performance"
	ModeBalanced     Mode = "balanced"
	ModeQuality      Mode = "quality"
	ModeBatterySaver Mode = "battery_saver"
)

// ParseMode converts a string into a known Mode.
func ParseMode(value string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModePerformance:
		return ModePerformance, true
	case ModeBalanced:
		return ModeBalanced, true
	case ModeQuality:
		return ModeQuality, true
	case ModeBatterySaver:
		return ModeBatterySaver, true
	default:
		return "", false
	}
}

// BatteryState describes the charging state of the battery.
type BatteryState string

const (
	BatteryCharging    BatteryState = "charging"
	BatteryDischarging BatteryState = "discharging"
	BatteryFull        BatteryState = "full"
	BatteryUnknown     BatteryState = "unknown"
)

// BatteryStatus is a point-in-time battery reading. Devices without a
// battery report Present=false and are treated as mains powered.
type BatteryStatus struct {
	Present      bool
	LevelPercent float64
	State        BatteryState
}

// NetworkType classifies the active network link.
type NetworkType string

const (
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkWired    NetworkType = "wired"
	NetworkNone     NetworkType = "none"
)

// MemoryPressure bands derived from available-memory ratio.
type MemoryPressure string

const (
	MemoryNormal   MemoryPressure = "normal"
	MemoryWarning  MemoryPressure = "warning"
	MemoryCritical MemoryPressure = "critical"
)

// ThermalState bands derived from sensor temperatures.
type ThermalState string

const (
	ThermalNominal  ThermalState = "nominal"
	ThermalFair     ThermalState = "fair"
	ThermalSerious  ThermalState = "serious"
	ThermalCritical ThermalState = "critical"
)

// PowerMode is the host power profile reported by the platform.
type PowerMode string

const (
	PowerHighPerformance PowerMode = "high_performance"
	PowerSaver           PowerMode = "power_saver"
	PowerUltraSaver      PowerMode = "ultra_power_saver"
)

// BatterySource reports battery status.
type BatterySource interface {
	Battery(ctx context.Context) (BatteryStatus, error)
}

// NetworkSource reports the active network type.
type NetworkSource interface {
	Network(ctx context.Context) (NetworkType, error)
}

// MemorySource reports the used-memory ratio in [0, 1].
type MemorySource interface {
	MemoryUsedRatio(ctx context.Context) (float64, error)
}

// ThermalSource reports the hottest relevant sensor temperature in Celsius.
type ThermalSource interface {
	Temperature(ctx context.Context) (float64, error)
}

// Pauser is implemented by components the governor can suspend under
// critical pressure and resume afterwards.
type Pauser interface {
	Pause()
	Resume()
}

// Cleaner is implemented by caches and pools the governor scrubs during
// emergency cleanup.
type Cleaner interface {
	Clear()
}
