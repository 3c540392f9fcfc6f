package device

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sys/unix"

	"formsight/internal/config"
	"formsight/internal/logging"
)

// Tier is the coarse classification of the device's processing capability.
// Every adaptive parameter in the pipeline scales from it.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// ParseTier converts a string into a known Tier.
func ParseTier(value string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case TierLow:
		return TierLow, true
	case TierMedium:
		return TierMedium, true
	case TierHigh:
		return TierHigh, true
	default:
		return "", false
	}
}

// Memory thresholds separating the tiers.
const (
	lowTierMaxBytes    = 2 << 30
	mediumTierMaxBytes = 4 << 30
)

// Profile describes the hardware the pipeline is running on. Immutable per
// process lifetime; derived once and cached.
type Profile struct {
	Tier             Tier
	TotalMemoryBytes uint64
	CPUCount         int
	KernelVersion    string
}

// WorkerCap returns the maximum number of parallel frame workers for the tier.
func (p Profile) WorkerCap() int {
	switch p.Tier {
	case TierLow:
		return 1
	case TierMedium:
		return 3
	default:
		return 5
	}
}

// JobCap returns the maximum number of concurrently executing queue jobs.
func (p Profile) JobCap() int {
	switch p.Tier {
	case TierLow:
		return 1
	case TierMedium:
		return 2
	default:
		return 3
	}
}

// ResolutionCap returns the maximum long-edge pixel size for extracted frames.
func (p Profile) ResolutionCap() int {
	switch p.Tier {
	case TierLow:
		return 480
	case TierMedium:
		return 720
	default:
		return 1080
	}
}

// Profiler derives and caches the device profile.
type Profiler struct {
	cfg    *config.Config
	logger *slog.Logger

	once    sync.Once
	profile Profile
}

// NewProfiler constructs a profiler. The profile is computed lazily on the
// first Profile call and cached for the process lifetime.
func NewProfiler(cfg *config.Config, logger *slog.Logger) *Profiler {
	return &Profiler{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "device-profiler"),
	}
}

// Profile classifies the running device. It never fails: when hardware
// probes are unavailable the device is conservatively treated as low tier.
func (p *Profiler) Profile(ctx context.Context) Profile {
	p.once.Do(func() {
		p.profile = p.probe(ctx)
		p.logger.Info("device profiled",
			logging.String(logging.FieldTier, string(p.profile.Tier)),
			logging.Uint64("total_memory_bytes", p.profile.TotalMemoryBytes),
			logging.Int("cpu_count", p.profile.CPUCount),
			logging.String("kernel_version", p.profile.KernelVersion),
		)
	})
	return p.profile
}

func (p *Profiler) probe(ctx context.Context) Profile {
	profile := Profile{}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		profile.TotalMemoryBytes = vm.Total
	} else {
		profile.TotalMemoryBytes = sysinfoTotalMemory()
	}
	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		profile.CPUCount = count
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		profile.KernelVersion = info.KernelVersion
	}

	profile.Tier = p.classify(profile)
	return profile
}

func (p *Profiler) classify(profile Profile) Tier {
	if p.cfg != nil {
		if tier, ok := ParseTier(p.cfg.Device.TierOverride); ok {
			return tier
		}
	}

	// An OS below the supported baseline demotes to low regardless of memory.
	minMajor := 0
	if p.cfg != nil {
		minMajor = p.cfg.Device.MinKernelMajor
	}
	if minMajor > 0 {
		if major, ok := kernelMajor(profile.KernelVersion); ok && major < minMajor {
			return TierLow
		}
	}

	switch {
	case profile.TotalMemoryBytes == 0 || profile.TotalMemoryBytes <= lowTierMaxBytes:
		return TierLow
	case profile.TotalMemoryBytes <= mediumTierMaxBytes:
		return TierMedium
	default:
		return TierHigh
	}
}

func kernelMajor(version string) (int, bool) {
	version = strings.TrimSpace(version)
	if version == "" {
		return 0, false
	}
	head, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, false
	}
	return major, true
}

func sysinfoTotalMemory() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}
