package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	CacheDir string `toml:"cache_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Device contains device profiling configuration.
type Device struct {
	// TierOverride forces a tier (low/medium/high) instead of probing hardware.
	TierOverride string `toml:"tier_override"`
	// MinKernelMajor is the minimum supported kernel major version; older
	// systems are demoted to the low tier regardless of memory.
	MinKernelMajor int `toml:"min_kernel_major"`
}

// Queue contains configuration for the background job queue.
type Queue struct {
	PollInterval      int `toml:"poll_interval"`
	MaxConcurrent     int `toml:"max_concurrent"` // 0 scales by device tier
	MaxRetries        int `toml:"max_retries"`
	RetryBaseSeconds  int `toml:"retry_base_seconds"`
	RetryMaxSeconds   int `toml:"retry_max_seconds"`
	JobTimeoutSeconds int `toml:"job_timeout_seconds"`
}

// Processing contains configuration for video processing.
type Processing struct {
	ChunkSize          int     `toml:"chunk_size"`
	MaxWorkers         int     `toml:"max_workers"` // 0 scales by device tier
	FramePoolSize      int     `toml:"frame_pool_size"`
	MinFrameRate       float64 `toml:"min_frame_rate"`
	MaxFrameRate       float64 `toml:"max_frame_rate"`
	QualityThreshold   float64 `toml:"quality_threshold"`
	DuplicateThreshold float64 `toml:"duplicate_threshold"`
	AdaptiveSampling   bool    `toml:"adaptive_sampling"`
	CacheBudgetMiB     int     `toml:"cache_budget_mib"`
}

// Monitor contains performance monitoring thresholds.
type Monitor struct {
	MemorySampleInterval int     `toml:"memory_sample_interval"`
	SlowFrameMillis      int     `toml:"slow_frame_millis"`
	FPSWindow            int     `toml:"fps_window"`
	BatteryDrainPercent  float64 `toml:"battery_drain_percent"`
}

// Governor contains resource governor thresholds.
type Governor struct {
	BatteryFloorPercent int     `toml:"battery_floor_percent"`
	ThermalFairC        float64 `toml:"thermal_fair_c"`
	ThermalSeriousC     float64 `toml:"thermal_serious_c"`
	ThermalCriticalC    float64 `toml:"thermal_critical_c"`
	MemoryWarningRatio  float64 `toml:"memory_warning_ratio"`
	MemoryCriticalRatio float64 `toml:"memory_critical_ratio"`
	CheckInterval       int     `toml:"check_interval"`
}

// Tools contains external tool binary names.
type Tools struct {
	FFmpeg  string `toml:"ffmpeg"`
	FFprobe string `toml:"ffprobe"`
}

// Config encapsulates all configuration values for formsight.
//
// Sections by subsystem:
//   - Paths: data, log, and cache directories
//   - Logging: log format and level
//   - Device: tier override and OS baseline
//   - Queue: scheduler intervals, concurrency, retry/backoff policy
//   - Processing: chunking, worker caps, frame pool and cache budgets
//   - Monitor: performance warning thresholds
//   - Governor: battery/thermal/memory pressure thresholds
//   - Tools: external binary names
type Config struct {
	Paths      Paths      `toml:"paths"`
	Logging    Logging    `toml:"logging"`
	Device     Device     `toml:"device"`
	Queue      Queue      `toml:"queue"`
	Processing Processing `toml:"processing"`
	Monitor    Monitor    `toml:"monitor"`
	Governor   Governor   `toml:"governor"`
	Tools      Tools      `toml:"tools"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/formsight/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a file was found at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("formsight.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories required for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// FFmpegBinary returns the ffmpeg executable name used for frame extraction.
func (c *Config) FFmpegBinary() string {
	if strings.TrimSpace(c.Tools.FFmpeg) == "" {
		return "ffmpeg"
	}
	return c.Tools.FFmpeg
}

// FFprobeBinary returns the ffprobe executable name used for media validation.
func (c *Config) FFprobeBinary() string {
	if strings.TrimSpace(c.Tools.FFprobe) == "" {
		return "ffprobe"
	}
	return c.Tools.FFprobe
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.CacheDir) == "" {
		c.Paths.CacheDir = defaultCacheDir
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Device.TierOverride = strings.ToLower(strings.TrimSpace(c.Device.TierOverride))
	c.Tools.FFmpeg = strings.TrimSpace(c.Tools.FFmpeg)
	c.Tools.FFprobe = strings.TrimSpace(c.Tools.FFprobe)
	return nil
}

// Validate checks configuration values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Device.TierOverride {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("device.tier_override: unsupported value %q", c.Device.TierOverride)
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries: must not be negative")
	}
	if c.Queue.RetryBaseSeconds <= 0 {
		return errors.New("queue.retry_base_seconds: must be positive")
	}
	if c.Queue.RetryMaxSeconds < c.Queue.RetryBaseSeconds {
		return errors.New("queue.retry_max_seconds: must be >= retry_base_seconds")
	}
	if c.Processing.ChunkSize <= 0 {
		return errors.New("processing.chunk_size: must be positive")
	}
	if c.Processing.FramePoolSize <= 0 {
		return errors.New("processing.frame_pool_size: must be positive")
	}
	if c.Processing.MinFrameRate <= 0 || c.Processing.MaxFrameRate < c.Processing.MinFrameRate {
		return errors.New("processing: frame rate bounds must satisfy 0 < min <= max")
	}
	if c.Processing.QualityThreshold < 0 || c.Processing.QualityThreshold > 1 {
		return errors.New("processing.quality_threshold: must be within [0, 1]")
	}
	if c.Processing.DuplicateThreshold <= 0 || c.Processing.DuplicateThreshold > 1 {
		return errors.New("processing.duplicate_threshold: must be within (0, 1]")
	}
	if c.Governor.BatteryFloorPercent < 0 || c.Governor.BatteryFloorPercent > 100 {
		return errors.New("governor.battery_floor_percent: must be within [0, 100]")
	}
	if c.Governor.MemoryWarningRatio <= 0 || c.Governor.MemoryCriticalRatio <= c.Governor.MemoryWarningRatio {
		return errors.New("governor: memory ratios must satisfy 0 < warning < critical")
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
