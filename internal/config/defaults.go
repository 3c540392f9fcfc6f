package config

const (
	defaultDataDir  = "~/.local/share/formsight"
	defaultLogDir   = "~/.local/share/formsight/logs"
	defaultCacheDir = "~/.cache/formsight"

	defaultLogFormat = "console"
	defaultLogLevel  = "info"

	defaultMinKernelMajor = 4

	defaultQueuePollInterval  = 5
	defaultQueueMaxRetries    = 3
	defaultRetryBaseSeconds   = 2
	defaultRetryMaxSeconds    = 60
	defaultJobTimeoutSeconds  = 600
	defaultChunkSize          = 10
	defaultFramePoolSize      = 15
	defaultMinFrameRate       = 0.5
	defaultMaxFrameRate       = 4.0
	defaultQualityThreshold   = 0.35
	defaultDuplicateThreshold = 0.92
	defaultCacheBudgetMiB     = 64

	defaultMemorySampleInterval = 2
	defaultSlowFrameMillis      = 500
	defaultFPSWindow            = 10
	defaultBatteryDrainPercent  = 15

	defaultBatteryFloorPercent = 10
	defaultThermalFairC        = 60
	defaultThermalSeriousC     = 75
	defaultThermalCriticalC    = 85
	defaultMemoryWarningRatio  = 0.75
	defaultMemoryCriticalRatio = 0.90
	defaultGovernorInterval    = 10
)

// Default returns a Config populated with repository defaults.
func Default() *Config {
	return &Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			LogDir:   defaultLogDir,
			CacheDir: defaultCacheDir,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Device: Device{
			MinKernelMajor: defaultMinKernelMajor,
		},
		Queue: Queue{
			PollInterval:      defaultQueuePollInterval,
			MaxRetries:        defaultQueueMaxRetries,
			RetryBaseSeconds:  defaultRetryBaseSeconds,
			RetryMaxSeconds:   defaultRetryMaxSeconds,
			JobTimeoutSeconds: defaultJobTimeoutSeconds,
		},
		Processing: Processing{
			ChunkSize:          defaultChunkSize,
			FramePoolSize:      defaultFramePoolSize,
			MinFrameRate:       defaultMinFrameRate,
			MaxFrameRate:       defaultMaxFrameRate,
			QualityThreshold:   defaultQualityThreshold,
			DuplicateThreshold: defaultDuplicateThreshold,
			AdaptiveSampling:   true,
			CacheBudgetMiB:     defaultCacheBudgetMiB,
		},
		Monitor: Monitor{
			MemorySampleInterval: defaultMemorySampleInterval,
			SlowFrameMillis:      defaultSlowFrameMillis,
			FPSWindow:            defaultFPSWindow,
			BatteryDrainPercent:  defaultBatteryDrainPercent,
		},
		Governor: Governor{
			BatteryFloorPercent: defaultBatteryFloorPercent,
			ThermalFairC:        defaultThermalFairC,
			ThermalSeriousC:     defaultThermalSeriousC,
			ThermalCriticalC:    defaultThermalCriticalC,
			MemoryWarningRatio:  defaultMemoryWarningRatio,
			MemoryCriticalRatio: defaultMemoryCriticalRatio,
			CheckInterval:       defaultGovernorInterval,
		},
	}
}
