package jobqueue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"formsight/internal/services"
)

// State tracks a job through its lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state ends a job.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Priority orders jobs; lower values drain first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Valid reports whether the priority is in range.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Condition gates when a pending job may start.
type Condition string

const (
	ConditionAny          Condition = "any"
	ConditionWifiOnly     Condition = "wifi_only"
	ConditionChargingOnly Condition = "charging_only"
	ConditionIdleOnly     Condition = "idle_only"
)

// ParseCondition normalizes a condition string; empty means any.
func ParseCondition(raw string) (Condition, error) {
	switch Condition(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ConditionAny:
		return ConditionAny, nil
	case ConditionWifiOnly:
		return ConditionWifiOnly, nil
	case ConditionChargingOnly:
		return ConditionChargingOnly, nil
	case ConditionIdleOnly:
		return ConditionIdleOnly, nil
	default:
		return "", services.Wrap(services.ErrValidation, "jobqueue", "parse-condition",
			fmt.Sprintf("unknown execution condition %q", raw), nil)
	}
}

// PayloadKind tags the payload union.
type PayloadKind string

const (
	PayloadAnalyzeVideo PayloadKind = "analyze_video"
	PayloadCacheWarm    PayloadKind = "cache_warm"
	PayloadCleanup      PayloadKind = "cleanup"
)

// AnalyzeVideoPayload runs the full analysis pipeline for one video.
type AnalyzeVideoPayload struct {
	URI      string `json:"uri"`
	Exercise string `json:"exercise"`
}

// CacheWarmPayload pre-extracts frames for a video into the frame cache.
type CacheWarmPayload struct {
	URI      string `json:"uri"`
	Exercise string `json:"exercise"`
}

// CleanupPayload prunes caches and completed queue entries.
type CleanupPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

// Payload is the tagged union of job inputs. Exactly the field matching
// Kind is set.
type Payload struct {
	Kind         PayloadKind          `json:"kind"`
	AnalyzeVideo *AnalyzeVideoPayload `json:"analyze_video,omitempty"`
	CacheWarm    *CacheWarmPayload    `json:"cache_warm,omitempty"`
	Cleanup      *CleanupPayload      `json:"cleanup,omitempty"`
}

// Validate checks that the union holds exactly the variant its tag names.
func (p Payload) Validate() error {
	set := 0
	if p.AnalyzeVideo != nil {
		set++
	}
	if p.CacheWarm != nil {
		set++
	}
	if p.Cleanup != nil {
		set++
	}
	if set != 1 {
		return services.Wrap(services.ErrValidation, "jobqueue", "payload",
			fmt.Sprintf("payload must carry exactly one variant, has %d", set), nil)
	}
	switch p.Kind {
	case PayloadAnalyzeVideo:
		if p.AnalyzeVideo == nil {
			return payloadMismatch(p.Kind)
		}
		if strings.TrimSpace(p.AnalyzeVideo.URI) == "" {
			return services.Wrap(services.ErrValidation, "jobqueue", "payload", "analyze_video payload requires a uri", nil)
		}
	case PayloadCacheWarm:
		if p.CacheWarm == nil {
			return payloadMismatch(p.Kind)
		}
		if strings.TrimSpace(p.CacheWarm.URI) == "" {
			return services.Wrap(services.ErrValidation, "jobqueue", "payload", "cache_warm payload requires a uri", nil)
		}
	case PayloadCleanup:
		if p.Cleanup == nil {
			return payloadMismatch(p.Kind)
		}
	default:
		return services.Wrap(services.ErrValidation, "jobqueue", "payload",
			fmt.Sprintf("unknown payload kind %q", p.Kind), nil)
	}
	return nil
}

func payloadMismatch(kind PayloadKind) error {
	return services.Wrap(services.ErrValidation, "jobqueue", "payload",
		fmt.Sprintf("payload tag %q does not match its variant", kind), nil)
}

func (p Payload) marshal() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "jobqueue", "payload", "encode payload", err)
	}
	return string(data), nil
}

func unmarshalPayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, services.Wrap(services.ErrValidation, "jobqueue", "payload", "decode payload", err)
	}
	return p, nil
}

// Job is one unit of queued background work.
type Job struct {
	ID            string
	Payload       Payload
	Priority      Priority
	State         State
	Condition     Condition
	Retries       int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	NextAttemptAt time.Time
	LastHeartbeat time.Time
}
