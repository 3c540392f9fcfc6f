package processor

import (
	"context"
	"encoding/json"
	"time"

	"formsight/internal/logging"
)

// KV is the durable key-value layer used for resume state. The job queue's
// store provides the production implementation.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

const resumeKey = "processor/resume"

// resumeRecord persists enough to pick a run back up after the hosting
// process is suspended and relaunched.
type resumeRecord struct {
	URI         string    `json:"uri"`
	Exercise    string    `json:"exercise"`
	Processed   int       `json:"processed"`
	TotalFrames int       `json:"total_frames"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p *Processor) saveResume(ctx context.Context, rec resumeRecord) {
	if p.kv == nil {
		return
	}
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := p.kv.Set(ctx, resumeKey, data); err != nil {
		p.logger.Warn("resume state not persisted", logging.Error(err))
	}
}

// loadResume returns the persisted record for uri. A missing, corrupt, or
// mismatched record yields a zero value, which restarts from frame zero.
func (p *Processor) loadResume(ctx context.Context, uri string) resumeRecord {
	if p.kv == nil {
		return resumeRecord{}
	}
	data, ok, err := p.kv.Get(ctx, resumeKey)
	if err != nil || !ok {
		return resumeRecord{}
	}
	var rec resumeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return resumeRecord{}
	}
	if rec.URI != uri || rec.Processed < 0 || rec.TotalFrames <= 0 || rec.Processed >= rec.TotalFrames {
		return resumeRecord{}
	}
	return rec
}

func (p *Processor) clearResume(ctx context.Context) {
	if p.kv == nil {
		return
	}
	if err := p.kv.Delete(ctx, resumeKey); err != nil {
		p.logger.Warn("resume state not cleared", logging.Error(err))
	}
}
