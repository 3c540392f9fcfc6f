package frames

import (
	"context"
	"fmt"
	"log/slog"

	"formsight/internal/config"
	"formsight/internal/device"
	"formsight/internal/frames/decode"
	"formsight/internal/governor"
	"formsight/internal/logging"
)

// motionHistoryLen is the rolling window used by adaptive sampling.
const motionHistoryLen = 5

// Optimizer computes extraction strategies and produces scored, deduplicated
// frames drawn from the shared pool.
type Optimizer struct {
	cfg     *config.Config
	logger  *slog.Logger
	tier    device.Tier
	mode    *governor.ModeCell
	decoder decode.Decoder
	pool    *Pool
	cache   *Cache
}

// NewOptimizer wires the optimizer against a pool and cache it does not own.
func NewOptimizer(cfg *config.Config, logger *slog.Logger, tier device.Tier, mode *governor.ModeCell, decoder decode.Decoder, pool *Pool, cache *Cache) *Optimizer {
	return &Optimizer{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "frame-optimizer"),
		tier:    tier,
		mode:    mode,
		decoder: decoder,
		pool:    pool,
		cache:   cache,
	}
}

// Strategy computes the extraction plan for a probed video.
func (o *Optimizer) Strategy(meta decode.Metadata, exercise string) ExtractionStrategy {
	videoMeta := VideoMetadata{
		DurationSeconds: meta.DurationSeconds,
		Width:           meta.Width,
		Height:          meta.Height,
		FrameRate:       meta.FrameRate,
	}
	return CalculateExtractionStrategy(o.cfg, o.tier, o.mode.Get(), videoMeta, exercise)
}

// Probe validates and inspects the video source.
func (o *Optimizer) Probe(ctx context.Context, uri string) (decode.Metadata, error) {
	return o.decoder.Probe(ctx, uri)
}

// Extract decodes the video per the strategy, scores motion and quality,
// drops frames below the quality threshold, adaptively resamples when
// enabled, and removes near-duplicate neighbors. The returned frames hold
// pool handles in ascending frame order; on error every acquired handle has
// already been released.
func (o *Optimizer) Extract(ctx context.Context, uri string, exercise string) ([]Extracted, ExtractionStrategy, error) {
	meta, err := o.Probe(ctx, uri)
	if err != nil {
		return nil, ExtractionStrategy{}, err
	}
	strategy := o.Strategy(meta, exercise)

	o.logger.Info("extraction started",
		logging.String(logging.FieldEventType, "extraction_started"),
		logging.String(logging.FieldExercise, exercise),
		logging.String("focus_region", string(strategy.FocusRegion)),
		logging.Float64("sampling_rate", strategy.SamplingRate),
		logging.Int("target_width", strategy.TargetWidth),
		logging.Int("target_height", strategy.TargetHeight),
	)

	collector := newCollector(ctx, o, uri, strategy)
	err = o.decoder.Extract(ctx, uri, strategy.SamplingRate, strategy.TargetWidth, strategy.TargetHeight, collector.consume)
	if err != nil {
		collector.releaseAll()
		return nil, strategy, err
	}

	kept := collector.finish()
	o.logger.Info("extraction finished",
		logging.String(logging.FieldEventType, "extraction_finished"),
		logging.Int("decoded", collector.decoded),
		logging.Int("selected", len(kept)),
	)
	return kept, strategy, nil
}

// ClearCache drops every cached frame. Safe mid-extraction.
func (o *Optimizer) ClearCache() {
	o.cache.Clear()
}

// Release returns a batch of extracted frames to the pool.
func (o *Optimizer) Release(batch []Extracted) {
	for _, f := range batch {
		o.pool.Release(f.Handle)
	}
}

// collector accumulates extraction state across the decoder's sink calls.
type collector struct {
	ctx           context.Context
	opt           *Optimizer
	uri           string
	strategy      ExtractionStrategy
	kept          []Extracted
	prevPixels    []byte
	motionHistory []float64
	keepEvery     int
	decoded       int
	sinceKept     int
}

func newCollector(ctx context.Context, o *Optimizer, uri string, strategy ExtractionStrategy) *collector {
	return &collector{ctx: ctx, opt: o, uri: uri, strategy: strategy, keepEvery: 1}
}

func (c *collector) consume(raw decode.RawFrame) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	c.decoded++

	motion := 0.0
	if c.prevPixels != nil {
		motion = motionScore(c.prevPixels, raw.Pixels)
	}
	if c.prevPixels == nil {
		c.prevPixels = make([]byte, len(raw.Pixels))
	}
	copy(c.prevPixels, raw.Pixels)

	if c.opt.cfg.Processing.AdaptiveSampling {
		c.adapt(motion)
	}
	c.sinceKept++
	if c.sinceKept < c.keepEvery && c.decoded > 1 {
		return nil
	}

	quality := qualityScore(raw.Pixels, raw.Width, raw.Height)
	if quality < c.opt.cfg.Processing.QualityThreshold && c.decoded > 1 {
		return nil
	}

	handle, err := c.opt.pool.Acquire()
	if err != nil {
		// The pool is shared with the processor; when it runs dry the
		// frames gathered so far are still a usable result.
		return nil
	}
	buf, err := c.opt.pool.Buffer(handle)
	if err != nil {
		c.opt.pool.Release(handle)
		return err
	}
	n := copy(buf, raw.Pixels)

	frame := Frame{
		Number:       raw.Number,
		Timestamp:    raw.Timestamp,
		Width:        raw.Width,
		Height:       raw.Height,
		PixelBytes:   n,
		QualityScore: quality,
		MotionScore:  motion,
	}
	if err := c.opt.pool.SetFrame(handle, frame); err != nil {
		c.opt.pool.Release(handle)
		return err
	}
	c.kept = append(c.kept, Extracted{Frame: frame, Handle: handle})
	c.sinceKept = 0
	c.opt.cache.Put(fmt.Sprintf("%s:%d", c.uri, raw.Number), raw.Pixels[:n])
	return nil
}

// adapt widens or narrows the keep stride from the rolling motion average:
// high recent motion keeps every decoded frame, stillness skips more.
func (c *collector) adapt(motion float64) {
	c.motionHistory = append(c.motionHistory, motion)
	if len(c.motionHistory) > motionHistoryLen {
		c.motionHistory = c.motionHistory[1:]
	}
	if len(c.motionHistory) < motionHistoryLen {
		return
	}
	var sum float64
	for _, m := range c.motionHistory {
		sum += m
	}
	avg := sum / float64(len(c.motionHistory))
	switch {
	case avg >= 0.10:
		c.keepEvery = 1
	case avg >= 0.03:
		c.keepEvery = 2
	default:
		c.keepEvery = 3
	}
}

// finish marks key frames and drops near-duplicate consecutive frames while
// always retaining the first frame, the last frame, and motion peaks.
func (c *collector) finish() []Extracted {
	if len(c.kept) == 0 {
		return nil
	}
	markMotionPeaks(c.kept)
	threshold := c.opt.cfg.Processing.DuplicateThreshold

	out := c.kept[:0]
	for i := range c.kept {
		f := &c.kept[i]
		first := i == 0
		last := i == len(c.kept)-1
		if !first && !last && !f.Frame.KeyFrame && len(out) > 0 {
			// Similarity against the last kept frame, not the last
			// decoded one, so a static run collapses fully.
			prev := out[len(out)-1]
			if sim, ok := c.similarity(prev, *f); ok && sim >= threshold {
				c.opt.pool.Release(f.Handle)
				continue
			}
		}
		if err := c.opt.pool.SetFrame(f.Handle, f.Frame); err == nil {
			out = append(out, *f)
		}
	}
	c.kept = out
	return out
}

func (c *collector) similarity(a, b Extracted) (float64, bool) {
	bufA, errA := c.opt.pool.Buffer(a.Handle)
	bufB, errB := c.opt.pool.Buffer(b.Handle)
	if errA != nil || errB != nil {
		return 0, false
	}
	if a.Frame.PixelBytes < len(bufA) {
		bufA = bufA[:a.Frame.PixelBytes]
	}
	if b.Frame.PixelBytes < len(bufB) {
		bufB = bufB[:b.Frame.PixelBytes]
	}
	return 1 - motionScore(bufA, bufB), true
}

func (c *collector) releaseAll() {
	for _, f := range c.kept {
		c.opt.pool.Release(f.Handle)
	}
	c.kept = nil
}

// markMotionPeaks flags frames whose motion score is a strict local maximum.
func markMotionPeaks(batch []Extracted) {
	for i := 1; i < len(batch)-1; i++ {
		m := batch[i].Frame.MotionScore
		if m > batch[i-1].Frame.MotionScore && m > batch[i+1].Frame.MotionScore && m > 0 {
			batch[i].Frame.KeyFrame = true
		}
	}
}
