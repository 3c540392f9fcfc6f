// Package frames computes extraction strategies, decodes and scores video
// frames, and owns the shared frame-buffer pool and bounded frame cache.
package frames
