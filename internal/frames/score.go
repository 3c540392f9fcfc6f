package frames

import "math"

// motionScore values are normalized to [0,1]: 0 means identical frames,
// 1 means every pixel changed fully.
func motionScore(prev, curr []byte) float64 {
	n := len(curr)
	if len(prev) < n {
		n = len(prev)
	}
	if n == 0 {
		return 0
	}
	// Stride through large buffers; full-resolution diffs gain nothing here.
	step := 1
	if n > 1<<16 {
		step = n / (1 << 16)
	}
	var total, samples float64
	for i := 0; i < n; i += step {
		d := int(curr[i]) - int(prev[i])
		if d < 0 {
			d = -d
		}
		total += float64(d)
		samples++
	}
	return total / (samples * 255)
}

// qualityScore combines brightness, contrast, and sharpness heuristics into
// a [0,1] score. Very dark or blown-out frames and low-contrast or blurry
// frames score low.
func qualityScore(pixels []byte, width, height int) float64 {
	if len(pixels) == 0 || width <= 0 || height <= 0 {
		return 0
	}
	n := width * height
	if n > len(pixels) {
		n = len(pixels)
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(pixels[i])
	}
	mean := sum / float64(n)

	var variance float64
	for i := 0; i < n; i++ {
		d := float64(pixels[i]) - mean
		variance += d * d
	}
	variance /= float64(n)
	stddev := math.Sqrt(variance)

	// Brightness component peaks at mid-gray and falls off toward the
	// extremes.
	brightness := 1 - math.Abs(mean-128)/128

	// Contrast: a stddev of 64 or more counts as full contrast.
	contrast := stddev / 64
	if contrast > 1 {
		contrast = 1
	}

	sharp := sharpness(pixels, width, height)

	return clamp(0.3*brightness+0.3*contrast+0.4*sharp, 0, 1)
}

// sharpness approximates focus via the mean horizontal Laplacian response.
func sharpness(pixels []byte, width, height int) float64 {
	if width < 3 || height < 1 {
		return 0
	}
	rowStep := 1
	if height > 64 {
		rowStep = height / 64
	}
	var total, samples float64
	for y := 0; y < height; y += rowStep {
		row := y * width
		if row+width > len(pixels) {
			break
		}
		for x := 1; x < width-1; x++ {
			lap := 2*int(pixels[row+x]) - int(pixels[row+x-1]) - int(pixels[row+x+1])
			if lap < 0 {
				lap = -lap
			}
			total += float64(lap)
			samples++
		}
	}
	if samples == 0 {
		return 0
	}
	// A mean response of 16 is already a crisp frame.
	score := total / samples / 16
	if score > 1 {
		score = 1
	}
	return score
}
