// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package detector

// backgroundModel is a single-Gaussian-per-pixel adaptive background
// subtractor, the same shape of algorithm as OpenCV's
// createBackgroundSubtractorMOG2 with detectShadows disabled: each pixel
// tracks a running mean and variance, classifies itself foreground when its
// current value is more than varThreshold Mahalanobis-distance-squared away
// from the running mean, and otherwise blends into the background at a rate
// that converges over mogHistory frames.
//
// A single Gaussian (rather than a true Gaussian mixture) is sufficient here
// because the spec's invariants (§8.4, §8.5) only constrain the smoothed,
// hysteresis-gated motion signal derived from this mask, never the mask's
// internal multi-modality.
type backgroundModel struct {
	width, height int
	mean          []float64
	variance      []float64
	frameCount    int
}

const minVariance = 4.0 // floor so early frames don't produce a degenerate (zero-variance) model

func newBackgroundModel(width, height int) *backgroundModel {
	n := width * height
	m := &backgroundModel{
		width:    width,
		height:   height,
		mean:     make([]float64, n),
		variance: make([]float64, n),
	}
	for i := range m.variance {
		m.variance[i] = minVariance
	}
	return m
}

// apply ingests one grayscale frame, updates the per-pixel background
// statistics, and returns the number of pixels classified foreground.
func (m *backgroundModel) apply(gray []byte) int {
	if len(gray) != len(m.mean) {
		// Frame size changed (e.g. stream reconfigured) - rebuild in place
		// rather than panic; the caller's Reset() is the normal path for
		// this, but defend against a silent dimension drift too.
		*m = *newBackgroundModel(m.widthFor(len(gray)), m.heightFor(len(gray)))
	}
	m.frameCount++
	if m.frameCount == 1 {
		// The first frame seeds the background; nothing is foreground yet.
		for i, px := range gray {
			m.mean[i] = float64(px)
		}
		return 0
	}

	// Learning rate decays from fast (early frames, fast convergence) to
	// the steady-state 1/history rate, mirroring MOG2's own warm-up.
	alpha := 1.0 / float64(m.frameCount)
	minAlpha := 1.0 / float64(mogHistory)
	if alpha < minAlpha {
		alpha = minAlpha
	}

	fg := 0
	for i, px := range gray {
		v := float64(px)
		d := v - m.mean[i]
		distSq := d * d / m.variance[i]
		rate := alpha
		if distSq > mogVarThreshold {
			fg++
			rate = minAlpha
		}
		// Update running mean/variance regardless of classification -
		// MOG2 with detectShadows disabled still folds foreground pixels
		// into the model at a (slower) rate so lighting drift doesn't
		// permanently paint the scene as foreground. Here that rate is the
		// steady-state 1/mogHistory.
		m.mean[i] += rate * d
		m.variance[i] += rate * (d*d - m.variance[i])
		if m.variance[i] < minVariance {
			m.variance[i] = minVariance
		}
	}
	return fg
}

func (m *backgroundModel) widthFor(n int) int {
	if m.width == 0 {
		return n
	}
	return m.width
}

func (m *backgroundModel) heightFor(n int) int {
	if m.height == 0 || m.width == 0 {
		return 1
	}
	return n / m.width
}
