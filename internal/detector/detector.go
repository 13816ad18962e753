// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package detector turns a stream of BGR frames into a stable sequence of
// DetectionResults, smoothing the raw per-frame motion score and applying
// hysteresis so neither sensor noise nor the trailing edge of a real motion
// event causes flicker.
//
// No pixel-processing library appears anywhere in the retrieved example
// pack (the teacher drives motion detection through ffmpeg's own filter
// graph and reads back a scalar YAVG value over a pipe; nothing in the pack
// binds an OpenCV-style library that could expose a queryable background
// model as a Go value). The background-subtraction math below is therefore
// implemented directly against a []byte frame using only the standard
// library - see DESIGN.md for why this is the one component in the system
// that does not route through a third-party dependency.
package detector

import "math"

const (
	// SmoothingWindow is the number of trailing raw scores averaged into
	// the smoothed score (0.5s at 30fps).
	SmoothingWindow = 15
	// HysteresisFrames is the number of consecutive sub-threshold frames
	// required before motion is declared over (1s at 30fps).
	HysteresisFrames = 30

	// mogHistory is the number of frames the background model learns from.
	mogHistory = 500
	// mogVarThreshold is the Mahalanobis-distance-squared threshold beyond
	// which a pixel is classified foreground.
	mogVarThreshold = 16.0
)

// Result is a pure value describing one analyzed frame.
type Result struct {
	MotionDetected      bool
	LightEventDetected  bool
	RawMotionScore      float64 // fraction of pixels classified foreground, [0,1]
	SmoothedMotionScore float64 // running mean over SmoothingWindow frames, [0,1]
	Brightness          float64 // mean luminance, [0,255]
	BrightnessDelta     float64 // abs delta vs previous frame, >= 0
}

// Config holds the two sensitivity knobs exposed to operators.
type Config struct {
	// MotionThreshold is the fraction of changed pixels (post-smoothing)
	// that counts as motion.
	MotionThreshold float64
	// LightJumpThreshold is the absolute brightness delta, in 0..255
	// units, that counts as a light event.
	LightJumpThreshold float64
}

// DefaultConfig matches the values named in the external interface section.
func DefaultConfig() Config {
	return Config{MotionThreshold: 0.02, LightJumpThreshold: 30.0}
}

// Detector is a stateful per-stream analyzer. It is not safe for concurrent
// use by multiple goroutines; the detection loop owns exactly one.
type Detector struct {
	cfg Config
	bg  *backgroundModel

	scores      []float64 // ring buffer content, appended/truncated like a deque
	motionState bool
	lowCount    int

	lastBrightness float64
	haveLastBright bool
}

// New builds a Detector ready to analyze frames of the given width/height.
func New(cfg Config, width, height int) *Detector {
	return &Detector{
		cfg:    cfg,
		bg:     newBackgroundModel(width, height),
		scores: make([]float64, 0, SmoothingWindow),
	}
}

// AnalyzeFrame processes one BGR frame (row-major, 3 bytes per pixel,
// len(frame) == width*height*3) and returns its DetectionResult. Analysis is
// pure with respect to the frame; all state evolution happens through the
// documented fields only, in lockstep with calls - there is no batching or
// lookahead.
func (d *Detector) AnalyzeFrame(frame []byte) Result {
	gray := toGrayscale(frame)

	fgCount := d.bg.apply(gray)
	total := len(gray)
	raw := 0.0
	if total > 0 {
		raw = float64(fgCount) / float64(total)
	}

	d.pushScore(raw)
	smoothed := d.meanScore()

	if smoothed > d.cfg.MotionThreshold {
		d.motionState = true
		d.lowCount = 0
	} else if d.motionState {
		d.lowCount++
		if d.lowCount >= HysteresisFrames {
			d.motionState = false
		}
	}

	brightness := meanOf(gray)
	delta := 0.0
	if d.haveLastBright {
		delta = math.Abs(brightness - d.lastBrightness)
	}
	lightEvent := delta > d.cfg.LightJumpThreshold
	d.lastBrightness = brightness
	d.haveLastBright = true

	return Result{
		MotionDetected:      d.motionState,
		LightEventDetected:  lightEvent,
		RawMotionScore:      raw,
		SmoothedMotionScore: smoothed,
		Brightness:          brightness,
		BrightnessDelta:     delta,
	}
}

// Reset recreates the background model and clears smoothing/hysteresis/
// brightness memory. Required after a stream reconnect so the first
// post-reconnect frame can't trip a false trigger against stale background
// statistics.
func (d *Detector) Reset() {
	d.bg = newBackgroundModel(d.bg.width, d.bg.height)
	d.scores = d.scores[:0]
	d.motionState = false
	d.lowCount = 0
	d.haveLastBright = false
	d.lastBrightness = 0
}

func (d *Detector) pushScore(v float64) {
	if len(d.scores) == SmoothingWindow {
		copy(d.scores, d.scores[1:])
		d.scores[len(d.scores)-1] = v
		return
	}
	d.scores = append(d.scores, v)
}

func (d *Detector) meanScore() float64 {
	if len(d.scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range d.scores {
		sum += v
	}
	return sum / float64(len(d.scores))
}

// toGrayscale converts an interleaved BGR buffer to single-channel luminance
// using the standard BGR->gray transform (ITU-R BT.601 coefficients applied
// in B,G,R pixel order).
func toGrayscale(bgr []byte) []byte {
	n := len(bgr) / 3
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b := float64(bgr[i*3])
		g := float64(bgr[i*3+1])
		r := float64(bgr[i*3+2])
		y := 0.114*b + 0.587*g + 0.299*r
		out[i] = byte(y + 0.5)
	}
	return out
}

func meanOf(gray []byte) float64 {
	if len(gray) == 0 {
		return 0
	}
	sum := 0
	for _, v := range gray {
		sum += int(v)
	}
	return float64(sum) / float64(len(gray))
}
