// Copyright 2024 The Campilot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command pilot wires the rolling buffer, detector, session manager,
// recorder fan-out, and supervisor into one running service. Flag parsing
// and logging setup follow _examples/maruel-record-videos/main.go's
// mainImpl (tint-colored slog, signal.NotifyContext); the command surface
// itself follows the pack's cobra example
// (LanternOps-breeze/agent/cmd/breeze-agent/main.go) instead of the
// teacher's flat flag.Parse, since spec.md's expanded ambient stack calls
// for a subcommand-style CLI (run/version) rather than one binary with no
// verbs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/campilot/pilot/internal/buffer"
	"github.com/campilot/pilot/internal/config"
	"github.com/campilot/pilot/internal/decode"
	"github.com/campilot/pilot/internal/detector"
	"github.com/campilot/pilot/internal/recorder"
	"github.com/campilot/pilot/internal/session"
	"github.com/campilot/pilot/internal/supervisor"
)

var version = "0.1.0"

var (
	cfgFile string
	level   slog.LevelVar
)

var rootCmd = &cobra.Command{
	Use:   "pilot",
	Short: "Camera event-to-evidence recording pilot",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the detection and recording pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPilot(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pilot v%s\n", version)
	},
}

func init() {
	level.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      &level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file (optional; env vars always take precedence)")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func runPilot(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Verbose {
		level.Set(slog.LevelDebug)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("preparing directories: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	buf := buffer.New(buffer.Config{
		RTSPURL:         cfg.RTSPURLMain,
		BufferDir:       cfg.BufferDir,
		SegmentDuration: cfg.SegmentDurationValue(),
		MaxSegments:     cfg.MaxSegments,
		OverflowMargin:  cfg.OverflowMargin,
	})

	det := detector.New(detector.Config{
		MotionThreshold:    cfg.MotionThreshold,
		LightJumpThreshold: cfg.LightJumpThreshold,
	}, 320, 240)

	recMgr := recorder.NewManager(recorder.Config{
		BufferDir:           cfg.BufferDir,
		SessionsDir:         cfg.SessionsDir,
		EvidenceDir:         cfg.EvidenceDir,
		PreRollSeconds:      cfg.PreRollSeconds,
		ConcatenatorTimeout: recorder.DefaultConcatenatorTimeout,
	}, buf)
	sessionMgr := session.NewManager(session.Config{CooldownSeconds: cfg.CooldownValue()}, recMgr)

	sv := supervisor.New(supervisor.Config{
		MaxConsecutiveFailures: 10,
		InitialBackoff:         time.Second,
		MaxBackoff:             cfg.MaxReconnectDelayValue(),
		ForceRestartAfter:      120 * time.Second,
	}, buf, det.Reset)

	eg.Go(func() error {
		return sv.Run(ctx)
	})
	eg.Go(func() error {
		return recMgr.RunWatcher(ctx)
	})
	eg.Go(func() error {
		return detectionLoop(ctx, cfg, det, sessionMgr, buf)
	})

	err = eg.Wait()
	sessionMgr.FinalizeAll(time.Now())
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// maxConsecutiveDecodeFailures and decodeForceRestartAfter implement
// spec.md §4.6's decoder-side half of process supervision & reconnection:
// the transcoder->buffer relationship is supervised by
// internal/supervisor.Supervisor on its own process-liveness timer, but the
// decoder->detector relationship fails on a per-frame-read basis instead,
// so it gets its own small counter/backoff loop here rather than reusing
// that type.
const (
	maxConsecutiveDecodeFailures = 10
	decodeForceRestartAfter      = 120 * time.Second
)

// detectionLoop pulls frames from the sub-stream decoder at ~30fps pacing
// (spec.md §5), applies the startup warm-up delay and the min-motion
// debounce gate (spec.md §6), and drives the detector and session manager.
// A pull failure is handled per spec.md §4.6: each failure is counted and
// logged at WARN; the decode stream is reconnected with exponential
// backoff capped at cfg.MaxReconnectDelayValue(); ten consecutive failures
// restart the rolling buffer (the main stream is very likely down too);
// 120s of wall-clock time without a successful reconnect force-restarts
// the rolling buffer once per disconnection episode; and a successful
// reconnection resets the detector before resuming.
func detectionLoop(ctx context.Context, cfg *config.Config, det *detector.Detector, mgr *session.Manager, buf *buffer.Buffer) error {
	if !sleepCtx(ctx, cfg.StartupDelayValue()) {
		return nil
	}

	const width, height, fps = 320, 240, 30
	decCfg := decode.Config{RTSPURL: cfg.RTSPURLSub, Width: width, Height: height, FPS: fps}

	dec, err := decode.NewFFmpegDecoder(ctx, decCfg)
	if err != nil {
		return fmt.Errorf("starting decoder: %w", err)
	}
	defer func() {
		if dec != nil {
			dec.Close()
		}
	}()

	consecutiveFailures := 0
	backoff := time.Second
	var disconnectedSince time.Time
	forceRestarted := false
	var motionSince time.Time

	ticker := time.NewTicker(time.Second / fps)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if dec == nil {
			newDec, err := decode.NewFFmpegDecoder(ctx, decCfg)
			if err != nil {
				slog.Warn("decoder reconnect attempt failed", "err", err)
				if !sleepCtx(ctx, backoff) {
					return nil
				}
				backoff = nextBackoff(backoff, cfg.MaxReconnectDelayValue())
				continue
			}
			dec = newDec
			slog.Info("decoder reconnected")
			det.Reset()
			continue
		}

		frame, ok := dec.Pull()
		if !ok {
			dec.Close()
			dec = nil
			consecutiveFailures++
			slog.Warn("decoder frame read failed", "consecutive_failures", consecutiveFailures)
			if disconnectedSince.IsZero() {
				disconnectedSince = time.Now()
			}
			if consecutiveFailures >= maxConsecutiveDecodeFailures {
				slog.Warn("restarting rolling buffer after repeated decode failures", "failures", consecutiveFailures)
				buf.Stop()
				consecutiveFailures = 0
			}
			if !forceRestarted && time.Since(disconnectedSince) > decodeForceRestartAfter {
				slog.Warn("force-restarting rolling buffer: decode stream down past wall-clock budget", "after", decodeForceRestartAfter)
				buf.Stop()
				forceRestarted = true
			}
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, cfg.MaxReconnectDelayValue())
			continue
		}
		if !disconnectedSince.IsZero() {
			// First frame after an outage: the disconnection episode is over.
			consecutiveFailures = 0
			disconnectedSince = time.Time{}
			forceRestarted = false
			backoff = time.Second
		}

		result := det.AnalyzeFrame(frame)
		now := time.Now()
		if result.MotionDetected {
			if motionSince.IsZero() {
				motionSince = now
			}
			if now.Sub(motionSince) >= cfg.MinMotionValue() {
				mgr.OnMotionDetected(now)
			}
		} else {
			motionSince = time.Time{}
			mgr.OnNoMotion(now)
		}
		mgr.Tick(now)
	}
}

// sleepCtx waits for d or ctx cancellation, returning false if ctx was
// canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// nextBackoff doubles current, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
