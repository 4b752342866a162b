// Package vad classifies fixed-duration PCM frames as speech or silence.
package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/metrics"
)

var ErrFrameSize = errors.New("vad: unexpected frame size")

// Detector is a voice activity detector that may fail on any frame.
type Detector interface {
	IsSpeech(frame []byte) (bool, error)
}

// Classifier wraps a Detector and falls back to RMS energy for any frame the
// detector cannot classify.
type Classifier struct {
	detector  Detector
	threshold float64
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewClassifier(detector Detector, threshold float64, logger *slog.Logger, m *metrics.Metrics) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		detector:  detector,
		threshold: threshold,
		logger:    logger.With(slog.String("component", "vad")),
		metrics:   m,
	}
}

// Classify reports whether frame contains speech. It never fails.
func (c *Classifier) Classify(frame []byte) bool {
	if c.detector != nil {
		speech, err := c.detector.IsSpeech(frame)
		if err == nil {
			return speech
		}
		c.logger.Debug("detector failed; using energy fallback", slog.String("error", err.Error()))
		c.metrics.VADFallback(context.Background())
	}
	return audio.RMS(frame) > c.threshold
}

// EnergyDetector classifies a frame as speech when its RMS exceeds Threshold.
type EnergyDetector struct {
	Threshold  float64
	FrameBytes int
}

func (d EnergyDetector) IsSpeech(frame []byte) (bool, error) {
	if d.FrameBytes > 0 && len(frame) != d.FrameBytes {
		return false, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), d.FrameBytes)
	}
	return audio.RMS(frame) > d.Threshold, nil
}

// HysteresisDetector switches into speech after OnsetFrames loud frames and
// back to silence after HangoverFrames quiet ones.
type HysteresisDetector struct {
	speechLevel  float64
	silenceLevel float64
	onset        int
	hangover     int
	frameBytes   int

	mu           sync.Mutex
	inSpeech     bool
	speechCount  int
	silenceCount int
}

func NewHysteresisDetector(speechLevel, silenceLevel float64, onset, hangover, frameBytes int) *HysteresisDetector {
	if onset < 1 {
		onset = 1
	}
	if hangover < 1 {
		hangover = 1
	}
	return &HysteresisDetector{
		speechLevel:  speechLevel,
		silenceLevel: silenceLevel,
		onset:        onset,
		hangover:     hangover,
		frameBytes:   frameBytes,
	}
}

func (d *HysteresisDetector) IsSpeech(frame []byte) (bool, error) {
	if d.frameBytes > 0 && len(frame) != d.frameBytes {
		return false, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), d.frameBytes)
	}
	level := audio.RMS(frame)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inSpeech {
		if level < d.silenceLevel {
			d.silenceCount++
			if d.silenceCount >= d.hangover {
				d.inSpeech = false
				d.silenceCount = 0
			}
		} else {
			d.silenceCount = 0
		}
	} else {
		if level >= d.speechLevel {
			d.speechCount++
			if d.speechCount >= d.onset {
				d.inSpeech = true
				d.speechCount = 0
			}
		} else {
			d.speechCount = 0
		}
	}
	return d.inSpeech, nil
}

func (d *HysteresisDetector) Reset() {
	d.mu.Lock()
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
	d.mu.Unlock()
}

// NewDetector builds the detector selected by cfg.Mode for frames of format f.
func NewDetector(cfg config.VADConfig, f audio.Format) (Detector, error) {
	frameBytes := f.FrameBytes(config.Millis(cfg.FrameDurationMS))
	switch cfg.Mode {
	case "", "energy":
		return EnergyDetector{Threshold: cfg.EnergyThreshold, FrameBytes: frameBytes}, nil
	case "hysteresis":
		return NewHysteresisDetector(cfg.EnergyThreshold, cfg.SilenceLevel, cfg.OnsetFrames, cfg.HangoverFrames, frameBytes), nil
	default:
		return nil, fmt.Errorf("unsupported vad mode %q", cfg.Mode)
	}
}
