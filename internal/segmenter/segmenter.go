// Package segmenter turns a continuous PCM stream into utterance chunks cut
// at silence boundaries.
package segmenter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/metrics"
	"github.com/loqalabs/loqa-dictate/internal/vad"
)

// Chunk is one utterance handed to recognition. PCM is owned by the receiver.
type Chunk struct {
	Sequence uint64
	PCM      []byte
	Frames   int
	Offset   time.Duration
	Duration time.Duration
}

type Config struct {
	Format            audio.Format
	FrameDuration     time.Duration
	TargetChunk       time.Duration
	SilenceThreshold  time.Duration
	MinChunk          time.Duration
	MinAnalysisFrames int
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Format: audio.Format{
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Capture.Channels,
			BitDepth:   cfg.Capture.BitDepth,
		},
		FrameDuration:     config.Millis(cfg.VAD.FrameDurationMS),
		TargetChunk:       config.Millis(cfg.Segmenter.TargetChunkMS),
		SilenceThreshold:  config.Millis(cfg.Segmenter.SilenceThresholdMS),
		MinChunk:          config.Millis(cfg.Segmenter.MinChunkMS),
		MinAnalysisFrames: cfg.Segmenter.MinAnalysisFrames,
	}
}

type Segmenter struct {
	cfg           Config
	frameBytes    int
	silenceFrames int
	minChunkBytes int
	minAnalysis   int
	classifier    *vad.Classifier
	logger        *slog.Logger
	metrics       *metrics.Metrics

	// mu guards the filling/spare swap only.
	mu      sync.Mutex
	filling []byte
	spare   []byte

	// pass serialises boundary detection; fields below are owned by it.
	pass     sync.Mutex
	sequence uint64
	consumed int
	pending  []Chunk
}

func New(cfg Config, classifier *vad.Classifier, logger *slog.Logger, m *metrics.Metrics) (*Segmenter, error) {
	if !cfg.Format.Valid() {
		return nil, errors.New("segmenter: invalid pcm format")
	}
	frameBytes := cfg.Format.FrameBytes(cfg.FrameDuration)
	if frameBytes <= 0 {
		return nil, errors.New("segmenter: frame duration too short")
	}
	if cfg.MinAnalysisFrames <= 0 {
		cfg.MinAnalysisFrames = 1
	}
	silenceFrames := int((cfg.SilenceThreshold + cfg.FrameDuration - 1) / cfg.FrameDuration)
	if silenceFrames < 1 {
		silenceFrames = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = vad.NewClassifier(nil, 300, logger, m)
	}
	capacity := cfg.Format.Align(cfg.Format.FrameBytes(cfg.TargetChunk) * 2)
	return &Segmenter{
		cfg:           cfg,
		frameBytes:    frameBytes,
		silenceFrames: silenceFrames,
		minChunkBytes: cfg.Format.Align(cfg.Format.FrameBytes(cfg.MinChunk)),
		minAnalysis:   cfg.MinAnalysisFrames * frameBytes,
		classifier:    classifier,
		logger:        logger.With(slog.String("component", "segmenter")),
		metrics:       m,
		filling:       make([]byte, 0, capacity),
		spare:         make([]byte, 0, capacity),
	}, nil
}

// AddSamples appends captured PCM to the filling buffer.
func (s *Segmenter) AddSamples(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	s.filling = append(s.filling, p...)
	s.mu.Unlock()
}

// Buffered reports the number of bytes waiting for analysis.
func (s *Segmenter) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filling)
}

// Poll analyses the filling buffer once it holds the minimum analysis window.
// A detached buffer shorter than the minimum chunk is dropped.
func (s *Segmenter) Poll() []Chunk {
	s.pass.Lock()
	defer s.pass.Unlock()

	detached := s.detach(s.minAnalysis)
	if detached == nil {
		return nil
	}
	defer s.recycle(detached)

	if len(detached) < s.minChunkBytes {
		s.logger.Debug("dropping short buffer",
			slog.Duration("duration", s.cfg.Format.Duration(len(detached))),
			slog.Duration("min_chunk", s.cfg.MinChunk),
		)
		s.consumed += len(detached)
		s.metrics.ChunkDropped(context.Background())
		return nil
	}
	return s.detect(detached)
}

// Flush analyses everything accumulated, including chunks a cancelled Run
// could not deliver. Nothing buffered is dropped.
func (s *Segmenter) Flush() []Chunk {
	s.pass.Lock()
	defer s.pass.Unlock()

	chunks := s.pending
	s.pending = nil
	detached := s.detach(1)
	if detached == nil {
		return chunks
	}
	defer s.recycle(detached)
	return append(chunks, s.detect(detached)...)
}

// Run polls at the target chunk interval and sends chunks to out until ctx is
// done. Chunks that could not be sent are kept for the next Flush.
func (s *Segmenter) Run(ctx context.Context, out chan<- Chunk) {
	interval := s.cfg.TargetChunk
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		chunks := s.Poll()
		for i, chunk := range chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				s.pass.Lock()
				s.pending = append(s.pending, chunks[i:]...)
				s.pass.Unlock()
				return
			}
		}
	}
}

func (s *Segmenter) detach(min int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.filling) < min || len(s.filling) == 0 {
		return nil
	}
	detached := s.filling
	if s.spare != nil {
		s.filling = s.spare[:0]
		s.spare = nil
	} else {
		s.filling = make([]byte, 0, cap(detached))
	}
	return detached
}

func (s *Segmenter) recycle(buf []byte) {
	s.mu.Lock()
	s.spare = buf[:0]
	s.mu.Unlock()
}

// detect walks buf frame by frame and cuts a chunk after a silence run of at
// least the silence threshold once the chunk has reached the minimum length.
// Must be called with s.pass held.
func (s *Segmenter) detect(buf []byte) []Chunk {
	var (
		chunks     []Chunk
		start      int
		silenceRun int
	)
	frames := len(buf) / s.frameBytes
	for i := 0; i < frames; i++ {
		end := (i + 1) * s.frameBytes
		if s.classifier.Classify(buf[i*s.frameBytes : end]) {
			silenceRun = 0
			continue
		}
		silenceRun++
		if silenceRun >= s.silenceFrames && end-start >= s.minChunkBytes {
			chunks = append(chunks, s.cut(buf, start, end))
			start = end
			silenceRun = 0
		}
	}

	if start < len(buf) {
		rest := len(buf) - start
		if rest >= s.minChunkBytes || len(chunks) == 0 {
			chunks = append(chunks, s.cut(buf, start, len(buf)))
		} else {
			last := &chunks[len(chunks)-1]
			last.PCM = append(last.PCM, buf[start:]...)
			last.Frames = len(last.PCM) / s.frameBytes
			last.Duration = s.cfg.Format.Duration(len(last.PCM))
		}
	}

	s.consumed += len(buf)
	ctx := context.Background()
	for i := range chunks {
		s.sequence++
		chunks[i].Sequence = s.sequence
		s.metrics.ChunkEmitted(ctx, chunks[i].Duration)
	}
	return chunks
}

func (s *Segmenter) cut(buf []byte, start, end int) Chunk {
	pcm := make([]byte, end-start)
	copy(pcm, buf[start:end])
	return Chunk{
		PCM:      pcm,
		Frames:   len(pcm) / s.frameBytes,
		Offset:   s.cfg.Format.Duration(s.consumed + start),
		Duration: s.cfg.Format.Duration(len(pcm)),
	}
}
