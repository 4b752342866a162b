package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd     []string
	cfg     config.STTConfig
	timeout time.Duration
}

type execSegment struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

type execResult struct {
	Text     string        `json:"text"`
	Segments []execSegment `json:"segments"`
}

// NewExecRecognizer runs cfg.Command once per chunk with the chunk written to
// a temporary WAV file and decodes the JSON printed on stdout.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{
		cmd:     args,
		cfg:     cfg,
		timeout: config.Millis(cfg.TimeoutMS),
	}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, req Request, emit func(Segment) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	file, err := os.CreateTemp("", "loqa_dictate_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, req.PCM, req.Format); err != nil {
		return err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	language := req.Language
	if language == "" {
		language = r.cfg.Language
	}
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil
	}
	// Commands that print a bare transcript get one segment for the chunk.
	if out[0] != '{' {
		return emit(Segment{Text: string(out), End: req.Format.Duration(len(req.PCM))})
	}

	var resp execResult
	if err := json.Unmarshal(out, &resp); err != nil {
		return fmt.Errorf("decode stt response: %w", err)
	}

	if len(resp.Segments) == 0 {
		if resp.Text == "" {
			return nil
		}
		return emit(Segment{Text: resp.Text, End: req.Format.Duration(len(req.PCM))})
	}
	for _, seg := range resp.Segments {
		err := emit(Segment{
			Text:  seg.Text,
			Start: time.Duration(seg.StartMS) * time.Millisecond,
			End:   time.Duration(seg.EndMS) * time.Millisecond,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
