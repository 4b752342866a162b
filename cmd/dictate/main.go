package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		audioPath  string
		realtime   bool
		checkPath  string
	)
	transcribeCmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	transcribeCmd.StringVar(&audioPath, "file", "", "Path to a WAV recording")
	transcribeCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	transcribeCmd.BoolVar(&realtime, "realtime", false, "Replay the recording at capture speed")

	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&checkPath, "file", "dictate.yaml", "Path to configuration file")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "transcribe":
		transcribeCmd.Parse(os.Args[2:])
		if audioPath == "" {
			fmt.Fprintln(os.Stderr, "transcribe: -file is required")
			os.Exit(2)
		}
		if err := runTranscribe(configPath, audioPath, realtime); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(checkPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runTranscribe replays a recording through a single session and writes the
// dictated text to stdout.
func runTranscribe(configPath, audioPath string, realtime bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Capture.Realtime = realtime
	cfg.Sink = config.SinkConfig{Mode: "stdout"}
	logger := runtime.NewLogger(cfg.Telemetry, os.Stderr)

	recognizer, closeModel, err := runtime.NewRecognizer(cfg.STT, logger)
	if err != nil {
		return err
	}
	defer closeModel()
	docSink, closeSink, err := runtime.NewSink(cfg.Sink, nil, os.Stdout)
	if err != nil {
		return err
	}
	defer closeSink()

	hub := events.NewHub()
	_ = hub.OnError(func(e events.Event) {
		fmt.Fprintf(os.Stderr, "error: %s\n", e.Error)
	})
	defer hub.Wait()

	svc, err := dictation.NewService(dictation.Deps{
		Recognizer: recognizer,
		Sink:       docSink,
		Events:     hub,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := svc.StartSession(ctx, "file:"+audioPath, dictation.SettingsFromConfig(cfg))
	if err != nil {
		return err
	}
	select {
	case <-h.Done():
	case <-ctx.Done():
		_ = svc.StopSession(context.Background(), h)
	}
	fmt.Println()

	if err := h.Err(); err != nil {
		return fmt.Errorf("transcription failed: %w", err)
	}
	if ctx.Err() != nil {
		return errors.New("transcription interrupted")
	}
	return nil
}
