package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	VAD         VADConfig        `yaml:"vad"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	STT         STTConfig        `yaml:"stt"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Trigger     TriggerConfig    `yaml:"trigger"`
	Emission    EmissionConfig   `yaml:"emission"`
	Sink        SinkConfig       `yaml:"sink"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig describes the PCM format every capture device must deliver.
type CaptureConfig struct {
	Device     string `yaml:"device"`
	AutoStart  bool   `yaml:"auto_start"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	BitDepth   int    `yaml:"bit_depth"`
	Realtime   bool   `yaml:"realtime"`
}

type VADConfig struct {
	Mode            string  `yaml:"mode"` // energy, hysteresis
	FrameDurationMS int     `yaml:"frame_duration_ms"`
	EnergyThreshold float64 `yaml:"energy_threshold"`
	SilenceLevel    float64 `yaml:"silence_level"`
	OnsetFrames     int     `yaml:"onset_frames"`
	HangoverFrames  int     `yaml:"hangover_frames"`
}

type SegmenterConfig struct {
	TargetChunkMS      int `yaml:"target_chunk_ms"`
	SilenceThresholdMS int `yaml:"silence_threshold_ms"`
	MinChunkMS         int `yaml:"min_chunk_ms"`
	MinAnalysisFrames  int `yaml:"min_analysis_frames"`
}

type STTConfig struct {
	Mode          string `yaml:"mode"` // mock, exec, whisper
	Command       string `yaml:"command"`
	ModelPath     string `yaml:"model_path"`
	Language      string `yaml:"language"`
	Threads       int    `yaml:"threads"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type PipelineConfig struct {
	ErrorLimit      int `yaml:"error_limit"`
	SettleTimeoutMS int `yaml:"settle_timeout_ms"`
	PollIntervalMS  int `yaml:"poll_interval_ms"`
}

type TriggerConfig struct {
	Enabled        bool    `yaml:"enabled"`
	StartPhrase    string  `yaml:"start_phrase"`
	StopPhrase     string  `yaml:"stop_phrase"`
	MaxWords       int     `yaml:"max_words"`
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

type EmissionConfig struct {
	FlushIntervalMS int `yaml:"flush_interval_ms"`
}

type SinkConfig struct {
	Mode    string `yaml:"mode"` // stdout, file, bus
	Path    string `yaml:"path"`
	Subject string `yaml:"subject"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictate.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Device:     "",
			SampleRate: 16000,
			Channels:   1,
			BitDepth:   16,
			Realtime:   true,
		},
		VAD: VADConfig{
			Mode:            "energy",
			FrameDurationMS: 20,
			EnergyThreshold: 300,
			SilenceLevel:    150,
			OnsetFrames:     3,
			HangoverFrames:  15,
		},
		Segmenter: SegmenterConfig{
			TargetChunkMS:      3000,
			SilenceThresholdMS: 500,
			MinChunkMS:         1000,
			MinAnalysisFrames:  10,
		},
		STT: STTConfig{
			Mode:          "mock",
			Language:      "en",
			Threads:       4,
			TimeoutMS:     45000,
			MaxConcurrent: 4,
		},
		Pipeline: PipelineConfig{
			ErrorLimit:      3,
			SettleTimeoutMS: 3000,
			PollIntervalMS:  50,
		},
		Trigger: TriggerConfig{
			Enabled:     false,
			StartPhrase: "start dictation",
			StopPhrase:  "stop dictation",
			MaxWords:    1000,
		},
		Emission: EmissionConfig{
			FlushIntervalMS: 500,
		},
		Sink: SinkConfig{
			Mode:    "stdout",
			Subject: "dictation.document.text",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideBool(&cfg.Capture.AutoStart, "LOQA_CAPTURE_AUTO_START")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.BitDepth, "LOQA_CAPTURE_BIT_DEPTH")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideString(&cfg.VAD.Mode, "LOQA_VAD_MODE")
	overrideInt(&cfg.VAD.FrameDurationMS, "LOQA_VAD_FRAME_DURATION_MS")
	overrideFloat(&cfg.VAD.EnergyThreshold, "LOQA_VAD_ENERGY_THRESHOLD")
	overrideFloat(&cfg.VAD.SilenceLevel, "LOQA_VAD_SILENCE_LEVEL")
	overrideInt(&cfg.VAD.OnsetFrames, "LOQA_VAD_ONSET_FRAMES")
	overrideInt(&cfg.VAD.HangoverFrames, "LOQA_VAD_HANGOVER_FRAMES")
	overrideInt(&cfg.Segmenter.TargetChunkMS, "LOQA_SEGMENTER_TARGET_CHUNK_MS")
	overrideInt(&cfg.Segmenter.SilenceThresholdMS, "LOQA_SEGMENTER_SILENCE_THRESHOLD_MS")
	overrideInt(&cfg.Segmenter.MinChunkMS, "LOQA_SEGMENTER_MIN_CHUNK_MS")
	overrideInt(&cfg.Segmenter.MinAnalysisFrames, "LOQA_SEGMENTER_MIN_ANALYSIS_FRAMES")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREADS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.MaxConcurrent, "LOQA_STT_MAX_CONCURRENT")
	overrideInt(&cfg.Pipeline.ErrorLimit, "LOQA_PIPELINE_ERROR_LIMIT")
	overrideInt(&cfg.Pipeline.SettleTimeoutMS, "LOQA_PIPELINE_SETTLE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.PollIntervalMS, "LOQA_PIPELINE_POLL_INTERVAL_MS")
	overrideBool(&cfg.Trigger.Enabled, "LOQA_TRIGGER_ENABLED")
	overrideString(&cfg.Trigger.StartPhrase, "LOQA_TRIGGER_START_PHRASE")
	overrideString(&cfg.Trigger.StopPhrase, "LOQA_TRIGGER_STOP_PHRASE")
	overrideInt(&cfg.Trigger.MaxWords, "LOQA_TRIGGER_MAX_WORDS")
	overrideFloat(&cfg.Trigger.FuzzyThreshold, "LOQA_TRIGGER_FUZZY_THRESHOLD")
	overrideInt(&cfg.Emission.FlushIntervalMS, "LOQA_EMISSION_FLUSH_INTERVAL_MS")
	overrideString(&cfg.Sink.Mode, "LOQA_SINK_MODE")
	overrideString(&cfg.Sink.Path, "LOQA_SINK_PATH")
	overrideString(&cfg.Sink.Subject, "LOQA_SINK_SUBJECT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.BitDepth != 16 {
		return errors.New("capture.bit_depth must be 16")
	}
	if cfg.Capture.AutoStart && cfg.Capture.Device == "" {
		return errors.New("capture.device must be set when auto_start is enabled")
	}
	switch cfg.VAD.Mode {
	case "energy", "hysteresis":
	default:
		return errors.New("vad.mode must be one of energy|hysteresis")
	}
	switch cfg.VAD.FrameDurationMS {
	case 10, 20, 30:
	default:
		return errors.New("vad.frame_duration_ms must be one of 10|20|30")
	}
	if cfg.VAD.EnergyThreshold <= 0 {
		return errors.New("vad.energy_threshold must be positive")
	}
	if cfg.VAD.Mode == "hysteresis" && cfg.VAD.SilenceLevel > cfg.VAD.EnergyThreshold {
		return errors.New("vad.silence_level must not exceed vad.energy_threshold")
	}
	if cfg.Segmenter.TargetChunkMS <= 0 {
		return errors.New("segmenter.target_chunk_ms must be positive")
	}
	if cfg.Segmenter.SilenceThresholdMS < cfg.VAD.FrameDurationMS {
		return errors.New("segmenter.silence_threshold_ms must cover at least one frame")
	}
	if cfg.Segmenter.MinChunkMS < 0 {
		return errors.New("segmenter.min_chunk_ms must be >= 0")
	}
	if cfg.Segmenter.MinAnalysisFrames <= 0 {
		return errors.New("segmenter.min_analysis_frames must be >= 1")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "whisper":
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "whisper" && cfg.STT.ModelPath == "" {
		return errors.New("stt.model_path must be set when mode=whisper")
	}
	if cfg.STT.MaxConcurrent <= 0 {
		return errors.New("stt.max_concurrent must be >= 1")
	}
	if cfg.Pipeline.ErrorLimit <= 0 {
		return errors.New("pipeline.error_limit must be >= 1")
	}
	if cfg.Pipeline.SettleTimeoutMS < 0 {
		return errors.New("pipeline.settle_timeout_ms must be >= 0")
	}
	if cfg.Pipeline.PollIntervalMS <= 0 {
		return errors.New("pipeline.poll_interval_ms must be positive")
	}
	if cfg.Trigger.Enabled {
		if strings.TrimSpace(cfg.Trigger.StartPhrase) == "" || strings.TrimSpace(cfg.Trigger.StopPhrase) == "" {
			return errors.New("trigger.start_phrase and trigger.stop_phrase must be set when trigger is enabled")
		}
		if cfg.Trigger.MaxWords <= 0 {
			return errors.New("trigger.max_words must be >= 1")
		}
	}
	if cfg.Trigger.FuzzyThreshold < 0 || cfg.Trigger.FuzzyThreshold > 1 {
		return errors.New("trigger.fuzzy_threshold must be within [0, 1]")
	}
	if cfg.Emission.FlushIntervalMS <= 0 {
		return errors.New("emission.flush_interval_ms must be positive")
	}
	switch cfg.Sink.Mode {
	case "stdout":
	case "file":
		if cfg.Sink.Path == "" {
			return errors.New("sink.path must be set when mode=file")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("sink.mode=bus requires bus.enabled")
		}
		if cfg.Sink.Subject == "" {
			return errors.New("sink.subject must be set when mode=bus")
		}
	default:
		return errors.New("sink.mode must be one of stdout|file|bus")
	}
	if strings.HasPrefix(cfg.Capture.Device, "bus:") && !cfg.Bus.Enabled {
		return errors.New("capture.device bus:<id> requires bus.enabled")
	}
	return nil
}

// Millis converts a millisecond setting into a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
