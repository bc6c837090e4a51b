// Package config loads the agent configuration.
//
// Loading strategy:
//  1. Optional .env file supplies credentials and overrides (never committed)
//  2. YAML file supplies the structured configuration
//  3. Environment variables override selected scalars (DDA_* prefix)
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults recognized by the surrounding application.
const (
	DefaultUploadIntervalSeconds = 300
	DefaultBatchSize             = 100
	DefaultRetentionDays         = 7
	DefaultResultsPath           = "/aws_dda/inference-results"
	DefaultFrameTimeoutS         = 5
	DefaultInferenceTimeoutS     = 10
	DefaultDebounceMs            = 200
	DefaultHealthPort            = 8080
)

// Config is the complete agent configuration.
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ResultsPath      string         `yaml:"results_path"`
	HealthPort       int            `yaml:"health_port"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"`
	Capture          CaptureConfig  `yaml:"capture"`
	Engine           EngineConfig   `yaml:"engine"`
	Upload           UploadConfig   `yaml:"upload"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	Sources          []SourceConfig `yaml:"sources"`
}

// CaptureConfig bounds the capture path.
type CaptureConfig struct {
	FrameTimeoutS     int `yaml:"frame_timeout_s"`
	InferenceTimeoutS int `yaml:"inference_timeout_s"`
	DebounceMs        int `yaml:"debounce_ms"`
}

// FrameTimeout returns the frame acquisition timeout.
func (c CaptureConfig) FrameTimeout() time.Duration {
	return time.Duration(c.FrameTimeoutS) * time.Second
}

// InferenceTimeout returns the per-pass model invocation timeout.
func (c CaptureConfig) InferenceTimeout() time.Duration {
	return time.Duration(c.InferenceTimeoutS) * time.Second
}

// Debounce returns the digital-input debounce window.
func (c CaptureConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// EngineConfig describes the local inference-engine worker process.
type EngineConfig struct {
	// WorkerCmd launches the engine worker (speaks length-prefixed msgpack
	// on stdin/stdout, one process serves all three stages).
	WorkerCmd  string   `yaml:"worker_cmd"`
	WorkerArgs []string `yaml:"worker_args"`
}

// UploadConfig configures the artifact uploader and the remote store.
type UploadConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchSize       int `yaml:"batch_size"`
	// RetentionDays nil means default; explicit 0 disables eviction
	// (operator override, not a bug).
	RetentionDays  *int   `yaml:"retention_days"`
	UploadImages   *bool  `yaml:"upload_images"`
	UploadMetadata *bool  `yaml:"upload_metadata"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	UseSSL         bool   `yaml:"use_ssl"`
}

// MQTTConfig contains broker settings for events, health and control.
// An empty broker disables MQTT entirely.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates.
type MQTTTopics struct {
	Events  string `yaml:"events"`
	Health  string `yaml:"health"`
	Control string `yaml:"control"`
}

// SourceConfig declares one capture source and its model binding.
type SourceConfig struct {
	ID           string `yaml:"id"`
	Kind         string `yaml:"kind"` // camera | file-folder | stream
	ModelID      string `yaml:"model_id"`
	ModelName    string `yaml:"model_name"`
	ModelVersion string `yaml:"model_version"`
	// FolderPath feeds file-folder sources.
	FolderPath string `yaml:"folder_path"`
	// RTSPURL feeds stream sources (GStreamer pipeline).
	RTSPURL string `yaml:"rtsp_url"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`
	// ScheduleIntervalS enables the timer trigger for this source (0 = off).
	ScheduleIntervalS int `yaml:"schedule_interval_s"`
}

// Load reads the configuration file, applies the .env overlay, env
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	// .env is optional; missing file is not an error
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DDA_BUCKET"); v != "" {
		c.Upload.Bucket = v
	}
	if v := os.Getenv("DDA_S3_ENDPOINT"); v != "" {
		c.Upload.Endpoint = v
	}
	if v := os.Getenv("DDA_S3_ACCESS_KEY"); v != "" {
		c.Upload.AccessKey = v
	}
	if v := os.Getenv("DDA_S3_SECRET_KEY"); v != "" {
		c.Upload.SecretKey = v
	}
	if v := os.Getenv("DDA_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("DDA_RESULTS_PATH"); v != "" {
		c.ResultsPath = v
	}
	if v := os.Getenv("DDA_UPLOAD_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Upload.IntervalSeconds = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.ResultsPath == "" {
		c.ResultsPath = DefaultResultsPath
	}
	if c.HealthPort == 0 {
		c.HealthPort = DefaultHealthPort
	}
	if c.Upload.IntervalSeconds == 0 {
		c.Upload.IntervalSeconds = DefaultUploadIntervalSeconds
	}
	if c.Upload.BatchSize == 0 {
		c.Upload.BatchSize = DefaultBatchSize
	}
	if c.Upload.RetentionDays == nil {
		days := DefaultRetentionDays
		c.Upload.RetentionDays = &days
	}
	if c.Capture.FrameTimeoutS == 0 {
		c.Capture.FrameTimeoutS = DefaultFrameTimeoutS
	}
	if c.Capture.InferenceTimeoutS == 0 {
		c.Capture.InferenceTimeoutS = DefaultInferenceTimeoutS
	}
	if c.Capture.DebounceMs == 0 {
		c.Capture.DebounceMs = DefaultDebounceMs
	}
}

// UploadSettings is the snapshot the uploader re-reads at every cycle
// boundary. Runtime reconfiguration takes effect on the next cycle
// without a restart.
type UploadSettings struct {
	Interval       time.Duration
	BatchSize      int
	RetentionDays  int
	UploadImages   bool
	UploadMetadata bool
	Prefix         string
}

// Settings converts the static upload config into a runtime snapshot.
func (u UploadConfig) Settings() UploadSettings {
	images, metadata := true, true
	if u.UploadImages != nil {
		images = *u.UploadImages
	}
	if u.UploadMetadata != nil {
		metadata = *u.UploadMetadata
	}
	retention := DefaultRetentionDays
	if u.RetentionDays != nil {
		retention = *u.RetentionDays
	}
	return UploadSettings{
		Interval:       time.Duration(u.IntervalSeconds) * time.Second,
		BatchSize:      u.BatchSize,
		RetentionDays:  retention,
		UploadImages:   images,
		UploadMetadata: metadata,
		Prefix:         u.Prefix,
	}
}

// Runtime holds the mutable upload settings shared between the control
// plane (writer) and the uploader (reader, once per cycle).
type Runtime struct {
	mu       sync.RWMutex
	settings UploadSettings
}

// NewRuntime seeds the runtime settings from the loaded config.
func NewRuntime(initial UploadSettings) *Runtime {
	return &Runtime{settings: initial}
}

// Settings returns the current snapshot.
func (r *Runtime) Settings() UploadSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Update replaces the snapshot. Applied by the uploader on its next cycle.
func (r *Runtime) Update(s UploadSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
}
