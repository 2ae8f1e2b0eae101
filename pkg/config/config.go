package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/policy"
	"gopkg.in/yaml.v3"
)

type DeviceConfig struct {
	Device     DeviceSection    `yaml:"device"`
	Bus        BusConfig        `yaml:"bus"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	Inference  InferenceConfig  `yaml:"inference"`
	Response   ResponseConfig   `yaml:"response"`
	Journal    JournalConfig    `yaml:"journal"`
	Status     StatusConfig     `yaml:"status"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type DeviceSection struct {
	// ID is derived from hostname and hardware address when empty.
	ID           string   `yaml:"id"`
	ClientName   string   `yaml:"client_name"`
	AuthName     string   `yaml:"auth_name"`
	CertDir      string   `yaml:"cert_dir"`
	Type         string   `yaml:"type"`
	Location     string   `yaml:"location"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

type BusConfig struct {
	Transport      string          `yaml:"transport"`
	Broker         string          `yaml:"broker"`
	Port           int             `yaml:"port"`
	Topic          string          `yaml:"topic"`
	KeepAlive      int             `yaml:"keepalive_s"`
	UseTLS         bool            `yaml:"use_tls"`
	ConnectTimeout int             `yaml:"connect_timeout_s"`
	LeaveGraceMs   int             `yaml:"leave_grace_ms"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	Enable      bool `yaml:"enable"`
	InitialMs   int  `yaml:"initial_ms"`
	MaxMs       int  `yaml:"max_ms"`
	MaxElapsedS int  `yaml:"max_elapsed_s"`
}

type EnrollmentConfig struct {
	URL             string `yaml:"url"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	CATimeout       int    `yaml:"ca_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type InferenceConfig struct {
	BitNetPath   string  `yaml:"bitnet_path"`
	Python       string  `yaml:"python"`
	NPredict     int     `yaml:"n_predict"`
	Threads      int     `yaml:"threads"`
	CtxSize      int     `yaml:"ctx_size"`
	Temperature  float64 `yaml:"temperature"`
	Conversation bool    `yaml:"conversation"`
	ModelPath    string  `yaml:"model_path"`
	Timeout      int     `yaml:"timeout_s"`
}

type ResponseConfig struct {
	Criteria        policy.Criteria `yaml:"criteria"`
	Delay           float64         `yaml:"delay_s"`
	PromptTemplate  string          `yaml:"prompt_template"`
	MaxConcurrent   int             `yaml:"max_concurrent"`
	PeerLimit       int             `yaml:"peer_limit"`
	PeerWindow      int             `yaml:"peer_window_s"`
	HistorySize     int             `yaml:"history_size"`
	ShutdownTimeout int             `yaml:"shutdown_timeout_s"`
}

type JournalConfig struct {
	Enable     bool   `yaml:"enable"`
	Path       string `yaml:"path"`
	RetentionH int    `yaml:"retention_h"`
}

type StatusConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	JSON          bool   `yaml:"json"`
	HumanReadable bool   `yaml:"human_readable"`
	File          string `yaml:"file"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" json:"log_spans"`
}

const defaultPromptTemplate = "You are a helpful AI assistant in a makerspace IoT network. " +
	"Device {device_id} said: '{content}'. Recent context: {context}. " +
	"Provide a helpful, concise response about making, building, or technology."

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *DeviceConfig {
	return &DeviceConfig{
		Device: DeviceSection{
			CertDir:      "./certs",
			Type:         "raspberry_pi",
			Location:     "makerspace",
			Description:  "BitNet-enabled IoT device for intelligent responses",
			Capabilities: []string{"mqtt", "bitnet", "ai_inference"},
		},
		Bus: BusConfig{
			Transport:      "mqtt",
			Broker:         "makerspace-eventgrid.westus2-1.ts.eventgrid.azure.net",
			Port:           8883,
			Topic:          "devices/bitnet/messages",
			KeepAlive:      60,
			UseTLS:         true,
			ConnectTimeout: 30,
			LeaveGraceMs:   1000,
			Reconnect: ReconnectConfig{
				Enable:    false,
				InitialMs: 1000,
				MaxMs:     60000,
			},
		},
		Enrollment: EnrollmentConfig{
			URL:             "https://makerspace-cert-service.proudwave-5e4592e9.westus2.azurecontainerapps.io",
			RequestTimeout:  30,
			CATimeout:       10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Inference: InferenceConfig{
			BitNetPath:  "../BitNet",
			Python:      "python3",
			NPredict:    128,
			Threads:     2,
			CtxSize:     2048,
			Temperature: 0.8,
			Timeout:     60,
		},
		Response: ResponseConfig{
			Criteria: policy.Criteria{
				DefaultRespond: true,
				Probability:    0.8,
				MessageTypes:   []string{"general", "question"},
				ContentFilters: []string{"help", "what", "how", "explain", "?"},
			},
			Delay:           2.0,
			PromptTemplate:  defaultPromptTemplate,
			MaxConcurrent:   4,
			PeerWindow:      60,
			HistorySize:     100,
			ShutdownTimeout: 10,
		},
		Journal: JournalConfig{
			Enable:     false,
			Path:       "./bitmesh-journal.db",
			RetentionH: 168,
		},
		Status: StatusConfig{
			Enable: false,
			Listen: "127.0.0.1:9465",
		},
		Logging: LoggingConfig{
			Level:         "info",
			JSON:          false,
			HumanReadable: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides. A missing file yields
// the defaults.
func Load(path string) (*DeviceConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if id := os.Getenv("BITMESH_DEVICE_ID"); id != "" {
		cfg.Device.ID = id
	}
	if broker := os.Getenv("BITMESH_BROKER"); broker != "" {
		cfg.Bus.Broker = broker
	}
	if url := os.Getenv("BITMESH_ENROLL_URL"); url != "" {
		cfg.Enrollment.URL = url
	}
	if level := os.Getenv("BITMESH_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (c *DeviceConfig) Validate() error {
	if c.Bus.Broker == "" {
		return ErrMissingBroker
	}
	if c.Bus.Topic == "" {
		return ErrMissingTopic
	}
	if c.Bus.Port <= 0 || c.Bus.Port > 65535 {
		return &Error{fmt.Sprintf("bus port %d out of range", c.Bus.Port)}
	}
	switch strings.ToLower(c.Bus.Transport) {
	case "", "mqtt":
		c.Bus.Transport = "mqtt"
	case "nats":
		c.Bus.Transport = "nats"
	default:
		return &Error{fmt.Sprintf("unknown bus transport %q", c.Bus.Transport)}
	}
	if c.Enrollment.URL == "" {
		return ErrMissingEnrollURL
	}
	if !strings.HasPrefix(c.Enrollment.URL, "https://") {
		return &Error{"enrollment URL must be https"}
	}
	if p := c.Response.Criteria.Probability; p < 0 || p > 1 {
		return ErrInvalidProbability
	}
	if c.Response.Delay < 0 {
		return &Error{"response delay must not be negative"}
	}

	if c.Device.CertDir == "" {
		c.Device.CertDir = "./certs"
	}
	if c.Bus.KeepAlive <= 0 {
		c.Bus.KeepAlive = 60
	}
	if c.Bus.ConnectTimeout <= 0 {
		c.Bus.ConnectTimeout = 30
	}
	if c.Bus.LeaveGraceMs < 0 {
		c.Bus.LeaveGraceMs = 0
	}
	if c.Bus.Reconnect.InitialMs <= 0 {
		c.Bus.Reconnect.InitialMs = 1000
	}
	if c.Bus.Reconnect.MaxMs < c.Bus.Reconnect.InitialMs {
		c.Bus.Reconnect.MaxMs = c.Bus.Reconnect.InitialMs
	}
	if c.Enrollment.RequestTimeout <= 0 {
		c.Enrollment.RequestTimeout = 30
	}
	if c.Enrollment.CATimeout <= 0 {
		c.Enrollment.CATimeout = 10
	}
	if c.Enrollment.RetryInitialMs <= 0 {
		c.Enrollment.RetryInitialMs = 500
	}
	if c.Enrollment.RetryMaxMs <= 0 {
		c.Enrollment.RetryMaxMs = 5000
	}
	if c.Enrollment.RetryMaxRetries < 0 {
		c.Enrollment.RetryMaxRetries = 5
	}
	if c.Enrollment.RetryMaxMs < c.Enrollment.RetryInitialMs {
		c.Enrollment.RetryMaxMs = c.Enrollment.RetryInitialMs
	}
	if c.Inference.Python == "" {
		c.Inference.Python = "python3"
	}
	if c.Inference.NPredict <= 0 {
		c.Inference.NPredict = 128
	}
	if c.Inference.Threads <= 0 {
		c.Inference.Threads = 2
	}
	if c.Inference.Timeout <= 0 {
		c.Inference.Timeout = 60
	}
	if len(c.Response.Criteria.MessageTypes) == 0 {
		c.Response.Criteria.MessageTypes = []string{"general"}
	}
	if c.Response.MaxConcurrent <= 0 {
		c.Response.MaxConcurrent = 4
	}
	if c.Response.PeerWindow <= 0 {
		c.Response.PeerWindow = 60
	}
	if c.Response.HistorySize <= 0 {
		c.Response.HistorySize = 100
	}
	if c.Response.ShutdownTimeout <= 0 {
		c.Response.ShutdownTimeout = 10
	}
	if c.Journal.Enable && c.Journal.Path == "" {
		return &Error{"journal path is required when the journal is enabled"}
	}
	if c.Status.Enable && c.Status.Listen == "" {
		c.Status.Listen = "127.0.0.1:9465"
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// ResponseDelay converts the configured fractional seconds.
func (c *DeviceConfig) ResponseDelay() time.Duration {
	return time.Duration(c.Response.Delay * float64(time.Second))
}

var (
	ErrMissingBroker      = &Error{"bus broker is required"}
	ErrMissingTopic       = &Error{"bus topic is required"}
	ErrMissingEnrollURL   = &Error{"enrollment URL is required"}
	ErrInvalidProbability = &Error{"response probability must be within [0, 1]"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// IsConfigError reports whether err came from validation.
func IsConfigError(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr)
}
