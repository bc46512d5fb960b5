package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/transcriber/internal/common"
)

const (
	envConfigPath     = "TRANSCRIBER_CONFIG"
	defaultConfigPath = "config.yaml"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Media   MediaConfig   `yaml:"media"`
	Notify  NotifyConfig  `yaml:"notify"`
	Export  ExportConfig  `yaml:"export"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address" validate:"required"`
	ReadTimeout   time.Duration `yaml:"readTimeout" validate:"gt=0"`
	WriteTimeout  time.Duration `yaml:"writeTimeout" validate:"gte=0"` // event streams clear their own write deadline
	IdleTimeout   time.Duration `yaml:"idleTimeout" validate:"gt=0"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize" validate:"gt=0"`
	QueueCapacity int           `yaml:"queueCapacity" validate:"gt=0"`
	HistorySize   int           `yaml:"historySize" validate:"gt=0"` // finished jobs kept observable in memory
	StorageDir    string        `yaml:"storageDir" validate:"required"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	DatabasePath  string        `yaml:"databasePath"`  // optional, overrides default storageDir/transcriber.db
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for running jobs before forced stop
	LogLevel      string        `yaml:"logLevel" validate:"oneof=debug info warn error"`
}

// BackendConfig selects the transcription provider.
type BackendConfig struct {
	Provider        string        `yaml:"provider" validate:"oneof=remote mock"`
	BaseURL         string        `yaml:"baseUrl" validate:"required_if=Provider remote,omitempty,url"`
	RequestTimeout  time.Duration `yaml:"requestTimeout" validate:"gt=0"`
	ResourceTimeout time.Duration `yaml:"resourceTimeout" validate:"gtefield=RequestTimeout"`
	DefaultLanguage string        `yaml:"defaultLanguage" validate:"required"`
	Mock            MockSettings  `yaml:"mock"`
}

// MockSettings config for the offline mock backend.
type MockSettings struct {
	Delay    time.Duration `yaml:"delay" validate:"gte=0"`
	Text     string        `yaml:"text"`
	Language string        `yaml:"language"`
}

// MediaConfig locates the external media tools.
type MediaConfig struct {
	FFmpegPath  string `yaml:"ffmpegPath" validate:"required"`
	FFprobePath string `yaml:"ffprobePath" validate:"required"`
	WorkDir     string `yaml:"workDir"` // default storageDir/work
}

// NotifyConfig controls completion notifications.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookUrl" validate:"omitempty,url"`
	Retries    int           `yaml:"retries" validate:"gte=1,lte=10"`
	Backoff    time.Duration `yaml:"backoff" validate:"gte=0"`
	Title      string        `yaml:"title"`
}

// ExportConfig controls where share files are written.
type ExportConfig struct {
	Dir string `yaml:"dir"` // default storageDir/exports
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	// Longer suffixes first so "MIB" is not read as "B".
	units := []unit{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			if val < 0 {
				return 0, fmt.Errorf("negative size %q", orig)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it reads TRANSCRIBER_CONFIG, then falls back to "config.yaml".
// A missing default file yields the built-in defaults; an explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		if env := os.Getenv(envConfigPath); env != "" {
			path = env
		} else {
			path = defaultConfigPath
			explicit = false
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = nil
	}
	return Parse(data)
}

// Parse builds a validated Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storageDir: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(200 * 1024 * 1024) // 200 MiB default
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.Server.HistorySize <= 0 {
		cfg.Server.HistorySize = common.DefaultHistorySize
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "transcriber.db")
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 30 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	cfg.Server.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Server.LogLevel))

	// Backend defaults
	cfg.Backend.Provider = strings.ToLower(strings.TrimSpace(cfg.Backend.Provider))
	if cfg.Backend.Provider == "" {
		if strings.TrimSpace(cfg.Backend.BaseURL) != "" {
			cfg.Backend.Provider = "remote"
		} else {
			cfg.Backend.Provider = "mock"
		}
	}
	cfg.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Backend.BaseURL), "/")
	if cfg.Backend.RequestTimeout == 0 {
		cfg.Backend.RequestTimeout = 5 * time.Minute
	}
	if cfg.Backend.ResourceTimeout == 0 {
		cfg.Backend.ResourceTimeout = 10 * time.Minute
	}
	if strings.TrimSpace(cfg.Backend.DefaultLanguage) == "" {
		cfg.Backend.DefaultLanguage = common.DefaultLanguage
	}
	if cfg.Backend.Mock.Text == "" {
		cfg.Backend.Mock.Text = "Transcribed by mock backend."
	}

	// Media defaults
	if cfg.Media.FFmpegPath == "" {
		cfg.Media.FFmpegPath = common.FFmpegExecutable
	}
	if cfg.Media.FFprobePath == "" {
		cfg.Media.FFprobePath = common.FFprobeExecutable
	}
	if cfg.Media.WorkDir == "" {
		cfg.Media.WorkDir = filepath.Join(cfg.Server.StorageDir, common.WorkDirName)
	}

	// Notify defaults
	if cfg.Notify.Retries == 0 {
		cfg.Notify.Retries = 3
	}
	if cfg.Notify.Backoff == 0 {
		cfg.Notify.Backoff = 2 * time.Second
	}
	if cfg.Notify.Title == "" {
		cfg.Notify.Title = "Transcriber"
	}

	// Export defaults
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = filepath.Join(cfg.Server.StorageDir, common.ExportsDirName)
	}
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validate(cfg *Config) error {
	err := structValidator.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
