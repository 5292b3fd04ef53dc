package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/throw-if-null/docket/internal/api"
)

type Config struct {
	API       APIConfig       `toml:"api"`
	Poll      PollConfig      `toml:"poll"`
	Submit    SubmitConfig    `toml:"submit"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type APIConfig struct {
	BaseURL      string `toml:"base_url" validate:"required,url"`
	SubmitPath   string `toml:"submit_path" validate:"required,startswith=/"`
	StatusPath   string `toml:"status_path" validate:"required,startswith=/"`
	FileField    string `toml:"file_field" validate:"required"`
	RequestField string `toml:"request_field" validate:"required"`
	TimeoutMS    int    `toml:"timeout_ms" validate:"gt=0"`
}

type PollConfig struct {
	IntervalMS   int `toml:"interval_ms" validate:"gt=0"`
	MaxElapsedMS int `toml:"max_elapsed_ms" validate:"gte=0"`
	MaxAttempts  int `toml:"max_attempts" validate:"gte=0"`
}

type SubmitConfig struct {
	AllowedExtensions []string `toml:"allowed_extensions" validate:"dive,startswith=."`
}

type LogConfig struct {
	Level string `toml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
}

type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

// Interval returns the poll interval as a duration.
func (c PollConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// MaxElapsed returns the overall polling limit; zero means unbounded.
func (c PollConfig) MaxElapsed() time.Duration {
	return time.Duration(c.MaxElapsedMS) * time.Millisecond
}

// Timeout returns the per-request HTTP timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:      api.DefaultBaseURL,
			SubmitPath:   api.DefaultSubmitPath,
			StatusPath:   api.DefaultStatusPath,
			FileField:    api.DefaultFileField,
			RequestField: api.DefaultRequestField,
			TimeoutMS:    30000,
		},
		Poll:      PollConfig{IntervalMS: 2000, MaxElapsedMS: 30 * 60 * 1000},
		Submit:    SubmitConfig{AllowedExtensions: []string{".pdf"}},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{Enabled: false},
	}
}

// Environment variables that override file values.
const (
	EnvAPIURL       = "DOCKET_API_URL"
	EnvLogLevel     = "LOG_LEVEL"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Dir is the per-project directory holding config.toml.
const Dir = ".docket"

// Path returns the config file location under root.
func Path(root string) string {
	return filepath.Join(root, Dir, "config.toml")
}

// Load reads <root>/.docket/config.toml, merges it over Default and applies
// environment overrides. A missing file is not an error. The returned
// Config is usable even when ParseError is set: it then holds the defaults
// plus environment overrides.
func Load(root string) LoadResult {
	return load(root, os.Getenv)
}

func load(root string, getenv func(string) string) LoadResult {
	res := LoadResult{Config: Default()}
	path := Path(root)
	res.Path = path

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		res.ParseError = err
	default:
		res.Found = true
		var parsed Config
		if err := toml.Unmarshal(b, &parsed); err != nil {
			res.ParseError = fmt.Errorf("%w: failed to parse %s: %v", ErrInvalid, path, err)
		} else {
			res.Config = merge(Default(), parsed, b)
		}
	}

	res.Config = applyEnv(res.Config, getenv)
	if res.ParseError == nil {
		if err := Validate(res.Config); err != nil {
			res.ParseError = err
		}
	}
	return res
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints declared on Config.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func applyEnv(cfg Config, getenv func(string) string) Config {
	if v := strings.TrimSpace(getenv(EnvAPIURL)); v != "" {
		cfg.API.BaseURL = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(getenv(EnvOTLPEndpoint)); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
	return cfg
}

func merge(def Config, cfg Config, raw []byte) Config {
	// API
	if cfg.API.BaseURL != "" {
		def.API.BaseURL = cfg.API.BaseURL
	}
	if cfg.API.SubmitPath != "" {
		def.API.SubmitPath = cfg.API.SubmitPath
	}
	if cfg.API.StatusPath != "" {
		def.API.StatusPath = cfg.API.StatusPath
	}
	if cfg.API.FileField != "" {
		def.API.FileField = cfg.API.FileField
	}
	if cfg.API.RequestField != "" {
		def.API.RequestField = cfg.API.RequestField
	}
	if cfg.API.TimeoutMS != 0 {
		def.API.TimeoutMS = cfg.API.TimeoutMS
	}
	// Poll
	if cfg.Poll.IntervalMS != 0 {
		def.Poll.IntervalMS = cfg.Poll.IntervalMS
	}
	if hasKey(raw, "poll", "max_elapsed_ms") {
		def.Poll.MaxElapsedMS = cfg.Poll.MaxElapsedMS
	}
	if cfg.Poll.MaxAttempts != 0 {
		def.Poll.MaxAttempts = cfg.Poll.MaxAttempts
	}
	// Submit: an explicit empty list disables the extension check
	if hasKey(raw, "submit", "allowed_extensions") {
		def.Submit.AllowedExtensions = cfg.Submit.AllowedExtensions
	}
	// Log
	if cfg.Log.Level != "" {
		def.Log.Level = strings.ToLower(cfg.Log.Level)
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.Endpoint != "" {
		def.Telemetry.Endpoint = cfg.Telemetry.Endpoint
	}
	def.Telemetry.Insecure = cfg.Telemetry.Insecure
	return def
}

// hasKey reports whether table.key is present in the TOML document, so
// explicit zero values can override non-zero defaults.
func hasKey(raw []byte, table, key string) bool {
	var doc map[string]any
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return false
	}
	t, ok := doc[table].(map[string]any)
	if !ok {
		return false
	}
	_, ok = t[key]
	return ok
}
