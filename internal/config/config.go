// Package config loads scenegrouper settings from defaults, a YAML file,
// SCENEGROUPER_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"scenegrouper/internal/embedding"
	"scenegrouper/internal/match"
	"scenegrouper/internal/preview"
	"scenegrouper/internal/vision"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SCENEGROUPER_"

// Config holds every tunable. YAML keys double as flag names.
type Config struct {
	BracketThresholdSeconds    int     `yaml:"bracketThresholdSeconds" validate:"min=0,max=3600"`
	SimilarityHammingThreshold int     `yaml:"similarityHammingThreshold" validate:"min=0,max=256"`
	PreviewMaxDimension        int     `yaml:"previewMaxDimension" validate:"min=64,max=16384"`
	PreviewJPEGQuality         int     `yaml:"previewJpegQuality" validate:"min=1,max=100"`
	ModelProvider              string  `yaml:"modelProvider" validate:"oneof=ollama openai"`
	ModelEndpoint              string  `yaml:"modelEndpoint" validate:"omitempty,url"`
	ModelName                  string  `yaml:"modelName" validate:"required"`
	ModelAPIKey                string  `yaml:"modelApiKey"`
	ModelTimeoutMs             int     `yaml:"modelTimeoutMs" validate:"min=0"`
	ModelAttempts              int     `yaml:"modelAttempts" validate:"min=1,max=10"`
	Workers                    int     `yaml:"workers" validate:"min=1,max=64"`
	CacheDir                   string  `yaml:"cacheDir"`
	KeepCache                  bool    `yaml:"keepCache"`
	ExiftoolPath               string  `yaml:"exiftoolPath"`
	DcrawPath                  string  `yaml:"dcrawPath"`
	DBPath                     string  `yaml:"dbPath"`
	EmbeddingEndpoint          string  `yaml:"embeddingEndpoint" validate:"omitempty,url"`
	EmbeddingMinSimilarity     float64 `yaml:"embeddingMinSimilarity" validate:"min=0,max=1"`
	ServerAddr                 string  `yaml:"serverAddr" validate:"required"`
	LogLevel                   string  `yaml:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat                  string  `yaml:"logFormat" validate:"oneof=console json"`

	// Sources lists where values were loaded from
	Sources []string `yaml:"-"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		BracketThresholdSeconds:    5,
		SimilarityHammingThreshold: match.DefaultThreshold,
		PreviewMaxDimension:        preview.DefaultMaxDimension,
		PreviewJPEGQuality:         preview.DefaultQuality,
		ModelProvider:              vision.ProviderOllama,
		ModelEndpoint:              vision.DefaultEndpoint,
		ModelName:                  vision.DefaultModel,
		ModelAttempts:              3,
		Workers:                    4,
		ExiftoolPath:               "exiftool",
		DcrawPath:                  "dcraw",
		EmbeddingMinSimilarity:     embedding.DefaultMinSimilarity,
		ServerAddr:                 "127.0.0.1:8080",
		LogLevel:                   "info",
		LogFormat:                  "console",
		Sources:                    []string{"defaults"},
	}
}

// DefaultPath returns ~/.scenegrouper/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".scenegrouper", "config.yaml")
}

// Load reads defaults, then the YAML file at path, then the environment.
// A missing file is not an error. Flag overrides are applied by the caller,
// which must call Validate afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	if err := cfg.loadEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	c.Sources = append(c.Sources, path)
	return nil
}

// loadEnv overlays SCENEGROUPER_<KEY> for every YAML key, with the key
// converted to upper snake case (modelTimeoutMs -> SCENEGROUPER_MODEL_TIMEOUT_MS).
func (c *Config) loadEnv(lookup func(string) (string, bool)) error {
	applied := false
	err := c.eachField(func(key string, v reflect.Value) error {
		raw, ok := lookup(EnvName(key))
		if !ok {
			return nil
		}
		if err := setValue(v, raw); err != nil {
			return fmt.Errorf("invalid %s: %w", EnvName(key), err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		c.Sources = append(c.Sources, "environment")
	}
	return nil
}

// Set assigns a value by YAML key, parsing it for the field's type
func (c *Config) Set(key, raw string) error {
	found := false
	err := c.eachField(func(k string, v reflect.Value) error {
		if k != key {
			return nil
		}
		found = true
		return setValue(v, raw)
	})
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if !found {
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// Keys lists every YAML key in declaration order
func Keys() []string {
	var keys []string
	_ = Default().eachField(func(key string, _ reflect.Value) error {
		keys = append(keys, key)
		return nil
	})
	return keys
}

func (c *Config) eachField(fn func(key string, v reflect.Value) error) error {
	rv := reflect.ValueOf(c).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		key, _, _ := strings.Cut(rt.Field(i).Tag.Get("yaml"), ",")
		if key == "" || key == "-" {
			continue
		}
		if err := fn(key, rv.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

func setValue(v reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}

// EnvName converts a YAML key to its environment variable
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for i, r := range key {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

var validate = validator.New()

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, formatFieldError(e))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

func formatFieldError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", e.Field(), e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", e.Field(), e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", e.Field(), e.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", e.Field())
	default:
		return fmt.Sprintf("%s is invalid", e.Field())
	}
}

// BracketThreshold returns the bracket gap as a duration
func (c *Config) BracketThreshold() time.Duration {
	return time.Duration(c.BracketThresholdSeconds) * time.Second
}

// Vision returns the model client configuration. A zero timeout selects the
// provider default. The Ollama default endpoint is not sent to OpenAI.
func (c *Config) Vision() vision.Config {
	vc := vision.Config{
		Provider: c.ModelProvider,
		Endpoint: c.ModelEndpoint,
		Model:    c.ModelName,
		APIKey:   c.ModelAPIKey,
		Timeout:  time.Duration(c.ModelTimeoutMs) * time.Millisecond,
		Attempts: c.ModelAttempts,
	}
	if vc.Provider == vision.ProviderOpenAI && vc.Endpoint == vision.DefaultEndpoint {
		vc.Endpoint = ""
	}
	if vc.Timeout == 0 {
		vc.Timeout = vision.DefaultTimeout(vc.Provider)
	}
	return vc
}

// PreviewOptions returns the preview generator settings
func (c *Config) PreviewOptions() []preview.Option {
	opts := []preview.Option{
		preview.WithMaxDimension(c.PreviewMaxDimension),
		preview.WithQuality(c.PreviewJPEGQuality),
		preview.WithKeepCache(c.KeepCache),
	}
	if c.CacheDir != "" {
		opts = append(opts, preview.WithCacheDir(c.CacheDir))
	}
	return opts
}
