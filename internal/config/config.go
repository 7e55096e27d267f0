// Package config loads the gateway configuration once at startup.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/blight-api/internal/model"
)

const (
	BackendTFServing = "tfserving"
	BackendONNX      = "onnx"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Classes []string      `yaml:"classes"`
	Image   ImageConfig   `yaml:"image"`
	CORS    CORSConfig    `yaml:"cors"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type BackendConfig struct {
	Kind       string        `yaml:"kind"`
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	// Deadline bounds one prediction across all attempts and backoff waits.
	Deadline time.Duration `yaml:"deadline"`
	ONNX     ONNXConfig    `yaml:"onnx"`
}

type ONNXConfig struct {
	ModelPath   string `yaml:"model_path"`
	LibraryPath string `yaml:"library_path"`
	InputName   string `yaml:"input_name"`
	OutputName  string `yaml:"output_name"`
	Channels    int    `yaml:"channels"`
}

// ImageConfig scales uploads before batching when both sides are > 0.
type ImageConfig struct {
	ResizeWidth  int `yaml:"resize_width"`
	ResizeHeight int `yaml:"resize_height"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			MaxUploadBytes:  10 << 20,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			Kind:       BackendTFServing,
			URL:        "http://localhost:8502/v1/models/potatodieases-model:predict",
			Timeout:    8 * time.Second,
			MaxRetries: 2,
			Deadline:   25 * time.Second,
			ONNX: ONNXConfig{
				InputName:  "input",
				OutputName: "output",
				Channels:   3,
			},
		},
		Classes: append([]string(nil), model.DefaultClasses...),
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost", "http://localhost:5173"},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (c *Config) applyEnv() error {
	if v, ok := getEnv("PORT"); ok {
		c.Server.Addr = ":" + v
	}
	if v, ok := getEnv("BACKEND_KIND"); ok {
		c.Backend.Kind = v
	}
	if v, ok := getEnv("BACKEND_URL"); ok {
		c.Backend.URL = v
	}
	if v, ok := getEnv("BACKEND_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "BACKEND_TIMEOUT")
		}
		c.Backend.Timeout = d
	}
	if v, ok := getEnv("BACKEND_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "BACKEND_MAX_RETRIES")
		}
		c.Backend.MaxRetries = n
	}
	if v, ok := getEnv("BACKEND_DEADLINE"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "BACKEND_DEADLINE")
		}
		c.Backend.Deadline = d
	}
	if v, ok := getEnv("ONNX_MODEL_PATH"); ok {
		c.Backend.ONNX.ModelPath = v
	}
	if v, ok := getEnv("ONNX_LIBRARY_PATH"); ok {
		c.Backend.ONNX.LibraryPath = v
	}
	if v, ok := getEnv("CORS_ALLOWED_ORIGINS"); ok {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.CORS.AllowedOrigins = origins
	}
	if v, ok := getEnv("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	return nil
}

// Validate rejects configurations the gateway cannot serve with.
func (c *Config) Validate() error {
	if len(c.Classes) == 0 {
		return errors.New("classes: at least one class label is required")
	}
	seen := make(map[string]bool, len(c.Classes))
	for _, class := range c.Classes {
		if strings.TrimSpace(class) == "" {
			return errors.New("classes: empty class label")
		}
		if seen[class] {
			return errors.Errorf("classes: duplicate label %q", class)
		}
		seen[class] = true
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.New("server.max_upload_bytes must be positive")
	}
	if c.Backend.Timeout <= 0 {
		return errors.New("backend.timeout must be positive")
	}
	if c.Backend.MaxRetries < 0 {
		return errors.New("backend.max_retries must not be negative")
	}
	if c.Server.WriteTimeout <= 0 {
		return errors.New("server.write_timeout must be positive")
	}
	// A prediction must end early enough for the error response to be written.
	if budget := c.Backend.Timeout * time.Duration(c.Backend.MaxRetries+1); budget >= c.Server.WriteTimeout {
		return errors.Errorf("backend.timeout x (max_retries+1) = %s must be below server.write_timeout %s",
			budget, c.Server.WriteTimeout)
	}
	if c.Backend.Deadline <= 0 || c.Backend.Deadline >= c.Server.WriteTimeout {
		return errors.Errorf("backend.deadline %s must be positive and below server.write_timeout %s",
			c.Backend.Deadline, c.Server.WriteTimeout)
	}
	if (c.Image.ResizeWidth > 0) != (c.Image.ResizeHeight > 0) || c.Image.ResizeWidth < 0 || c.Image.ResizeHeight < 0 {
		return errors.New("image: resize_width and resize_height must both be set or both be zero")
	}

	switch c.Backend.Kind {
	case BackendTFServing:
		u, err := url.Parse(c.Backend.URL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return errors.Errorf("backend.url %q must be an absolute URL", c.Backend.URL)
		}
	case BackendONNX:
		if c.Backend.ONNX.ModelPath == "" {
			return errors.New("backend.onnx.model_path is required for the onnx backend")
		}
		if c.Image.ResizeWidth == 0 {
			return errors.New("the onnx backend needs image.resize_width and image.resize_height to fix the input shape")
		}
		if c.Backend.ONNX.Channels <= 0 {
			return errors.New("backend.onnx.channels must be positive")
		}
	default:
		return errors.Errorf("backend.kind %q is not one of %s, %s", c.Backend.Kind, BackendTFServing, BackendONNX)
	}
	return nil
}
