package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "tandan"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "TANDAN"
)

// Loader loads configuration from files, environment variables and defaults.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader on the global viper instance so cobra flag
// bindings are honored.
func NewLoader() *Loader {
	return &Loader{v: viper.GetViper()}
}

// Load reads configuration and validates it. A missing config file is fine;
// defaults and environment variables apply.
func (l *Loader) Load() (*Config, error) {
	l.v.SetConfigName(ConfigFileName)
	l.v.SetConfigType("yaml")

	l.addConfigPaths()
	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// LoadFile reads configuration from an explicit file path.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.v.SetConfigFile(path)
	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func (l *Loader) addConfigPaths() {
	l.v.AddConfigPath(".")

	if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(filepath.Join(home, ".config", "tandan"))
	}
	l.v.AddConfigPath("/etc/tandan")
}

func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

func (l *Loader) setDefaults() {
	defaults := DefaultConfig()

	l.v.SetDefault("log_level", defaults.LogLevel)
	l.v.SetDefault("verbose", defaults.Verbose)

	l.v.SetDefault("server.host", defaults.Server.Host)
	l.v.SetDefault("server.port", defaults.Server.Port)
	l.v.SetDefault("server.request_timeout", defaults.Server.RequestTimeout)
	l.v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)
	l.v.SetDefault("server.max_upload_mb", defaults.Server.MaxUploadMB)
	l.v.SetDefault("server.rate_limit", defaults.Server.RateLimit)
	l.v.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	l.v.SetDefault("pipeline.crop_padding", defaults.Pipeline.CropPadding)
	l.v.SetDefault("pipeline.workers", defaults.Pipeline.Workers)
	l.v.SetDefault("pipeline.warmup", defaults.Pipeline.Warmup)

	l.v.SetDefault("pipeline.detector.model_path", defaults.Pipeline.Detector.ModelPath)
	l.v.SetDefault("pipeline.detector.input_size", defaults.Pipeline.Detector.InputSize)
	l.v.SetDefault("pipeline.detector.conf_threshold", defaults.Pipeline.Detector.ConfThreshold)
	l.v.SetDefault("pipeline.detector.iou_threshold", defaults.Pipeline.Detector.IoUThreshold)
	l.v.SetDefault("pipeline.detector.num_threads", defaults.Pipeline.Detector.NumThreads)
	l.v.SetDefault("pipeline.detector.class_names", defaults.Pipeline.Detector.ClassNames)
	l.v.SetDefault("pipeline.detector.gpu.use_gpu", defaults.Pipeline.Detector.GPU.UseGPU)
	l.v.SetDefault("pipeline.detector.gpu.device_id", defaults.Pipeline.Detector.GPU.DeviceID)

	l.v.SetDefault("pipeline.classifier.model_path", defaults.Pipeline.Classifier.ModelPath)
	l.v.SetDefault("pipeline.classifier.input_size", defaults.Pipeline.Classifier.InputSize)
	l.v.SetDefault("pipeline.classifier.num_threads", defaults.Pipeline.Classifier.NumThreads)
	l.v.SetDefault("pipeline.classifier.labels", defaults.Pipeline.Classifier.Labels)
	l.v.SetDefault("pipeline.classifier.gpu.use_gpu", defaults.Pipeline.Classifier.GPU.UseGPU)
	l.v.SetDefault("pipeline.classifier.gpu.device_id", defaults.Pipeline.Classifier.GPU.DeviceID)

	l.v.SetDefault("storage.history_db", defaults.Storage.HistoryDB)
	l.v.SetDefault("storage.users_db", defaults.Storage.UsersDB)
}
