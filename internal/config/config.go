package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DATASET_EXPORTER_REMOTE_PASSWORD
const EnvPrefix = "DATASET_EXPORTER"

// Config holds the application configuration
type Config struct {
	Export  ExportConfig  `mapstructure:"export" json:"export"`
	Cropper CropperConfig `mapstructure:"cropper" json:"cropper"`
	Archive ArchiveConfig `mapstructure:"archive" json:"archive"`
	Remote  RemoteConfig  `mapstructure:"remote" json:"remote"`
	Log     LogConfig     `mapstructure:"log" json:"log"`
}

// ExportConfig holds the export layout settings
type ExportConfig struct {
	Root        string `mapstructure:"root" json:"root"`
	Name        string `mapstructure:"name" json:"name"`
	ImageRoot   string `mapstructure:"image_root" json:"image_root"`
	CopyOrigins bool   `mapstructure:"copy_origins" json:"copy_origins"`
	CopyRecords bool   `mapstructure:"copy_records" json:"copy_records"`
	CacheSize   int    `mapstructure:"cache_size" json:"cache_size"`
}

// CropperConfig holds configuration for region extraction
type CropperConfig struct {
	Format         string `mapstructure:"format" json:"format"`
	Quality        int    `mapstructure:"quality" json:"quality"`
	Lossless       bool   `mapstructure:"lossless" json:"lossless"`
	AlphaThreshold int    `mapstructure:"alpha_threshold" json:"alpha_threshold"`
}

// ArchiveConfig holds configuration for the export archive
type ArchiveConfig struct {
	Enabled          bool   `mapstructure:"enabled" json:"enabled"`
	CompressionLevel int    `mapstructure:"compression_level" json:"compression_level"`
	TimestampLayout  string `mapstructure:"timestamp_layout" json:"timestamp_layout"`
}

// RemoteConfig holds the FTP publishing settings
type RemoteConfig struct {
	Enabled        bool   `mapstructure:"enabled" json:"enabled"`
	Host           string `mapstructure:"host" json:"host"`
	Port           int    `mapstructure:"port" json:"port"`
	User           string `mapstructure:"user" json:"user"`
	Password       string `mapstructure:"password" json:"password"`
	BasePath       string `mapstructure:"base_path" json:"base_path"`
	DisableEPSV    bool   `mapstructure:"disable_epsv" json:"disable_epsv"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	StageDir       string `mapstructure:"stage_dir" json:"stage_dir"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Export: ExportConfig{
			Root:        "./export",
			Name:        "dataset",
			ImageRoot:   "",
			CopyOrigins: true,
			CopyRecords: true,
			CacheSize:   8,
		},
		Cropper: CropperConfig{
			Format:         "png",
			Quality:        90,
			Lossless:       true,
			AlphaThreshold: 128,
		},
		Archive: ArchiveConfig{
			Enabled:          true,
			CompressionLevel: -1,
			TimestampLayout:  "20060102_150405",
		},
		Remote: RemoteConfig{
			Enabled:        false,
			Port:           21,
			BasePath:       "/",
			TimeoutSeconds: 30,
		},
		Log: LogConfig{
			Level: "INFO",
		},
	}
}

// Load reads configuration from defaults, an optional config file and the
// environment, in increasing priority. A .env file in the working directory
// is loaded into the environment first when present.
func Load(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

// LoadFromFile loads configuration from a YAML, JSON or TOML file
func LoadFromFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, errors.New("config file name is empty")
	}
	return Load(filename)
}

// SaveToFile saves configuration; the format follows the file extension
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	if err := setDefaults(v, c); err != nil {
		return err
	}
	if err := v.WriteConfigAs(filename); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setDefaults registers every key of c so env overrides and writes see them
func setDefaults(v *viper.Viper, c *Config) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	for section, values := range tree {
		for key, value := range values.(map[string]interface{}) {
			v.SetDefault(section+"."+key, value)
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Export.Root == "" {
		return fmt.Errorf("export.root cannot be empty")
	}

	if c.Export.Name == "" {
		return fmt.Errorf("export.name cannot be empty")
	}

	if c.Export.CacheSize < 0 {
		return fmt.Errorf("export.cache_size cannot be negative")
	}

	switch strings.ToLower(c.Cropper.Format) {
	case "png", "webp":
	default:
		return fmt.Errorf("cropper.format must be png or webp, got %q", c.Cropper.Format)
	}

	if c.Cropper.Quality < 1 || c.Cropper.Quality > 100 {
		return fmt.Errorf("cropper.quality must be between 1 and 100")
	}

	if c.Cropper.AlphaThreshold < 1 || c.Cropper.AlphaThreshold > 255 {
		return fmt.Errorf("cropper.alpha_threshold must be between 1 and 255")
	}

	if c.Archive.CompressionLevel < -2 || c.Archive.CompressionLevel > 9 {
		return fmt.Errorf("archive.compression_level must be between -2 and 9")
	}

	if c.Remote.Enabled {
		if c.Remote.Host == "" {
			return fmt.Errorf("remote.host is required when remote publishing is enabled")
		}
		if c.Remote.Port < 1 || c.Remote.Port > 65535 {
			return fmt.Errorf("remote.port must be between 1 and 65535")
		}
		if c.Remote.TimeoutSeconds < 1 {
			return fmt.Errorf("remote.timeout_seconds must be positive")
		}
	}

	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("log.level %q is not a known level", c.Log.Level)
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "dataset-exporter", "config.yaml")
}
