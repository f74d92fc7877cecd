// File: internal/config/config.go

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/berrythewa/meshplay/pkg/utils"
	"gopkg.in/yaml.v3"
)

const (
	TransportP2P  = "p2p"
	TransportMQTT = "mqtt"
)

// ConfigPaths holds all relevant paths for the application
type ConfigPaths struct {
	BaseDir    string // Directory holding the config file
	ConfigFile string // Path to the config file
	DataDir    string // Directory for application data
	DBFile     string // Path to the track library
	LogDir     string // Directory for log files
}

// Config holds all application configuration
type Config struct {
	DeviceName string `json:"device_name" yaml:"device_name"`

	Log      LogConfig      `json:"log" yaml:"log"`
	Mesh     MeshConfig     `json:"mesh" yaml:"mesh"`
	TimeSync TimeSyncConfig `json:"time_sync" yaml:"time_sync"`
	Playback PlaybackConfig `json:"playback" yaml:"playback"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Metadata MetadataConfig `json:"metadata" yaml:"metadata"`
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	API      APIConfig      `json:"api" yaml:"api"`
}

// LogConfig holds logging-related configuration
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "console"
	File   string `json:"file" yaml:"file"`     // Optional log file in addition to stderr
}

// MeshConfig selects the transport and bounds flooding
type MeshConfig struct {
	Transport   string        `json:"transport" yaml:"transport"`
	ListenPort  int           `json:"listen_port" yaml:"listen_port"`
	MaxHops     int           `json:"max_hops" yaml:"max_hops"`
	DedupSize   int           `json:"dedup_size" yaml:"dedup_size"`
	DedupWindow time.Duration `json:"dedup_window" yaml:"dedup_window"`
}

// TimeSyncConfig controls the clock exchange with the host
type TimeSyncConfig struct {
	Interval     time.Duration `json:"interval" yaml:"interval"`
	SampleWindow int           `json:"sample_window" yaml:"sample_window"`
}

// PlaybackConfig holds the drift correction tunables
type PlaybackConfig struct {
	BroadcastInterval time.Duration `json:"broadcast_interval" yaml:"broadcast_interval"`
	SeekThreshold     time.Duration `json:"seek_threshold" yaml:"seek_threshold"`
	NudgeThreshold    time.Duration `json:"nudge_threshold" yaml:"nudge_threshold"`
	NudgeFactor       float64       `json:"nudge_factor" yaml:"nudge_factor"`
	NudgeDuration     time.Duration `json:"nudge_duration" yaml:"nudge_duration"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

// MetadataConfig points at the remote track metadata service
type MetadataConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"` // Empty disables remote lookups
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// MQTTConfig holds broker settings for the mqtt transport
type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// APIConfig holds configuration for the status API
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// GetConfigPaths returns the platform-specific configuration paths
func GetConfigPaths() (*ConfigPaths, error) {
	baseDir := os.Getenv("MESHPLAY_CONFIG_DIR")
	if baseDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		switch runtime.GOOS {
		case "windows":
			baseDir = filepath.Join(configDir, "Meshplay")
		case "darwin":
			baseDir = filepath.Join(configDir, "com.berrythewa.meshplay")
		default:
			baseDir = filepath.Join(configDir, "meshplay")
		}
	}

	dataDir := os.Getenv("MESHPLAY_DATA_DIR")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(baseDir, "Data")
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", "Meshplay")
		default:
			if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
				dataDir = filepath.Join(xdgDataHome, "meshplay")
			} else {
				dataDir = filepath.Join(homeDir, ".meshplay")
			}
		}
	}

	return &ConfigPaths{
		BaseDir:    baseDir,
		ConfigFile: filepath.Join(baseDir, "config.yaml"),
		DataDir:    dataDir,
		DBFile:     filepath.Join(dataDir, "library.db"),
		LogDir:     filepath.Join(dataDir, "logs"),
	}, nil
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	dbPath := "library.db"
	if paths, err := GetConfigPaths(); err == nil {
		dbPath = paths.DBFile
	}

	return &Config{
		DeviceName: utils.GetHostname(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Mesh: MeshConfig{
			Transport:   TransportP2P,
			ListenPort:  0, // Dynamic port
			MaxHops:     8,
			DedupSize:   1024,
			DedupWindow: 30 * time.Second,
		},
		TimeSync: TimeSyncConfig{
			Interval:     5 * time.Second,
			SampleWindow: 4,
		},
		Playback: PlaybackConfig{
			BroadcastInterval: 250 * time.Millisecond,
			SeekThreshold:     2000 * time.Millisecond,
			NudgeThreshold:    50 * time.Millisecond,
			NudgeFactor:       0.05,
			NudgeDuration:     time.Second,
		},
		Storage: StorageConfig{
			DBPath: dbPath,
		},
		Metadata: MetadataConfig{
			Timeout: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1883",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    7480,
		},
	}
}

// Load loads the configuration from the specified file or creates default if not exists.
// Values missing from the file keep their defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		paths, err := GetConfigPaths()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		configPath = paths.ConfigFile
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// Save saves the configuration to the specified file
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate rejects values the node cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Mesh.Transport {
	case TransportP2P, TransportMQTT:
	default:
		errs = append(errs, fmt.Errorf("mesh.transport must be %q or %q, got %q", TransportP2P, TransportMQTT, c.Mesh.Transport))
	}
	if c.Mesh.ListenPort < 0 || c.Mesh.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("mesh.listen_port out of range: %d", c.Mesh.ListenPort))
	}
	if c.Mesh.MaxHops < 1 {
		errs = append(errs, errors.New("mesh.max_hops must be at least 1"))
	}
	if c.Mesh.DedupSize < 1 {
		errs = append(errs, errors.New("mesh.dedup_size must be at least 1"))
	}
	if c.Mesh.DedupWindow <= 0 {
		errs = append(errs, errors.New("mesh.dedup_window must be positive"))
	}

	if c.TimeSync.Interval <= 0 {
		errs = append(errs, errors.New("time_sync.interval must be positive"))
	}
	if c.TimeSync.SampleWindow < 1 {
		errs = append(errs, errors.New("time_sync.sample_window must be at least 1"))
	}

	p := c.Playback
	if p.BroadcastInterval <= 0 {
		errs = append(errs, errors.New("playback.broadcast_interval must be positive"))
	}
	if p.NudgeThreshold <= 0 || p.SeekThreshold <= p.NudgeThreshold {
		errs = append(errs, errors.New("playback thresholds must satisfy 0 < nudge_threshold < seek_threshold"))
	}
	if p.NudgeFactor <= 0 || p.NudgeFactor >= 1 {
		errs = append(errs, fmt.Errorf("playback.nudge_factor must be in (0, 1), got %v", p.NudgeFactor))
	}
	if p.NudgeDuration <= 0 {
		errs = append(errs, errors.New("playback.nudge_duration must be positive"))
	}

	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.db_path is required"))
	}
	if c.Metadata.BaseURL != "" && c.Metadata.Timeout <= 0 {
		errs = append(errs, errors.New("metadata.timeout must be positive"))
	}
	if c.Mesh.Transport == TransportMQTT && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required for the mqtt transport"))
	}
	if c.API.Enabled && (c.API.Port < 0 || c.API.Port > 65535) {
		errs = append(errs, fmt.Errorf("api.port out of range: %d", c.API.Port))
	}

	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// overrideFromEnv overrides configuration values from environment variables
func overrideFromEnv(config *Config) {
	if val := os.Getenv("MESHPLAY_DEVICE_NAME"); val != "" {
		config.DeviceName = val
	}
	if val := os.Getenv("MESHPLAY_LOG_LEVEL"); val != "" {
		config.Log.Level = val
	}
	if val := os.Getenv("MESHPLAY_LOG_FORMAT"); val != "" {
		config.Log.Format = val
	}

	// Mesh settings
	if val := os.Getenv("MESHPLAY_TRANSPORT"); val != "" {
		config.Mesh.Transport = val
	}
	if val := os.Getenv("MESHPLAY_LISTEN_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Mesh.ListenPort = port
		}
	}

	if val := os.Getenv("MESHPLAY_DB_PATH"); val != "" {
		config.Storage.DBPath = val
	}
	if val := os.Getenv("MESHPLAY_METADATA_URL"); val != "" {
		config.Metadata.BaseURL = val
	}

	// Broker settings
	if val := os.Getenv("MESHPLAY_MQTT_BROKER"); val != "" {
		config.MQTT.Broker = val
	}
	if val := os.Getenv("MESHPLAY_MQTT_USERNAME"); val != "" {
		config.MQTT.Username = val
	}
	if val := os.Getenv("MESHPLAY_MQTT_PASSWORD"); val != "" {
		config.MQTT.Password = val
	}

	// API settings
	if val := os.Getenv("MESHPLAY_API_ENABLED"); val != "" {
		config.API.Enabled = val == "true"
	}
	if val := os.Getenv("MESHPLAY_API_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.API.Port = port
		}
	}
}
