package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. QMCHAT_ACCOUNT_PASSWORD
const EnvPrefix = "QMCHAT"

// ErrMissingBroker is returned by Validate for the mqtt backend without a broker
var ErrMissingBroker = errors.New("transport.mqtt.broker is required for the mqtt backend")

// Transport backends
const (
	BackendXMPP = "xmpp"
	BackendMQTT = "mqtt"
)

// Config represents the main application configuration
type Config struct {
	General   GeneralConfig   `toml:"general" envconfig:"GENERAL"`
	Account   AccountConfig   `toml:"account" envconfig:"ACCOUNT"`
	Transport TransportConfig `toml:"transport" envconfig:"TRANSPORT"`
	Logging   LoggingConfig   `toml:"logging" envconfig:"LOGGING"`
	Storage   StorageConfig   `toml:"storage" envconfig:"STORAGE"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	DataDir     string `toml:"data_dir" envconfig:"DATA_DIR"`
	AutoConnect bool   `toml:"auto_connect" envconfig:"AUTO_CONNECT"`
}

// AccountConfig identifies the local user
type AccountConfig struct {
	JID      string `toml:"jid" envconfig:"JID" validate:"required,contains=@"`
	Password string `toml:"password" envconfig:"PASSWORD"`
	Server   string `toml:"server" envconfig:"SERVER"`
	Port     int    `toml:"port" envconfig:"PORT" validate:"gte=0,lte=65535"`
	Resource string `toml:"resource" envconfig:"RESOURCE"`

	// UserID is the numeric id of the local user in the user directory.
	// It doubles as the nickname in group rooms.
	UserID int `toml:"user_id" envconfig:"USER_ID" validate:"gt=0"`
}

// TransportConfig selects and configures the connection backend
type TransportConfig struct {
	Backend     string `toml:"backend" envconfig:"BACKEND" validate:"oneof=xmpp mqtt"`
	RoomDomain  string `toml:"room_domain" envconfig:"ROOM_DOMAIN"`
	DialTimeout int    `toml:"dial_timeout_seconds" envconfig:"DIAL_TIMEOUT" validate:"gte=0"`

	MQTT MQTTConfig `toml:"mqtt" envconfig:"MQTT"`
}

// MQTTConfig contains the broker settings for the mqtt backend
type MQTTConfig struct {
	Broker      string `toml:"broker" envconfig:"BROKER" validate:"omitempty,url"`
	Username    string `toml:"username" envconfig:"USERNAME"`
	Password    string `toml:"password" envconfig:"PASSWORD"`
	ClientID    string `toml:"client_id" envconfig:"CLIENT_ID"`
	TopicPrefix string `toml:"topic_prefix" envconfig:"TOPIC_PREFIX"`
	KeepAlive   uint16 `toml:"keep_alive" envconfig:"KEEP_ALIVE"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level" envconfig:"LEVEL" validate:"omitempty,oneof=debug info warn error"`
	File    string `toml:"file" envconfig:"FILE"`
	Console bool   `toml:"console" envconfig:"CONSOLE"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// SaveMessages enables/disables message history
	SaveMessages bool `toml:"save_messages" envconfig:"SAVE_MESSAGES"`

	// MessageRetentionDays is the number of days to keep messages (0 = forever)
	MessageRetentionDays int `toml:"message_retention_days" envconfig:"RETENTION_DAYS" validate:"gte=0"`

	// HistoryLimit is how many stored messages are replayed when a
	// conversation opens
	HistoryLimit int `toml:"history_limit" envconfig:"HISTORY_LIMIT" validate:"gte=0"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:     "",
			AutoConnect: true,
		},
		Account: AccountConfig{
			Port:     5222,
			Resource: "qmchat",
		},
		Transport: TransportConfig{
			Backend:     BackendXMPP,
			DialTimeout: 30,
			MQTT: MQTTConfig{
				TopicPrefix: "qmchat",
				KeepAlive:   30,
			},
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: false,
		},
		Storage: StorageConfig{
			SaveMessages:         true,
			MessageRetentionDays: 0, // Forever
			HistoryLimit:         50,
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return nil, err
	}
	dataDir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if err != nil {
		return nil, err
	}
	cacheDir, err := xdgDir("XDG_CACHE_HOME", ".cache")
	if err != nil {
		return nil, err
	}

	return &Paths{
		ConfigDir: filepath.Join(configDir, "qmchat"),
		DataDir:   filepath.Join(dataDir, "qmchat"),
		CacheDir:  filepath.Join(cacheDir, "qmchat"),
	}, nil
}

func xdgDir(env, fallback string) (string, error) {
	if dir := os.Getenv(env); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, fallback), nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file, then applies
// environment overrides. It does not validate.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	return LoadFile(filepath.Join(paths.ConfigDir, "config.toml"), paths)
}

// LoadFile loads configPath, which may not exist, and fills empty paths
// from paths.
func LoadFile(configPath string, paths *Paths) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	// Expand paths
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = paths.DataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, "qmchat.log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	return cfg, nil
}

var validate = validator.New()

// Validate checks the configuration before connecting
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Transport.Backend == BackendMQTT && cfg.Transport.MQTT.Broker == "" {
		return fmt.Errorf("invalid config: %w", ErrMissingBroker)
	}
	return nil
}

// Save saves the configuration to the config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	return SaveFile(filepath.Join(paths.ConfigDir, "config.toml"), cfg)
}

// SaveFile writes cfg to configPath
func SaveFile(configPath string, cfg *Config) error {
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
