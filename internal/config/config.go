// Package config loads server configuration from environment
// variables and YAML secret/config files, matching the two-layer
// convention used throughout this server: a handful of process-level
// knobs come from the environment, structured material (credentials,
// behavior tuning) comes from a YAML file with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds the process-level settings read directly from the
// environment, per spec: CGF_HOST_NAME, CGF_PORT, CGF_DB_NAME,
// CFG_LOCAL_DEV.
type Server struct {
	HostName string `yaml:"host_name"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"db_name"`
	LocalDev bool   `yaml:"local_dev"`
}

// DefaultServer returns Server with the documented defaults.
func DefaultServer() Server {
	return Server{
		HostName: "0.0.0.0",
		Port:     15277,
		DBName:   "cgf",
		LocalDev: false,
	}
}

// LoadServerFromEnv overlays environment variables onto d, leaving
// any unset variable at its default.
func LoadServerFromEnv(d Server) Server {
	if v, ok := os.LookupEnv("CGF_HOST_NAME"); ok {
		d.HostName = v
	}
	if v, ok := os.LookupEnv("CGF_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.Port = n
		}
	}
	if v, ok := os.LookupEnv("CGF_DB_NAME"); ok {
		d.DBName = v
	}
	if v, ok := os.LookupEnv("CFG_LOCAL_DEV"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			d.LocalDev = b
		}
	}
	return d
}

// DatabaseConfig holds PostgreSQL connection parameters for the
// document store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// BlobStore holds the credentials for the map-binary blob store.
type BlobStore struct {
	AccessKey  string `yaml:"access-key"`
	SecretKey  string `yaml:"secret-key"`
	ServiceURL string `yaml:"service-url"`
	BucketName string `yaml:"bucket-name"`
}

// Identity holds the credentials for the identity-token verifier.
type Identity struct {
	Secret string `yaml:"secret"`
	URL    string `yaml:"url"`
}

// MapCatalog holds the upstream map-catalog endpoint (random/latest
// map search, map/map-pack lookup, track-of-the-day).
type MapCatalog struct {
	URL string `yaml:"url"`
}

// HostProvisioner holds the game-host provisioner account.
type HostProvisioner struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`
}

// MapProvider tunes the random-map pool maintainer.
type MapProvider struct {
	// MaintainNMaps is the target size of the background random-pool
	// maintainer; 200 in production, 20 under local_dev.
	MaintainNMaps int           `yaml:"maintain_n_maps"`
	DownloadRetries int         `yaml:"download_retries"`
	DownloadBackoff time.Duration `yaml:"download_backoff"`
	PoolPersistInterval time.Duration `yaml:"pool_persist_interval"`
}

// RoomTiming tunes room state-machine timers.
type RoomTiming struct {
	CountdownDuration    time.Duration `yaml:"countdown_duration"`
	EmptyRetireAfter     time.Duration `yaml:"empty_retire_after"`
	MaxAgeRetireAfter    time.Duration `yaml:"max_age_retire_after"`
	PeriodicPushInterval time.Duration `yaml:"periodic_push_interval"`
	JoinEarlyTolerance   time.Duration `yaml:"join_early_tolerance"`
}

// Auth tunes the login handshake.
type Auth struct {
	EnableLegacyAuth bool          `yaml:"enable_legacy_auth"`
	ResumptionWindow time.Duration `yaml:"resumption_window"`
}

// Config is the full, merged server configuration: environment
// overrides plus the YAML secret/config file.
type Config struct {
	Server          Server          `yaml:"-"`
	Database        DatabaseConfig  `yaml:"database"`
	BlobStore       BlobStore       `yaml:"blob_store"`
	Identity        Identity        `yaml:"identity"`
	MapCatalog      MapCatalog      `yaml:"map_catalog"`
	HostProvisioner HostProvisioner `yaml:"host_provisioner"`
	MapProvider     MapProvider     `yaml:"map_provider"`
	RoomTiming      RoomTiming      `yaml:"room_timing"`
	Auth            Auth            `yaml:"auth"`
	LogLevel        string          `yaml:"log_level"`
}

// Default returns Config with sensible production defaults.
func Default() Config {
	return Config{
		Server: DefaultServer(),
		Database: DatabaseConfig{
			Host:    "127.0.0.1",
			Port:    5432,
			User:    "cgf",
			Password: "cgf",
			DBName:  "cgf",
			SSLMode: "disable",
		},
		MapProvider: MapProvider{
			MaintainNMaps:       200,
			DownloadRetries:     10,
			DownloadBackoff:     10 * time.Second,
			PoolPersistInterval: 5 * time.Minute,
		},
		RoomTiming: RoomTiming{
			CountdownDuration:    5 * time.Second,
			EmptyRetireAfter:     120 * time.Second,
			MaxAgeRetireAfter:    6 * time.Hour,
			PeriodicPushInterval: 5 * time.Second,
			JoinEarlyTolerance:   1 * time.Second,
		},
		Auth: Auth{
			EnableLegacyAuth: false,
			ResumptionWindow: 3 * time.Hour,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML config/secrets file at path over the defaults,
// then applies environment variable overrides. A missing file is not
// an error — defaults (with env overrides) are used as-is, matching
// the teacher's Load*() convention.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Server = LoadServerFromEnv(cfg.Server)
			if cfg.Server.LocalDev {
				cfg.MapProvider.MaintainNMaps = 20
			}
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.Server = LoadServerFromEnv(cfg.Server)
	if cfg.Server.LocalDev {
		cfg.MapProvider.MaintainNMaps = 20
	}
	return cfg, nil
}
