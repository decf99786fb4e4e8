package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/treadmill-bridge/internal/ftms"
	"github.com/lowaak/treadmill-bridge/internal/session"
)

const EnvPrefix = "TREADMILL"

type TreadmillConfig struct {
	Address          string        `mapstructure:"address"`
	Adapter          string        `mapstructure:"adapter"`
	ControlPointUUID string        `mapstructure:"control_point_uuid"`
	SpeedProfile     string        `mapstructure:"speed_profile"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	ScanTimeout      time.Duration `mapstructure:"scan_timeout"`
	RequestControl   bool          `mapstructure:"request_control"`
}

type PeripheralConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Adapter is the HCI id used for advertising. Empty shares the central's adapter.
	Adapter      string        `mapstructure:"adapter"`
	LocalName    string        `mapstructure:"local_name"`
	NotifyPeriod time.Duration `mapstructure:"notify_period"`
}

type DatabaseConfig struct {
	Path         string        `mapstructure:"path"`
	PostgresURL  string        `mapstructure:"postgres_url"`
	SyncSchedule string        `mapstructure:"sync_schedule"`
	SyncTimeout  time.Duration `mapstructure:"sync_timeout"`
	// Timezone of the record datetime text when written remotely, e.g. "Europe/Rome"
	Timezone string `mapstructure:"timezone"`
}

type RedisConfig struct {
	Addr            string `mapstructure:"addr"`
	Password        string `mapstructure:"password"`
	Prefix          string `mapstructure:"prefix"`
	ShutdownTopic   string `mapstructure:"shutdown_topic"`
	ShutdownMessage string `mapstructure:"shutdown_message"`
}

type HTTPConfig struct {
	Addr        string  `mapstructure:"addr"`
	MaxSpeedKmh float64 `mapstructure:"max_speed_kmh"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Stderr     bool   `mapstructure:"stderr"`
}

type Config struct {
	Treadmill  TreadmillConfig  `mapstructure:"treadmill"`
	Peripheral PeripheralConfig `mapstructure:"peripheral"`
	Limits     session.Limits   `mapstructure:"limits"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Dashboard  bool             `mapstructure:"dashboard"`
	// Mock replaces the Bluetooth stack with a simulated treadmill
	Mock bool `mapstructure:"mock"`
}

func setDefaults(v *viper.Viper) {
	limits := session.DefaultLimits()

	v.SetDefault("treadmill.address", "")
	v.SetDefault("treadmill.adapter", "")
	v.SetDefault("treadmill.control_point_uuid", ftms.CharUUIDFTMSControlPoint)
	v.SetDefault("treadmill.speed_profile", string(ftms.ProfileLegacy))
	v.SetDefault("treadmill.max_retries", 5)
	v.SetDefault("treadmill.retry_backoff", 2*time.Second)
	v.SetDefault("treadmill.command_timeout", 5*time.Second)
	v.SetDefault("treadmill.scan_timeout", 10*time.Second)
	v.SetDefault("treadmill.request_control", false)

	v.SetDefault("peripheral.enabled", true)
	v.SetDefault("peripheral.adapter", "")
	v.SetDefault("peripheral.local_name", "Treadmill Bridge")
	v.SetDefault("peripheral.notify_period", time.Second)

	v.SetDefault("limits.speed_yellow", limits.SpeedYellow)
	v.SetDefault("limits.speed_red", limits.SpeedRed)
	v.SetDefault("limits.bpm_yellow", limits.BpmYellow)
	v.SetDefault("limits.bpm_red", limits.BpmRed)

	v.SetDefault("database.path", "treadmill.db")
	v.SetDefault("database.postgres_url", "")
	v.SetDefault("database.sync_schedule", "@every 5m")
	v.SetDefault("database.sync_timeout", 10*time.Second)
	v.SetDefault("database.timezone", "Local")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.prefix", "treadmill")
	v.SetDefault("redis.shutdown_topic", "")
	v.SetDefault("redis.shutdown_message", "")

	v.SetDefault("http.addr", ":5000")
	v.SetDefault("http.max_speed_kmh", 16.0)

	v.SetDefault("log.file", "treadmill-bridge.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.stderr", false)

	v.SetDefault("dashboard", true)
	v.SetDefault("mock", false)
}

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"address":            "treadmill.address",
	"adapter":            "treadmill.adapter",
	"speed-profile":      "treadmill.speed_profile",
	"request-control":    "treadmill.request_control",
	"peripheral-adapter": "peripheral.adapter",
	"local-name":         "peripheral.local_name",
	"db":                 "database.path",
	"postgres-url":       "database.postgres_url",
	"redis-addr":         "redis.addr",
	"http-addr":          "http.addr",
	"log-file":           "log.file",
	"log-stderr":         "log.stderr",
	"dashboard":          "dashboard",
	"mock":               "mock",
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file (yaml, json or toml)")
	fs.String("address", "", "Bluetooth address of the treadmill")
	fs.String("adapter", "", "HCI adapter id for the treadmill connection (Linux only)")
	fs.String("speed-profile", string(ftms.ProfileLegacy), "Set Target Speed layout: legacy or ftms")
	fs.Bool("request-control", false, "request FTMS control and start the belt after connecting")
	fs.String("peripheral-adapter", "", "HCI adapter id for the emulated treadmill (Linux only)")
	fs.String("local-name", "Treadmill Bridge", "advertised name of the emulated treadmill")
	fs.String("db", "treadmill.db", "path of the local session database")
	fs.String("postgres-url", "", "remote session store, empty to keep sessions local")
	fs.String("redis-addr", "", "Redis address for record broadcasts, empty to disable")
	fs.String("http-addr", ":5000", "HTTP listen address, empty to disable")
	fs.String("log-file", "treadmill-bridge.log", "log file path")
	fs.Bool("log-stderr", false, "also write logs to stderr")
	fs.Bool("dashboard", true, "show the terminal dashboard")
	fs.Bool("mock", false, "run against a simulated treadmill")
	return fs
}

// Load reads defaults, then the optional config file, then TREADMILL_* environment
// variables, then command line flags. Later sources win.
func Load(args []string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := newFlagSet("treadmill-bridge")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error

	if c.Treadmill.Address == "" && !c.Mock {
		errs = append(errs, errors.New("treadmill.address is required unless mock is set"))
	}
	if _, err := ftms.ParseSpeedProfile(c.Treadmill.SpeedProfile); err != nil {
		errs = append(errs, fmt.Errorf("treadmill.speed_profile: %w", err))
	}
	if _, err := bluetooth.ParseUUID(c.Treadmill.ControlPointUUID); err != nil {
		errs = append(errs, fmt.Errorf("treadmill.control_point_uuid %q: %w", c.Treadmill.ControlPointUUID, err))
	}
	if c.Treadmill.MaxRetries < 1 {
		errs = append(errs, errors.New("treadmill.max_retries must be at least 1"))
	}
	if c.Treadmill.RetryBackoff < 0 || c.Treadmill.CommandTimeout <= 0 || c.Treadmill.ScanTimeout <= 0 {
		errs = append(errs, errors.New("treadmill timeouts must be positive"))
	}
	if c.Peripheral.Enabled && c.Peripheral.LocalName == "" {
		errs = append(errs, errors.New("peripheral.local_name is required"))
	}
	if c.Peripheral.NotifyPeriod <= 0 {
		errs = append(errs, errors.New("peripheral.notify_period must be positive"))
	}
	if c.Limits.SpeedYellow > c.Limits.SpeedRed {
		errs = append(errs, errors.New("limits.speed_yellow must not exceed limits.speed_red"))
	}
	if c.Limits.BpmYellow > c.Limits.BpmRed {
		errs = append(errs, errors.New("limits.bpm_yellow must not exceed limits.bpm_red"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := cron.ParseStandard(c.Database.SyncSchedule); err != nil {
		errs = append(errs, fmt.Errorf("database.sync_schedule: %w", err))
	}
	if _, err := c.Database.Location(); err != nil {
		errs = append(errs, fmt.Errorf("database.timezone: %w", err))
	}
	if c.HTTP.MaxSpeedKmh <= 0 {
		errs = append(errs, errors.New("http.max_speed_kmh must be positive"))
	}
	if c.Log.File == "" && !c.Log.Stderr {
		errs = append(errs, errors.New("log.file is required unless log.stderr is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Location resolves Timezone, with "" and "Local" meaning the host zone
func (d DatabaseConfig) Location() (*time.Location, error) {
	if d.Timezone == "" || d.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(d.Timezone)
}
