package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // "" disables the status RPC server

	// DB
	Env    string `yaml:"env"`     // "dev" | "prod"
	DBPath string `yaml:"db_path"` // e.g. "./data/pdks.db"

	LogLevel string `yaml:"log_level"`

	// Timezone is the IANA zone terminals keep their clocks in and reports
	// are cut in.
	Timezone string         `yaml:"timezone"`
	Location *time.Location `yaml:"-"`

	// Attendance defaults for locations without a work schedule.
	WorkStart string   `yaml:"work_start"`
	WorkEnd   string   `yaml:"work_end"`
	WorkWeek  []string `yaml:"work_week"` // "mon".."sun"

	// Sync
	SyncWorkers         int `yaml:"sync_workers"`
	SyncIntervalMinutes int `yaml:"sync_interval_minutes"` // 0 = no scheduler
	SyncOverlapMinutes  int `yaml:"sync_overlap_minutes"`

	// Terminal transport
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`

	// Health
	OfflineFailureThreshold int `yaml:"offline_failure_threshold"`
	OfflineTimeoutThreshold int `yaml:"offline_timeout_threshold"`

	// Sync history retention
	SyncHistoryRetentionDays int `yaml:"sync_history_retention_days"` // 0 = keep forever
	PruneIntervalHours       int `yaml:"prune_interval_hours"`

	TempCardSweepMinutes int `yaml:"temp_card_sweep_minutes"` // 0 = no sweeper

	// DevDeviceAddr is the terminal host seeded into a dev database.
	DevDeviceAddr string `yaml:"dev_device_addr"`
}

func defaults() Config {
	return Config{
		HTTPAddr:                 ":8080",
		GRPCAddr:                 ":9090",
		Env:                      "dev",
		DBPath:                   "./data/pdks.db",
		LogLevel:                 "info",
		Timezone:                 "Europe/Istanbul",
		WorkStart:                "08:00",
		WorkEnd:                  "17:00",
		WorkWeek:                 []string{"mon", "tue", "wed", "thu", "fri"},
		SyncWorkers:              5,
		SyncIntervalMinutes:      15,
		SyncOverlapMinutes:       10,
		ConnectTimeoutSeconds:    5,
		CommandTimeoutSeconds:    30,
		OfflineFailureThreshold:  1,
		OfflineTimeoutThreshold:  2,
		SyncHistoryRetentionDays: 90,
		PruneIntervalHours:       6,
		TempCardSweepMinutes:     5,
		DevDeviceAddr:            "192.168.1.201",
	}
}

// FromEnv loads ./.env if present, then the YAML file named by PDKS_CONFIG,
// then PDKS_* environment variables. Later sources win.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("PDKS_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.HTTPAddr = getenvDefault("PDKS_HTTP_ADDR", cfg.HTTPAddr)
	if v, ok := os.LookupEnv("PDKS_GRPC_ADDR"); ok {
		cfg.GRPCAddr = strings.TrimSpace(v)
	}
	cfg.Env = strings.ToLower(getenvDefault("PDKS_ENV", cfg.Env))
	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}
	cfg.DBPath = getenvDefault("PDKS_DB_PATH", cfg.DBPath)
	cfg.LogLevel = getenvDefault("PDKS_LOG_LEVEL", cfg.LogLevel)
	cfg.Timezone = getenvDefault("PDKS_TIMEZONE", cfg.Timezone)
	cfg.WorkStart = getenvDefault("PDKS_WORK_START", cfg.WorkStart)
	cfg.WorkEnd = getenvDefault("PDKS_WORK_END", cfg.WorkEnd)
	if days := splitCSV(os.Getenv("PDKS_WORK_WEEK")); len(days) > 0 {
		cfg.WorkWeek = days
	}

	cfg.SyncWorkers = getenvInt("PDKS_SYNC_WORKERS", cfg.SyncWorkers)
	cfg.SyncIntervalMinutes = getenvInt("PDKS_SYNC_INTERVAL_MINUTES", cfg.SyncIntervalMinutes)
	cfg.SyncOverlapMinutes = getenvInt("PDKS_SYNC_OVERLAP_MINUTES", cfg.SyncOverlapMinutes)
	cfg.ConnectTimeoutSeconds = getenvInt("PDKS_CONNECT_TIMEOUT_SECONDS", cfg.ConnectTimeoutSeconds)
	cfg.CommandTimeoutSeconds = getenvInt("PDKS_COMMAND_TIMEOUT_SECONDS", cfg.CommandTimeoutSeconds)
	cfg.OfflineFailureThreshold = getenvInt("PDKS_OFFLINE_FAILURE_THRESHOLD", cfg.OfflineFailureThreshold)
	cfg.OfflineTimeoutThreshold = getenvInt("PDKS_OFFLINE_TIMEOUT_THRESHOLD", cfg.OfflineTimeoutThreshold)
	cfg.SyncHistoryRetentionDays = getenvInt("PDKS_SYNC_HISTORY_RETENTION_DAYS", cfg.SyncHistoryRetentionDays)
	cfg.PruneIntervalHours = getenvInt("PDKS_PRUNE_INTERVAL_HOURS", cfg.PruneIntervalHours)
	cfg.TempCardSweepMinutes = getenvInt("PDKS_TEMP_CARD_SWEEP_MINUTES", cfg.TempCardSweepMinutes)
	cfg.DevDeviceAddr = getenvDefault("PDKS_DEV_DEVICE_ADDR", cfg.DevDeviceAddr)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if _, err := cfg.Weekdays(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Weekdays parses WorkWeek.
func (c Config) Weekdays() ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(c.WorkWeek))
	for _, s := range c.WorkWeek {
		key := strings.ToLower(strings.TrimSpace(s))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdays[key]
		if !ok {
			return nil, fmt.Errorf("work week: unknown day %q", s)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, errors.New("work week: no days")
	}
	return out, nil
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

func (c Config) SyncOverlap() time.Duration {
	return time.Duration(c.SyncOverlapMinutes) * time.Minute
}

func (c Config) TempCardSweepInterval() time.Duration {
	return time.Duration(c.TempCardSweepMinutes) * time.Minute
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
