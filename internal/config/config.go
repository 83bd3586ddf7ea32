package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	Schedule   ScheduleConfig   `json:"schedule" yaml:"schedule"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Dismissals DismissalsConfig `json:"dismissals" yaml:"dismissals"`
	Dashboard  DashboardConfig  `json:"dashboard" yaml:"dashboard"`
}

type IngestConfig struct {
	REST            RESTConfig    `json:"rest" yaml:"rest"`
	Kafka           KafkaConfig   `json:"kafka" yaml:"kafka"`
	LocationTimeout time.Duration `json:"location_timeout" yaml:"location_timeout"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type DetectionConfig struct {
	LookbackDays       int           `json:"lookback_days" yaml:"lookback_days"`
	ChronicLateRatio   float64       `json:"chronic_late_ratio" yaml:"chronic_late_ratio"`
	ChronicMinCheckIns int           `json:"chronic_min_check_ins" yaml:"chronic_min_check_ins"`
	WeekdayMinLates    int           `json:"weekday_min_lates" yaml:"weekday_min_lates"`
	RefreshInterval    time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
}

type ScheduleConfig struct {
	DefaultTimezone string `json:"default_timezone" yaml:"default_timezone"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type DismissalsConfig struct {
	Backend string      `json:"backend" yaml:"backend"`
	Redis   RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	URL          string        `json:"url" yaml:"url"`
	KeyPrefix    string        `json:"key_prefix" yaml:"key_prefix"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

type DashboardConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			REST:            RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:           KafkaConfig{Enabled: false, Topic: "presencewatch.events", GroupID: "presencewatch"},
			LocationTimeout: 10 * time.Second,
		},
		Detection: DetectionConfig{
			LookbackDays:       30,
			ChronicLateRatio:   0.40,
			ChronicMinCheckIns: 3,
			WeekdayMinLates:    2,
			RefreshInterval:    30 * time.Second,
		},
		Schedule: ScheduleConfig{DefaultTimezone: "UTC"},
		API:      APIConfig{Enabled: true, Addr: ":8081"},
		Storage:  StorageConfig{Driver: "sqlite", DSN: "file:presencewatch.db?_pragma=busy_timeout(5000)"},
		Dismissals: DismissalsConfig{
			Backend: "store",
			Redis: RedisConfig{
				KeyPrefix:    "presencewatch:dismissals:",
				PoolSize:     10,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Dashboard: DashboardConfig{StoreLimit: 5000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.LocationTimeout <= 0 {
		cfg.Ingest.LocationTimeout = def.Ingest.LocationTimeout
	}
	if cfg.Detection.LookbackDays <= 0 {
		cfg.Detection.LookbackDays = def.Detection.LookbackDays
	}
	if cfg.Detection.ChronicLateRatio <= 0 {
		cfg.Detection.ChronicLateRatio = def.Detection.ChronicLateRatio
	}
	if cfg.Detection.ChronicMinCheckIns <= 0 {
		cfg.Detection.ChronicMinCheckIns = def.Detection.ChronicMinCheckIns
	}
	if cfg.Detection.WeekdayMinLates <= 0 {
		cfg.Detection.WeekdayMinLates = def.Detection.WeekdayMinLates
	}
	if cfg.Detection.RefreshInterval <= 0 {
		cfg.Detection.RefreshInterval = def.Detection.RefreshInterval
	}
	if cfg.Schedule.DefaultTimezone == "" {
		cfg.Schedule.DefaultTimezone = "UTC"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Dismissals.Backend == "" {
		cfg.Dismissals.Backend = "store"
	}
	if cfg.Dismissals.Redis.KeyPrefix == "" {
		cfg.Dismissals.Redis.KeyPrefix = def.Dismissals.Redis.KeyPrefix
	}
	if cfg.Dashboard.StoreLimit <= 0 {
		cfg.Dashboard.StoreLimit = def.Dashboard.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Detection.ChronicLateRatio >= 1 {
		return errors.New("detection.chronic_late_ratio must be < 1")
	}
	if _, err := time.LoadLocation(cfg.Schedule.DefaultTimezone); err != nil {
		return fmt.Errorf("schedule.default_timezone: %w", err)
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
	}
	switch strings.ToLower(cfg.Dismissals.Backend) {
	case "store":
	case "redis":
		if cfg.Dismissals.Redis.URL == "" {
			return errors.New("dismissals.redis.url required when dismissals.backend is redis")
		}
	default:
		return fmt.Errorf("dismissals.backend unsupported: %q", cfg.Dismissals.Backend)
	}
	return nil
}

// DefaultLocation returns the configured fallback timezone for tenants that
// have not set their own.
func (c *Config) DefaultLocation() *time.Location {
	if loc, err := time.LoadLocation(c.Schedule.DefaultTimezone); err == nil {
		return loc
	}
	return time.UTC
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops
// without a backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
