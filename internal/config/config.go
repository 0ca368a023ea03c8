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

	"fieldops/internal/model"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Scoring    ScoringConfig    `json:"scoring" yaml:"scoring"`
	Exposure   ExposureConfig   `json:"exposure" yaml:"exposure"`
	Prediction PredictionConfig `json:"prediction" yaml:"prediction"`
	Escalation EscalationConfig `json:"escalation" yaml:"escalation"`
	Refresh    RefreshConfig    `json:"refresh" yaml:"refresh"`
	Sources    SourcesConfig    `json:"sources" yaml:"sources"`
	Buildings  []BuildingConfig `json:"buildings" yaml:"buildings"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Kafka      KafkaConfig      `json:"kafka" yaml:"kafka"`
	API        APIConfig        `json:"api" yaml:"api"`
	ReadModel  StoreConfig      `json:"read_model" yaml:"read_model"`
	Alerts     StoreConfig      `json:"alerts" yaml:"alerts"`
}

// SeverityWeight is the deduction applied for the first open violation of a
// class; later ones decay geometrically until Cap is reached.
type SeverityWeight struct {
	Weight float64 `json:"weight" yaml:"weight"`
	Cap    float64 `json:"cap" yaml:"cap"`
}

type ScoringConfig struct {
	Weights map[model.Severity]SeverityWeight `json:"weights" yaml:"weights"`
	Decay   float64                           `json:"decay" yaml:"decay"`
}

type ExposureConfig struct {
	DailyRateCents map[model.Severity]int64 `json:"daily_rate_cents" yaml:"daily_rate_cents"`
	Accruing       []model.Severity         `json:"accruing" yaml:"accruing"`
}

type PredictionConfig struct {
	TopN     int    `json:"top_n" yaml:"top_n"`
	Category string `json:"category" yaml:"category"`
}

type EscalationConfig struct {
	HysteresisCycles int           `json:"hysteresis_cycles" yaml:"hysteresis_cycles"`
	DispatchTimeout  time.Duration `json:"dispatch_timeout" yaml:"dispatch_timeout"`
	DispatchBuffer   int           `json:"dispatch_buffer" yaml:"dispatch_buffer"`
}

type RefreshConfig struct {
	Interval      time.Duration `json:"interval" yaml:"interval"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent"`
	FetchTimeout  time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	Breaker       BreakerConfig `json:"breaker" yaml:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `json:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
}

type FeedConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Token   string `json:"token" yaml:"token"`
}

type SourcesConfig struct {
	Housing        FeedConfig `json:"housing" yaml:"housing"`
	Sanitation     FeedConfig `json:"sanitation" yaml:"sanitation"`
	Fire           FeedConfig `json:"fire" yaml:"fire"`
	ServiceRequest FeedConfig `json:"service_request" yaml:"service_request"`
}

// Feed returns the feed settings for one authority.
func (s SourcesConfig) Feed(a model.SourceAuthority) FeedConfig {
	switch a {
	case model.SourceHousing:
		return s.Housing
	case model.SourceSanitation:
		return s.Sanitation
	case model.SourceFire:
		return s.Fire
	case model.SourceServiceRequest:
		return s.ServiceRequest
	}
	return FeedConfig{}
}

type BuildingConfig struct {
	model.Building `json:",inline" yaml:",inline"`
	Identifiers    map[model.SourceAuthority]string `json:"identifiers" yaml:"identifiers"`
}

type StorageConfig struct {
	Driver    string `json:"driver" yaml:"driver"`
	DSN       string `json:"dsn" yaml:"dsn"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

type KafkaConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Brokers       []string `json:"brokers" yaml:"brokers"`
	EventsTopic   string   `json:"events_topic" yaml:"events_topic"`
	ReassignTopic string   `json:"reassign_topic" yaml:"reassign_topic"`
	BacklogTopic  string   `json:"backlog_topic" yaml:"backlog_topic"`
	GroupID       string   `json:"group_id" yaml:"group_id"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StoreConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func defaultWeights() map[model.Severity]SeverityWeight {
	return map[model.Severity]SeverityWeight{
		model.SeverityCritical:  {Weight: 35, Cap: 100},
		model.SeverityHazardous: {Weight: 8, Cap: 30},
		model.SeverityMinor:     {Weight: 3, Cap: 10},
		model.SeverityAdvisory:  {Weight: 1, Cap: 5},
	}
}

func defaultDailyRates() map[model.Severity]int64 {
	return map[model.Severity]int64{
		model.SeverityCritical:  25000,
		model.SeverityHazardous: 5000,
		model.SeverityMinor:     0,
		model.SeverityAdvisory:  0,
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Scoring: ScoringConfig{
			Weights: defaultWeights(),
			Decay:   0.85,
		},
		Exposure: ExposureConfig{
			DailyRateCents: defaultDailyRates(),
			Accruing:       []model.Severity{model.SeverityCritical, model.SeverityHazardous},
		},
		Prediction: PredictionConfig{TopN: 3, Category: "maintenance"},
		Escalation: EscalationConfig{
			HysteresisCycles: 2,
			DispatchTimeout:  10 * time.Second,
			DispatchBuffer:   256,
		},
		Refresh: RefreshConfig{
			Interval:      15 * time.Minute,
			MaxConcurrent: 4,
			FetchTimeout:  20 * time.Second,
			Breaker:       BreakerConfig{MaxFailures: 5, OpenTimeout: 60 * time.Second},
		},
		Storage: StorageConfig{Driver: "memory", KeyPrefix: "fieldops:snapshot:"},
		Kafka: KafkaConfig{
			Enabled:       false,
			EventsTopic:   "fieldops.escalations",
			ReassignTopic: "fieldops.reassignments",
			BacklogTopic:  "fieldops.routines",
			GroupID:       "fieldops-core",
		},
		API:       APIConfig{Enabled: true, Addr: ":8081"},
		ReadModel: StoreConfig{StoreLimit: 5000},
		Alerts:    StoreConfig{StoreLimit: 1000},
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
	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("apply env: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
	if len(cfg.Scoring.Weights) == 0 {
		cfg.Scoring.Weights = defaultWeights()
	}
	if cfg.Scoring.Decay <= 0 || cfg.Scoring.Decay > 1 {
		cfg.Scoring.Decay = 0.85
	}
	if cfg.Exposure.DailyRateCents == nil {
		cfg.Exposure.DailyRateCents = defaultDailyRates()
	}
	if cfg.Prediction.TopN <= 0 {
		cfg.Prediction.TopN = 3
	}
	if cfg.Prediction.Category == "" {
		cfg.Prediction.Category = "maintenance"
	}
	if cfg.Escalation.HysteresisCycles <= 0 {
		cfg.Escalation.HysteresisCycles = 2
	}
	if cfg.Escalation.DispatchTimeout <= 0 {
		cfg.Escalation.DispatchTimeout = 10 * time.Second
	}
	if cfg.Escalation.DispatchBuffer <= 0 {
		cfg.Escalation.DispatchBuffer = 256
	}
	if cfg.Refresh.MaxConcurrent <= 0 {
		cfg.Refresh.MaxConcurrent = 4
	}
	if cfg.Refresh.FetchTimeout <= 0 {
		cfg.Refresh.FetchTimeout = 20 * time.Second
	}
	if cfg.Refresh.Breaker.MaxFailures == 0 {
		cfg.Refresh.Breaker.MaxFailures = 5
	}
	if cfg.Refresh.Breaker.OpenTimeout <= 0 {
		cfg.Refresh.Breaker.OpenTimeout = 60 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.KeyPrefix == "" {
		cfg.Storage.KeyPrefix = "fieldops:snapshot:"
	}
	if cfg.ReadModel.StoreLimit <= 0 {
		cfg.ReadModel.StoreLimit = 5000
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
}

// highTierFloor is the lowest score still rated "high"; anything below is critical.
const highTierFloor = 50

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	var nonCritical float64
	for sev, w := range cfg.Scoring.Weights {
		if !validSeverity(sev) {
			return fmt.Errorf("scoring.weights has unknown severity %q", sev)
		}
		if w.Weight < 0 || w.Cap < 0 {
			return fmt.Errorf("scoring.weights.%s must be non-negative", sev)
		}
		if sev != model.SeverityCritical {
			nonCritical += w.Cap
		}
	}
	for _, sev := range model.Severities {
		if _, ok := cfg.Scoring.Weights[sev]; !ok {
			return fmt.Errorf("scoring.weights.%s missing", sev)
		}
	}
	if nonCritical >= 100-highTierFloor {
		return fmt.Errorf("scoring caps of non-critical classes sum to %.1f; must stay below %d", nonCritical, 100-highTierFloor)
	}
	for sev, rate := range cfg.Exposure.DailyRateCents {
		if !validSeverity(sev) {
			return fmt.Errorf("exposure.daily_rate_cents has unknown severity %q", sev)
		}
		if rate < 0 {
			return fmt.Errorf("exposure.daily_rate_cents.%s must be >= 0", sev)
		}
	}
	for _, sev := range cfg.Exposure.Accruing {
		if !validSeverity(sev) {
			return fmt.Errorf("exposure.accruing has unknown severity %q", sev)
		}
	}
	if cfg.Refresh.Interval < 0 {
		return errors.New("refresh.interval must be >= 0")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory":
	case "sqlite", "postgres", "postgresql", "redis":
		if cfg.Storage.DSN == "" && cfg.Storage.Driver != "sqlite" {
			return fmt.Errorf("storage.dsn required for driver %s", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.EventsTopic == "" || cfg.Kafka.GroupID == "" {
			return errors.New("kafka requires brokers, events_topic, group_id")
		}
	}
	seen := make(map[string]struct{}, len(cfg.Buildings))
	for i, b := range cfg.Buildings {
		if strings.TrimSpace(b.ID) == "" {
			return fmt.Errorf("buildings[%d].id required", i)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("buildings[%d]: duplicate id %q", i, b.ID)
		}
		seen[b.ID] = struct{}{}
		for src := range b.Identifiers {
			if !src.Valid() {
				return fmt.Errorf("buildings[%d].identifiers has unknown source %q", i, src)
			}
		}
	}
	return nil
}

func validSeverity(s model.Severity) bool {
	for _, known := range model.Severities {
		if s == known {
			return true
		}
	}
	return false
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

// NewStaticManager wraps an already built config that is never reloaded.
func NewStaticManager(cfg *Config) *Manager {
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
