package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every override, e.g. FIELDOPS_LOG_LEVEL.
const EnvPrefix = "FIELDOPS"

// envOverrides holds deployment settings that are usually injected by the
// environment rather than committed in the config file. Empty values leave the
// file setting untouched.
type envOverrides struct {
	LogLevel        string        `envconfig:"LOG_LEVEL"`
	APIAddr         string        `envconfig:"API_ADDR"`
	StorageDriver   string        `envconfig:"STORAGE_DRIVER"`
	StorageDSN      string        `envconfig:"STORAGE_DSN"`
	KafkaBrokers    []string      `envconfig:"KAFKA_BROKERS"`
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL"`
	HousingToken    string        `envconfig:"HOUSING_TOKEN"`
	SanitationToken string        `envconfig:"SANITATION_TOKEN"`
	FireToken       string        `envconfig:"FIRE_TOKEN"`
	ServiceToken    string        `envconfig:"SERVICE_REQUEST_TOKEN"`
}

// ApplyEnv overlays FIELDOPS_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	if env.APIAddr != "" {
		cfg.API.Addr = env.APIAddr
	}
	if env.StorageDriver != "" {
		cfg.Storage.Driver = env.StorageDriver
	}
	if env.StorageDSN != "" {
		cfg.Storage.DSN = env.StorageDSN
	}
	if len(env.KafkaBrokers) > 0 {
		cfg.Kafka.Brokers = env.KafkaBrokers
		cfg.Kafka.Enabled = true
	}
	if env.RefreshInterval > 0 {
		cfg.Refresh.Interval = env.RefreshInterval
	}
	setToken(&cfg.Sources.Housing, env.HousingToken)
	setToken(&cfg.Sources.Sanitation, env.SanitationToken)
	setToken(&cfg.Sources.Fire, env.FireToken)
	setToken(&cfg.Sources.ServiceRequest, env.ServiceToken)
	return nil
}

func setToken(feed *FeedConfig, token string) {
	if token != "" {
		feed.Token = token
	}
}
