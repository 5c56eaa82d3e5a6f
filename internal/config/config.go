package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"spot-alert-engine/internal/condition"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr     string `mapstructure:"addr"`
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"server"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"postgres"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`

	Matcher MatcherConfig `mapstructure:"matcher"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Sources maps a spot source name (rbn, pskreporter, cluster, ...) to its
	// corroboration settings. Sources not listed emit every spot immediately.
	Sources map[string]SourceConfig `mapstructure:"sources"`

	UserCache struct {
		Size   int           `mapstructure:"size"`
		MaxAge time.Duration `mapstructure:"max_age"`
	} `mapstructure:"user_cache"`

	Counters struct {
		FlushInterval time.Duration `mapstructure:"flush_interval"`
	} `mapstructure:"counters"`

	Simulator struct {
		RatePerSecond float64 `mapstructure:"rate_per_second"`
		Burst         int     `mapstructure:"burst"`
	} `mapstructure:"simulator"`

	// TestOnly logs would-be alerts instead of delivering them.
	TestOnly bool `mapstructure:"test_only"`
}

type MatcherConfig struct {
	Workers               int           `mapstructure:"workers"`
	ReloadInterval        time.Duration `mapstructure:"reload_interval"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	PendingLogInterval    time.Duration `mapstructure:"pending_log_interval"`
	CommonConditions      []string      `mapstructure:"common_conditions"`
	UselessMatchThreshold int64         `mapstructure:"useless_match_threshold"`
}

type RateLimitConfig struct {
	DumpFile             string        `mapstructure:"dump_file"`
	MaxFrequencyDiff     float64       `mapstructure:"max_frequency_diff"`
	MaxFrequencyDiffDigi float64       `mapstructure:"max_frequency_diff_digi"`
	DigiModes            []string      `mapstructure:"digi_modes"`
	PruneInterval        time.Duration `mapstructure:"prune_interval"`
	FlushInterval        time.Duration `mapstructure:"flush_interval"`
}

type SourceConfig struct {
	Quorum         int           `mapstructure:"quorum"`
	QuorumInterval time.Duration `mapstructure:"quorum_interval"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	PruneInterval  time.Duration `mapstructure:"prune_interval"`
}

func Load() Config {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	v.SetConfigName("application")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	_ = v.ReadInConfig() // optional; env can fully configure

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("unable to decode config: %w", err))
	}
	validate(&cfg)
	if err := cfg.Matcher.Check(); err != nil {
		panic(err)
	}
	return cfg
}

// Default returns a Config with every default applied; used by tools and tests.
func Default() Config {
	var c Config
	validate(&c)
	return c
}

func validate(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 10
	}
	if c.Postgres.MaxIdleConns == 0 {
		c.Postgres.MaxIdleConns = 2
	}
	if c.Listener.Channel == "" {
		c.Listener.Channel = "trigger_change"
	}
	if c.Listener.ReconnectSeconds <= 0 {
		c.Listener.ReconnectSeconds = 5
	}

	if c.Matcher.Workers <= 0 {
		c.Matcher.Workers = 6
	}
	if c.Matcher.ReloadInterval <= 0 {
		c.Matcher.ReloadInterval = time.Minute
	}
	if c.Matcher.RequestTimeout <= 0 {
		c.Matcher.RequestTimeout = 10 * time.Second
	}
	if c.Matcher.PendingLogInterval <= 0 {
		c.Matcher.PendingLogInterval = 10 * time.Second
	}
	if len(c.Matcher.CommonConditions) == 0 {
		c.Matcher.CommonConditions = condition.DefaultCommon()
	}
	if c.Matcher.UselessMatchThreshold <= 0 {
		c.Matcher.UselessMatchThreshold = 10000
	}

	if c.RateLimit.DumpFile == "" {
		c.RateLimit.DumpFile = "ratelimit.dump"
	}
	if c.RateLimit.MaxFrequencyDiff == 0 {
		c.RateLimit.MaxFrequencyDiff = 0.0004
	}
	if c.RateLimit.MaxFrequencyDiffDigi == 0 {
		c.RateLimit.MaxFrequencyDiffDigi = 0.003
	}
	if len(c.RateLimit.DigiModes) == 0 {
		c.RateLimit.DigiModes = []string{"psk", "rtty", "jt", "msk", "ft8", "ft4", "js8call", "qra64", "iscat",
			"fsk441", "t10", "q65", "sstv", "varac", "olivia", "fst4"}
	}
	if c.RateLimit.PruneInterval <= 0 {
		c.RateLimit.PruneInterval = 10 * time.Minute
	}
	if c.RateLimit.FlushInterval <= 0 {
		c.RateLimit.FlushInterval = 5 * time.Minute
	}

	for name, s := range c.Sources {
		if s.Quorum > 0 {
			if s.QuorumInterval <= 0 {
				s.QuorumInterval = 15 * time.Minute
			}
			if s.MaxAge <= 0 {
				s.MaxAge = 15 * time.Minute
			}
			if s.PruneInterval <= 0 {
				s.PruneInterval = 10 * time.Minute
			}
		}
		c.Sources[name] = s
	}

	if c.UserCache.Size <= 0 {
		c.UserCache.Size = 10000
	}
	if c.UserCache.MaxAge <= 0 {
		c.UserCache.MaxAge = time.Minute
	}
	if c.Counters.FlushInterval <= 0 {
		c.Counters.FlushInterval = time.Minute
	}
	if c.Simulator.RatePerSecond <= 0 {
		c.Simulator.RatePerSecond = 5
	}
	if c.Simulator.Burst <= 0 {
		c.Simulator.Burst = 10
	}
}

// Check rejects common condition lists the index cannot serve.
func (m MatcherConfig) Check() error {
	for _, name := range m.CommonConditions {
		if strings.HasPrefix(name, "not") {
			return fmt.Errorf("common condition %q: negated conditions cannot be indexed", name)
		}
		if !condition.IsSetField(name) {
			return fmt.Errorf("common condition %q: not a set condition", name)
		}
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

func (c Config) Backoff() time.Duration { return time.Duration(c.Listener.ReconnectSeconds) * time.Second }
