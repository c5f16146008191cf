// Package config loads service configuration from defaults, an optional YAML
// file and DOCSYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alimasry/go-doc-sync/doc"
)

const envPrefix = "DOCSYNC"

type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"server"`
	Document struct {
		HistorySize   int    `mapstructure:"historySize"`
		StrictDeletes bool   `mapstructure:"strictDeletes"`
		Buffer        string `mapstructure:"buffer"` // runes | piecetable
	} `mapstructure:"document"`
	Store struct {
		Backend       string        `mapstructure:"backend"` // memory | firestore | redis
		FlushInterval time.Duration `mapstructure:"flushInterval"`
	} `mapstructure:"store"`
	Firestore struct {
		ProjectID  string `mapstructure:"projectID"`
		Collection string `mapstructure:"collection"`
	} `mapstructure:"firestore"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
		Prefix   string   `mapstructure:"prefix"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // text | json
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdownTimeout", 10*time.Second)
	v.SetDefault("document.historySize", doc.DefaultHistorySize)
	v.SetDefault("document.strictDeletes", false)
	v.SetDefault("document.buffer", "runes")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.flushInterval", 2*time.Second)
	v.SetDefault("firestore.projectID", "")
	v.SetDefault("firestore.collection", "documents")
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "docsync:")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "document-diffs")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. With an empty path, config.yaml is looked up
// in . and ./config and may be absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	case "firestore":
		if c.Firestore.ProjectID == "" {
			return errors.New("config: firestore backend needs firestore.projectID")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend != "memory" && c.Store.FlushInterval < 0 {
		return fmt.Errorf("config: negative store.flushInterval %s", c.Store.FlushInterval)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("config: kafka.brokers set without kafka.topic")
	}
	if _, err := c.DocumentOptions(); err != nil {
		return err
	}
	return nil
}

// DocumentOptions maps the document section onto doc options.
func (c *Config) DocumentOptions() ([]doc.Option, error) {
	opts := []doc.Option{doc.WithHistorySize(c.Document.HistorySize)}
	if c.Document.StrictDeletes {
		opts = append(opts, doc.WithDeletePolicy(doc.RejectOverlongDeletes))
	}
	switch c.Document.Buffer {
	case "", "runes":
	case "piecetable":
		opts = append(opts, doc.WithPieceTable())
	default:
		return nil, fmt.Errorf("config: unknown document.buffer %q", c.Document.Buffer)
	}
	return opts, nil
}
