package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. EVENTCORE_POSTGRES_URL.
const EnvPrefix = "eventcore"

// Load reads a YAML, TOML or JSON file, applies EVENTCORE_ environment
// overrides and defaults, then validates the result. An empty path loads
// from the environment alone.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store_driver", StoreSQLite)
	v.SetDefault("postgres_url", "")
	v.SetDefault("sqlite_file", "")
	v.SetDefault("events_table", "")
	v.SetDefault("tokens_table", "")
	v.SetDefault("processed_table", "")
	v.SetDefault("dead_letter_table", "")
	v.SetDefault("pubsub_system", "channel")
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_client_id", "")
	v.SetDefault("kafka_consumer_group", "")
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("jetstream_durable", "")
	v.SetDefault("aws_region", "")
	v.SetDefault("aws_account_id", "")
	v.SetDefault("aws_access_key_id", "")
	v.SetDefault("aws_secret_access_key", "")
	v.SetDefault("aws_endpoint", "")
	v.SetDefault("subject_prefix", DefaultSubjectPrefix)
	v.SetDefault("poison_queue", "")
	v.SetDefault("dead_letter_topic", "")
	v.SetDefault("publish_max_retries", DefaultPublishMaxRetries)
	v.SetDefault("publish_retry_delay", DefaultPublishRetryDelay)
	v.SetDefault("publish_timeout", DefaultPublishTimeout)
	v.SetDefault("publish_workers", DefaultPublishWorkers)
	v.SetDefault("publish_queue_size", DefaultPublishQueueSize)
	v.SetDefault("read_timeout", DefaultReadTimeout)
	v.SetDefault("append_timeout", DefaultAppendTimeout)
	v.SetDefault("batch_size", DefaultBatchSize)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("retry_max_retries", 0)
	v.SetDefault("retry_initial_interval", 0)
	v.SetDefault("retry_max_interval", 0)
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 0)
}
