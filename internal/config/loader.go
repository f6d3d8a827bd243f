package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads the configuration from an optional file and environment variables.
// An empty path searches ./config.yaml and /etc/pki/config.yaml.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/pki/")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("PKI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "60m")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "pki:")
	v.SetDefault("bolt.path", "pki.db")
	v.SetDefault("ratelimit.requests", 120)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.key_prefix", "pki:ratelimit")
	v.SetDefault("ratelimit.local_fallback", true)

	v.SetDefault("kafka.audit_topic", "pki-audit")
	v.SetDefault("kafka.request_events_topic", "pki-request-events")
	v.SetDefault("kafka.publish_retry_topic", "pki-publish-retry")
	v.SetDefault("kafka.group_id", "pki-publisher")

	v.SetDefault("vault.transit_mount", "transit")
	v.SetDefault("vault.transit_key", "kra-storage")
	v.SetDefault("vault.kv_mount", "secret")

	v.SetDefault("crypto.storage_unit", "software")
	v.SetDefault("crypto.ca_key_algorithm", "RSA")
	v.SetDefault("crypto.ca_subject", "CN=PKI Test CA")
	v.SetDefault("crypto.keygen_token", "internal")

	v.SetDefault("ldap.pool_size", 8)
	v.SetDefault("ldap.dial_timeout", "5s")
	v.SetDefault("ldap.user_dn_pattern", "uid=%s,ou=people,dc=example,dc=com")

	v.SetDefault("publish.client_dn_pattern", "uid=$subj.uid,ou=people,dc=example,dc=com")
	v.SetDefault("publish.cert_attr", "userCertificate;binary")

	v.SetDefault("kra.rsa_min_size", 256)
	v.SetDefault("kra.rsa_max_size", 8192)
	v.SetDefault("kra.dsa_sizes", "512,768,1024")
	v.SetDefault("kra.required_recovery_agents", 1)

	v.SetDefault("recovery.ttl", "10m")

	v.SetDefault("auth.key_cache_ttl", "5m")
	v.SetDefault("auth.jwt_issuer", "pki-agents")
	v.SetDefault("auth.default_manager", "agentJWT")
	v.SetDefault("auth.token_denylist", false)

	v.SetDefault("audit.backends", []string{"log"})
	v.SetDefault("audit.buffer_size", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.service_name", "pki-server")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("timeouts.service", "30s")
	v.SetDefault("timeouts.publish", "10s")
	v.SetDefault("timeouts.crypto", "10s")
}
