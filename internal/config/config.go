package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds the application's configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Bolt     BoltConfig     `mapstructure:"bolt"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Vault    VaultConfig    `mapstructure:"vault"`
	GCPKMS   GCPKMSConfig   `mapstructure:"gcpkms"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	LDAP     LDAPConfig     `mapstructure:"ldap"`
	Publish  PublishConfig  `mapstructure:"publish"`
	KRA      KRAConfig      `mapstructure:"kra"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Profiles ProfilesConfig `mapstructure:"profiles"`
	Authz    AuthzConfig    `mapstructure:"authz"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`

	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	EnablePprof  bool          `mapstructure:"enable_pprof"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// StoreConfig selects the request/key repository backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory|postgres|sqlite|mysql|redis|bbolt
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	DSN             string        `mapstructure:"dsn"` // sqlite path or mysql DSN
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	Tracing         bool          `mapstructure:"tracing"`
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Addresses    []string `mapstructure:"addresses"`
	Password     string   `mapstructure:"password"`
	DB           int      `mapstructure:"db"`
	PoolSize     int      `mapstructure:"pool_size"`
	MinIdleConns int      `mapstructure:"min_idle_conns"`
	KeyPrefix    string   `mapstructure:"key_prefix"`
}

// RateLimitConfig throttles HTTP submissions per authenticated subject, or per
// client IP when unauthenticated.
type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Requests      int64         `mapstructure:"requests"`
	Window        time.Duration `mapstructure:"window"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	LocalFallback bool          `mapstructure:"local_fallback"`
}

type BoltConfig struct {
	Path string `mapstructure:"path"`
}

type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	AuditTopic         string   `mapstructure:"audit_topic"`
	RequestEventsTopic string   `mapstructure:"request_events_topic"`
	PublishRetryTopic  string   `mapstructure:"publish_retry_topic"`
	GroupID            string   `mapstructure:"group_id"`
}

// Enabled reports whether any broker is configured.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type VaultConfig struct {
	Address      string `mapstructure:"address"`
	Token        string `mapstructure:"token"`
	TransitMount string `mapstructure:"transit_mount"`
	TransitKey   string `mapstructure:"transit_key"`
	KVMount      string `mapstructure:"kv_mount"`
}

type GCPKMSConfig struct {
	KeyName         string `mapstructure:"key_name"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// CryptoConfig selects the storage unit and holds the software provider's keys.
type CryptoConfig struct {
	StorageUnit    string `mapstructure:"storage_unit"`  // software|vault|gcpkms
	StorageKEK     string `mapstructure:"storage_kek"`   // base64, software unit only
	TransportKey   string `mapstructure:"transport_key"` // PEM path; generated when empty
	CACert         string `mapstructure:"ca_cert"`
	CAKey          string `mapstructure:"ca_key"`
	CAKeyAlgorithm string `mapstructure:"ca_key_algorithm"`
	CASubject      string `mapstructure:"ca_subject"`
	KeygenToken    string `mapstructure:"keygen_token"`
}

type LDAPConfig struct {
	URL           string        `mapstructure:"url"`
	BindDN        string        `mapstructure:"bind_dn"`
	BindPassword  string        `mapstructure:"bind_password"`
	PoolSize      int           `mapstructure:"pool_size"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	UserDNPattern string        `mapstructure:"user_dn_pattern"`
}

type PublishConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ClientDNPattern  string `mapstructure:"client_dn_pattern"`
	CertAttr         string `mapstructure:"cert_attr"`
	DeleteCert       bool   `mapstructure:"delete_cert"`
	DisableUnpublish bool   `mapstructure:"disable_unpublish"`
}

type KRAConfig struct {
	RSAMinSize              int      `mapstructure:"rsa_min_size"`
	RSAMaxSize              int      `mapstructure:"rsa_max_size"`
	DSASizes                string   `mapstructure:"dsa_sizes"`
	AllowEncDecryptArchival bool     `mapstructure:"allow_enc_decrypt_archival"`
	UseOAEPKeyWrap          bool     `mapstructure:"use_oaep_keywrap"`
	RequiredRecoveryAgents  int      `mapstructure:"required_recovery_agents"`
	EphemeralRealms         []string `mapstructure:"ephemeral_realms"`
}

// ParseDSASizes parses the comma separated DSA size list.
func (c KRAConfig) ParseDSASizes() ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(c.DSASizes, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid dsa size %q: %w", part, err)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

type RecoveryConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type ProfilesConfig struct {
	Path string `mapstructure:"path"`
}

type AuthzConfig struct {
	ACLPath string `mapstructure:"acl_path"`
}

type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTIssuer      string        `mapstructure:"jwt_issuer"`
	JWTAudience    string        `mapstructure:"jwt_audience"`
	VaultKeyPath   string        `mapstructure:"vault_key_path"`
	KeyCacheTTL    time.Duration `mapstructure:"key_cache_ttl"`
	DefaultManager string        `mapstructure:"default_manager"`
	// TokenDenylist checks agent token ids against the Redis denylist.
	TokenDenylist  bool          `mapstructure:"token_denylist"`
}

type AuditConfig struct {
	Backends   []string `mapstructure:"backends"` // log|gorm|kafka
	BufferSize int      `mapstructure:"buffer_size"`
	HMACKey    string   `mapstructure:"hmac_key"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Exporter       string  `mapstructure:"exporter"` // jaeger|otlp
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

type TimeoutsConfig struct {
	Service time.Duration `mapstructure:"service"`
	Publish time.Duration `mapstructure:"publish"`
	Crypto  time.Duration `mapstructure:"crypto"`
}

var storeDrivers = map[string]bool{
	"memory": true, "postgres": true, "sqlite": true, "mysql": true, "redis": true, "bbolt": true,
}

// Validate checks for essential configuration values.
func (c *Config) Validate() error {
	if !storeDrivers[c.Store.Driver] {
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.KRA.RSAMinSize > c.KRA.RSAMaxSize {
		return fmt.Errorf("kra.rsa_min_size %d exceeds kra.rsa_max_size %d", c.KRA.RSAMinSize, c.KRA.RSAMaxSize)
	}
	if _, err := c.KRA.ParseDSASizes(); err != nil {
		return err
	}
	if c.KRA.RequiredRecoveryAgents < 1 {
		return fmt.Errorf("kra.required_recovery_agents must be at least 1")
	}
	if c.Recovery.TTL <= 0 {
		return fmt.Errorf("recovery.ttl must be positive")
	}
	if c.Timeouts.Service <= 0 || c.Timeouts.Publish <= 0 || c.Timeouts.Crypto <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("ratelimit.requests and ratelimit.window must be positive")
	}
	return nil
}
