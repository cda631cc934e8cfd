package glide

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// fileConfig is the on-disk shape of a ClientConfiguration.
type fileConfig struct {
	Cluster            bool             `mapstructure:"cluster"`
	Addresses          []string         `mapstructure:"addresses"`
	TLS                string           `mapstructure:"tls"`
	Username           string           `mapstructure:"username"`
	Password           string           `mapstructure:"password"`
	ReadFrom           string           `mapstructure:"read_from"`
	ClientAZ           string           `mapstructure:"client_az"`
	RequestTimeout     time.Duration    `mapstructure:"request_timeout"`
	ConnectionTimeout  time.Duration    `mapstructure:"connection_timeout"`
	ClientName         string           `mapstructure:"client_name"`
	DatabaseID         int              `mapstructure:"database_id"`
	Protocol           string           `mapstructure:"protocol"`
	InflightLimit      int              `mapstructure:"inflight_requests_limit"`
	LazyConnect        bool             `mapstructure:"lazy_connect"`
	ConnectionsPerNode int              `mapstructure:"connections_per_node"`
	Exclusive          bool             `mapstructure:"exclusive"`
	HeartbeatInterval  time.Duration    `mapstructure:"heartbeat_interval"`
	PeriodicChecks     string           `mapstructure:"periodic_checks"`
	Reconnect          *BackoffStrategy `mapstructure:"reconnect"`
	RetryAttempts      int              `mapstructure:"retry_attempts"`
	Logger             LoggerConfig     `mapstructure:"logger"`
}

// keys every environment override can reach
var fileDefaults = map[string]any{
	"cluster":                 false,
	"addresses":               []string{"localhost:6379"},
	"tls":                     "",
	"username":                "",
	"password":                "",
	"read_from":               "primary",
	"client_az":               "",
	"request_timeout":         DefaultRequestTimeout,
	"connection_timeout":      DefaultConnectionTimeout,
	"client_name":             "",
	"database_id":             0,
	"protocol":                "resp3",
	"inflight_requests_limit": DefaultInflightLimit,
	"lazy_connect":            false,
	"connections_per_node":    1,
	"exclusive":               false,
	"heartbeat_interval":      DefaultHeartbeatInterval,
	"periodic_checks":         "enabled",
	"retry_attempts":          -1,
	"logger.level":            string(LogWarn),
	"logger.file":             "",
}

// NewViper returns a viper instance preloaded with the configuration keys
// and GLIDE_* environment overrides, e.g. GLIDE_READ_FROM or
// GLIDE_LOGGER_LEVEL.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, d := range fileDefaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix("glide")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfiguration reads a YAML, JSON or TOML file. It returns the
// configuration and whether it describes a cluster.
func LoadConfiguration(path string) (ClientConfiguration, bool, error) {
	v := NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return ClientConfiguration{}, false, fmt.Errorf("reading %s: %w", path, err)
	}
	return ConfigurationFromViper(v)
}

// ConfigurationFromViper decodes a configuration from v.
func ConfigurationFromViper(v *viper.Viper) (ClientConfiguration, bool, error) {
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return ClientConfiguration{}, false, fmt.Errorf("decoding configuration: %w", err)
	}
	cfg, err := fc.configuration()
	return cfg, fc.Cluster, err
}

func (fc fileConfig) configuration() (ClientConfiguration, error) {
	cfg := DefaultConfiguration()
	cfg.Addresses = nil
	for _, s := range fc.Addresses {
		for _, part := range strings.Fields(strings.ReplaceAll(s, ",", " ")) {
			a, err := ParseAddress(part)
			if err != nil {
				return cfg, err
			}
			cfg.Addresses = append(cfg.Addresses, a)
		}
	}

	switch strings.ToLower(fc.TLS) {
	case "", "none", "false":
	case "secure", "true":
		cfg.UseTLS, cfg.TLSMode = true, SecureTLS
	case "insecure":
		cfg.UseTLS, cfg.TLSMode = true, InsecureTLS
	default:
		return cfg, &ConfigError{Field: "tls", Reason: fmt.Sprintf("unknown mode %q", fc.TLS)}
	}

	if fc.Password != "" || fc.Username != "" {
		cfg.Credentials = &ServerCredentials{Username: fc.Username, Password: fc.Password}
	}

	rf, err := ParseReadFrom(fc.ReadFrom)
	if err != nil {
		return cfg, err
	}
	cfg.ReadFrom = rf
	cfg.ClientAZ = fc.ClientAZ

	switch strings.ToLower(fc.Protocol) {
	case "", "resp3", "3":
		cfg.Protocol = RESP3
	case "resp2", "2":
		cfg.Protocol = RESP2
	default:
		return cfg, &ConfigError{Field: "protocol", Reason: fmt.Sprintf("unknown protocol %q", fc.Protocol)}
	}

	switch p := strings.ToLower(fc.PeriodicChecks); p {
	case "", "enabled":
		cfg.PeriodicChecks = PeriodicChecks{Mode: PeriodicEnabled}
	case "disabled":
		cfg.PeriodicChecks = PeriodicChecks{Mode: PeriodicDisabled}
	default:
		d, err := time.ParseDuration(p)
		if err != nil {
			return cfg, &ConfigError{Field: "periodic_checks", Reason: "expected enabled, disabled or a duration"}
		}
		cfg.PeriodicChecks = PeriodicChecks{Mode: PeriodicManual, Interval: d}
	}

	cfg.RequestTimeout = fc.RequestTimeout
	cfg.ConnectionTimeout = fc.ConnectionTimeout
	cfg.ClientName = fc.ClientName
	cfg.DatabaseID = fc.DatabaseID
	cfg.InflightRequestsLimit = fc.InflightLimit
	cfg.LazyConnect = fc.LazyConnect
	cfg.ConnectionsPerNode = fc.ConnectionsPerNode
	cfg.Exclusive = fc.Exclusive
	cfg.HeartbeatInterval = fc.HeartbeatInterval
	cfg.ReconnectStrategy = fc.Reconnect
	if fc.RetryAttempts >= 0 {
		r := DefaultRetryStrategy()
		r.MaxAttempts = fc.RetryAttempts
		cfg.RetryStrategy = &r
	}
	cfg.Logger = fc.Logger
	return cfg, nil
}

// ParseReadFrom accepts policy names case-insensitively, with or without
// separators: "primary", "preferReplica", "az_affinity",
// "AZAffinityReplicasAndPrimary".
func ParseReadFrom(s string) (ReadFrom, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(s))
	for _, p := range []ReadFrom{Primary, PreferReplica, AZAffinity, AZAffinityReplicasAndPrimary} {
		if strings.ToLower(p.String()) == norm {
			return p, nil
		}
	}
	if norm == "" {
		return Primary, nil
	}
	return Primary, &ConfigError{Field: "read_from", Reason: fmt.Sprintf("unknown policy %q", s)}
}
