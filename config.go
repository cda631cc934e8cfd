package glide

import (
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jsp-lqk/metapipe-valkey/internal"
	"github.com/jsp-lqk/metapipe-valkey/router"
)

const (
	DefaultPort              = 6379
	DefaultRequestTimeout    = 250 * time.Millisecond
	DefaultConnectionTimeout = 250 * time.Millisecond
	DefaultInflightLimit     = 1000
	DefaultPeriodicInterval  = 60 * time.Second
	DefaultHeartbeatInterval = time.Second
)

type Address struct {
	Host string `mapstructure:"host"`
	Port uint16 `mapstructure:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// ParseAddress accepts "host", "host:port" and "[v6]:port".
func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{Host: s, Port: DefaultPort}, nil
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return Address{}, &ConfigError{Field: "Addresses", Reason: fmt.Sprintf("bad port in %q", s)}
	}
	return Address{Host: host, Port: uint16(p)}, nil
}

type TLSMode = internal.TLSMode

const (
	NoTLS       = internal.NoTLS
	SecureTLS   = internal.SecureTLS
	InsecureTLS = internal.InsecureTLS
)

type Protocol = internal.Protocol

const (
	RESP3 = internal.RESP3
	RESP2 = internal.RESP2
)

type ReadFrom = router.Policy

const (
	Primary                      = router.Primary
	PreferReplica                = router.PreferReplica
	AZAffinity                   = router.AZAffinity
	AZAffinityReplicasAndPrimary = router.AZAffinityReplicasAndPrimary
)

// BackoffStrategy drives reconnection and command retries.
type BackoffStrategy = internal.Backoff

func DefaultBackoff() BackoffStrategy { return internal.DefaultBackoff() }

type ServerCredentials struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type PeriodicMode int

const (
	PeriodicEnabled PeriodicMode = iota
	PeriodicDisabled
	PeriodicManual
)

// PeriodicChecks controls background topology refreshes in cluster mode.
// Enabled refreshes every minute, Manual every Interval.
type PeriodicChecks struct {
	Mode     PeriodicMode
	Interval time.Duration
}

// RetryStrategy bounds how often a command is re-sent after a transient
// failure.
type RetryStrategy struct {
	MaxAttempts int
	Backoff     BackoffStrategy
}

func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxAttempts: 3,
		Backoff: BackoffStrategy{
			NumOfRetries:  3,
			Factor:        10 * time.Millisecond,
			ExponentBase:  2,
			JitterPercent: 20,
		},
	}
}

type ClientConfiguration struct {
	Addresses   []Address
	UseTLS      bool
	TLSMode     TLSMode
	RootCAs     *x509.CertPool
	Credentials *ServerCredentials
	ReadFrom    ReadFrom
	ClientAZ    string

	// RequestTimeout bounds every command. Zero means 250ms.
	RequestTimeout time.Duration
	ClientName     string

	// DatabaseID selects a logical database, standalone only.
	DatabaseID int
	Protocol   Protocol

	ReconnectStrategy *BackoffStrategy
	RetryStrategy     *RetryStrategy
	PeriodicChecks    PeriodicChecks

	// InflightRequestsLimit caps concurrent commands. Zero means 1000,
	// negative means unlimited.
	InflightRequestsLimit int

	// LazyConnect defers every connection to the first command.
	LazyConnect bool

	ConnectionTimeout  time.Duration
	ConnectionsPerNode int

	// Exclusive gives each in-flight command its own connection instead of
	// pipelining them over shared ones.
	Exclusive bool

	// HeartbeatInterval is the idle time before a connection is pinged.
	// Zero means one second, negative disables heartbeats.
	HeartbeatInterval time.Duration

	Logger LoggerConfig
}

func DefaultConfiguration() ClientConfiguration {
	return ClientConfiguration{
		Addresses: []Address{{Host: "localhost", Port: DefaultPort}},
	}
}

// resolved returns a copy with every zero value replaced by its default.
func (c ClientConfiguration) resolved() ClientConfiguration {
	c.Addresses = append([]Address(nil), c.Addresses...)
	for i := range c.Addresses {
		if c.Addresses[i].Port == 0 {
			c.Addresses[i].Port = DefaultPort
		}
	}
	if c.UseTLS && c.TLSMode == NoTLS {
		c.TLSMode = SecureTLS
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.ConnectionsPerNode <= 0 {
		c.ConnectionsPerNode = 1
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.InflightRequestsLimit == 0 {
		c.InflightRequestsLimit = DefaultInflightLimit
	}
	if c.ReconnectStrategy == nil {
		b := DefaultBackoff()
		c.ReconnectStrategy = &b
	} else {
		b := *c.ReconnectStrategy
		c.ReconnectStrategy = &b
	}
	if c.RetryStrategy == nil {
		r := DefaultRetryStrategy()
		c.RetryStrategy = &r
	} else {
		r := *c.RetryStrategy
		c.RetryStrategy = &r
	}
	if c.Credentials != nil {
		cr := *c.Credentials
		c.Credentials = &cr
	}
	return c
}

func (c ClientConfiguration) periodicInterval() time.Duration {
	switch c.PeriodicChecks.Mode {
	case PeriodicDisabled:
		return 0
	case PeriodicManual:
		return c.PeriodicChecks.Interval
	}
	return DefaultPeriodicInterval
}

// Validate reports the first problem with the configuration.
func (c ClientConfiguration) Validate(isCluster bool) error {
	if len(c.Addresses) == 0 {
		return &ConfigError{Field: "Addresses", Reason: "at least one address is required"}
	}
	for _, a := range c.Addresses {
		if a.Host == "" {
			return &ConfigError{Field: "Addresses", Reason: "empty host"}
		}
	}
	if c.DatabaseID < 0 || c.DatabaseID > 15 {
		return &ConfigError{Field: "DatabaseID", Reason: "must be between 0 and 15"}
	}
	if isCluster && c.DatabaseID != 0 {
		return &ConfigError{Field: "DatabaseID", Reason: "cluster mode only supports database 0"}
	}
	if c.ReadFrom < Primary || c.ReadFrom > AZAffinityReplicasAndPrimary {
		return &ConfigError{Field: "ReadFrom", Reason: fmt.Sprintf("unknown policy %d", c.ReadFrom)}
	}
	if (c.ReadFrom == AZAffinity || c.ReadFrom == AZAffinityReplicasAndPrimary) && c.ClientAZ == "" {
		return &ConfigError{Field: "ClientAZ", Reason: "required by " + c.ReadFrom.String()}
	}
	if c.TLSMode < NoTLS || c.TLSMode > InsecureTLS {
		return &ConfigError{Field: "TLSMode", Reason: "unknown mode"}
	}
	if c.Protocol != RESP2 && c.Protocol != RESP3 {
		return &ConfigError{Field: "Protocol", Reason: "unknown protocol"}
	}
	if c.Credentials != nil && c.Credentials.Username != "" && c.Credentials.Password == "" {
		return &ConfigError{Field: "Credentials", Reason: "username without password"}
	}
	if c.PeriodicChecks.Mode == PeriodicManual && c.PeriodicChecks.Interval <= 0 {
		return &ConfigError{Field: "PeriodicChecks.Interval", Reason: "manual checks need a positive interval"}
	}
	if c.RetryStrategy != nil && c.RetryStrategy.MaxAttempts < 0 {
		return &ConfigError{Field: "RetryStrategy.MaxAttempts", Reason: "must not be negative"}
	}
	if _, err := c.Logger.level(); err != nil {
		return err
	}
	return nil
}

func (c ClientConfiguration) connOptions(addr string, readOnly bool) internal.ConnOptions {
	o := internal.ConnOptions{
		Address:           addr,
		TLSMode:           c.TLSMode,
		RootCAs:           c.RootCAs,
		ConnectTimeout:    c.ConnectionTimeout,
		WriteTimeout:      c.RequestTimeout,
		Protocol:          c.Protocol,
		ClientName:        c.ClientName,
		DatabaseID:        c.DatabaseID,
		ReadOnly:          readOnly,
		ReadAZ:            c.ReadFrom == AZAffinity || c.ReadFrom == AZAffinityReplicasAndPrimary,
		HeartbeatInterval: c.HeartbeatInterval,
	}
	if c.Credentials != nil {
		o.Username = c.Credentials.Username
		o.Password = c.Credentials.Password
	}
	return o
}
