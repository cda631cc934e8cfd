package internal

import (
	"crypto/x509"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
)

type TLSMode int

const (
	NoTLS TLSMode = iota
	SecureTLS
	InsecureTLS
)

type Protocol int

const (
	RESP3 Protocol = iota
	RESP2
)

func (p Protocol) String() string {
	if p == RESP2 {
		return "RESP2"
	}
	return "RESP3"
}

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrConnectRefused   = errors.New("connection refused")
	ErrConnectTimeout   = errors.New("connect timeout")
	ErrTLSHandshake     = errors.New("tls handshake failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrHeartbeat        = errors.New("heartbeat timed out")
	ErrPoolClosed       = errors.New("pool closed")
)

// ConnOptions describe how to reach and initialise one server connection.
type ConnOptions struct {
	// Address is host:port.
	Address string

	TLSMode TLSMode
	RootCAs *x509.CertPool

	ConnectTimeout time.Duration

	// WriteTimeout bounds each flush to the socket. A peer that stops
	// reading fails the connection after this long. Defaults to the
	// connect timeout.
	WriteTimeout time.Duration

	Username string
	Password string

	Protocol   Protocol
	ClientName string
	DatabaseID int

	// ReadOnly sends READONLY after the handshake, for cluster replicas.
	ReadOnly bool

	// ReadAZ asks the server for its availability zone when HELLO did not
	// report one.
	ReadAZ bool

	// HeartbeatInterval is the idle time after which a PING is sent.
	// Zero or negative disables heartbeats.
	HeartbeatInterval time.Duration

	Logger hclog.Logger

	// OnDead is called once, from the goroutine that observed the failure,
	// when the connection stops being usable.
	OnDead func(*Conn, error)
}

func (o ConnOptions) logger() hclog.Logger {
	if o.Logger == nil {
		return hclog.NewNullLogger()
	}
	return o.Logger
}

func (o ConnOptions) connectTimeout() time.Duration {
	if o.ConnectTimeout <= 0 {
		return 250 * time.Millisecond
	}
	return o.ConnectTimeout
}

func (o ConnOptions) writeTimeout() time.Duration {
	if o.WriteTimeout <= 0 {
		return o.connectTimeout()
	}
	return o.WriteTimeout
}

// PoolOptions configure the connections kept for one node.
type PoolOptions struct {
	Conn ConnOptions

	// Size is the number of connections, at least one.
	Size int

	// Multiplexed pools share each connection between callers. Otherwise a
	// connection is held exclusively between Acquire and Release.
	Multiplexed bool

	Reconnect Backoff

	Logger hclog.Logger

	// OnConnDead is told about every connection the pool loses.
	OnConnDead func(addr string, err error)
}
