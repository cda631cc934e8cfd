package glide

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jsp-lqk/metapipe-valkey/internal"
	"github.com/jsp-lqk/metapipe-valkey/resp"
)

var (
	ErrBusy                = errors.New("too many requests in flight")
	ErrTimeout             = errors.New("request timed out")
	ErrNotInBatch          = errors.New("no batch in progress")
	ErrBatchActive         = errors.New("a batch is already in progress")
	ErrTopologyUnavailable = errors.New("cluster topology unavailable")
	ErrClosed              = errors.New("client closed")
	ErrCrossSlot           = errors.New("keys in an atomic batch must hash to the same slot")
	ErrDoubleFree          = errors.New("command result already freed")
)

type ErrorKind int

const (
	KindConnect ErrorKind = iota
	KindIO
	KindProtocol
	KindTimeout
	KindRedirect
	KindServer
	KindBusy
	KindNotInBatch
	KindTopologyUnavailable
	KindClosed
	KindCrossSlot
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnect:
		return "ConnectError"
	case KindIO:
		return "IoError"
	case KindProtocol:
		return "Protocol"
	case KindTimeout:
		return "Timeout"
	case KindRedirect:
		return "Redirect"
	case KindServer:
		return "ServerError"
	case KindBusy:
		return "Busy"
	case KindNotInBatch:
		return "NotInBatch"
	case KindTopologyUnavailable:
		return "TopologyUnavailable"
	case KindClosed:
		return "Closed"
	case KindCrossSlot:
		return "CrossSlot"
	case KindConfig:
		return "Config"
	}
	return "ErrorKind(" + strconv.Itoa(int(k)) + ")"
}

// CommandError is the error half of a CommandResult.
type CommandError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	return e.Kind.String() + ": " + e.Message
}

func (e *CommandError) Unwrap() error { return e.Err }

// ServerError is an error reply sent by the server, such as
// "WRONGTYPE Operation against a key holding the wrong kind of value".
type ServerError string

func (e ServerError) Error() string { return string(e) }

// Prefix returns the first word of the message, which names the error
// class.
func (e ServerError) Prefix() string {
	s := string(e)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// RedirectError is a MOVED or ASK reply that could not be followed.
type RedirectError struct {
	Ask  bool
	Slot int
	Addr string
}

func (e *RedirectError) Error() string {
	kind := "MOVED"
	if e.Ask {
		kind = "ASK"
	}
	return fmt.Sprintf("%s %d %s", kind, e.Slot, e.Addr)
}

// parseRedirect reads "MOVED <slot> <host:port>" or "ASK <slot> <host:port>".
// An empty host means the host of the node that answered.
func parseRedirect(msg string, from string) (*RedirectError, bool) {
	f := strings.Fields(msg)
	if len(f) != 3 || (f[0] != "MOVED" && f[0] != "ASK") {
		return nil, false
	}
	slot, err := strconv.Atoi(f[1])
	if err != nil || slot < 0 || slot >= SlotCount {
		return nil, false
	}
	host, port, err := net.SplitHostPort(f[2])
	if err != nil {
		return nil, false
	}
	if host == "" {
		host, _, _ = net.SplitHostPort(from)
	}
	return &RedirectError{Ask: f[0] == "ASK", Slot: slot, Addr: net.JoinHostPort(host, port)}, true
}

// ConfigError reports an invalid ClientConfiguration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Field + ": " + e.Reason
}

// classify maps any error produced while executing a command onto the
// public error taxonomy.
func classify(err error) *CommandError {
	if err == nil {
		return nil
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce
	}
	kind := KindIO
	var se ServerError
	var re *RedirectError
	var cfgErr *ConfigError
	switch {
	case errors.As(err, &re):
		kind = KindRedirect
	case errors.As(err, &se):
		kind = KindServer
	case errors.As(err, &cfgErr):
		kind = KindConfig
	case errors.Is(err, ErrBusy):
		kind = KindBusy
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, resp.ErrProtocol):
		kind = KindProtocol
	case errors.Is(err, ErrNotInBatch), errors.Is(err, ErrBatchActive):
		kind = KindNotInBatch
	case errors.Is(err, ErrTopologyUnavailable):
		kind = KindTopologyUnavailable
	case errors.Is(err, ErrClosed):
		kind = KindClosed
	case errors.Is(err, ErrCrossSlot):
		kind = KindCrossSlot
	case errors.Is(err, internal.ErrConnectRefused),
		errors.Is(err, internal.ErrConnectTimeout),
		errors.Is(err, internal.ErrTLSHandshake),
		errors.Is(err, internal.ErrAuthFailed):
		kind = KindConnect
	}
	return &CommandError{Kind: kind, Message: err.Error(), Err: err}
}

// retryableServerError reports error classes that clear up on their own.
func retryableServerError(prefix string) bool {
	switch prefix {
	case "TRYAGAIN", "CLUSTERDOWN", "LOADING", "MASTERDOWN", "READONLY", "BUSY":
		return true
	}
	return false
}

// topologyServerError reports error classes that mean our view of the
// roles is stale.
func topologyServerError(prefix string) bool {
	switch prefix {
	case "CLUSTERDOWN", "MASTERDOWN", "READONLY":
		return true
	}
	return false
}

// transientIOError reports connection failures worth another attempt.
func transientIOError(err error) bool {
	return errors.Is(err, internal.ErrConnectionClosed) ||
		errors.Is(err, internal.ErrConnectRefused) ||
		errors.Is(err, internal.ErrConnectTimeout) ||
		errors.Is(err, internal.ErrPoolClosed)
}
