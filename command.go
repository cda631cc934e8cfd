package glide

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"
)

// Command is one request: a type from the request table plus the
// arguments that follow the command name. For CustomCommand, Args is the
// whole command line.
type Command struct {
	Type RequestType
	Args [][]byte
}

func NewCommand(t RequestType, args ...[]byte) *Command {
	return &Command{Type: t, Args: args}
}

// StringArgs converts string arguments.
func StringArgs(args ...string) [][]byte {
	out := make([][]byte, len(args))
	for i, a := range args {
		out[i] = []byte(a)
	}
	return out
}

// clone copies every argument so the command outlives the caller's
// buffers.
func (c *Command) clone() *Command {
	args := make([][]byte, len(c.Args))
	for i, a := range c.Args {
		args[i] = bytes.Clone(a)
	}
	return &Command{Type: c.Type, Args: args}
}

// withArgs is the same command over other arguments. A custom command
// naming a known request becomes that request.
func (c *Command) withArgs(args [][]byte) *Command {
	t := c.Type
	if t == CustomCommand {
		if t, _ = RequestTypeByName(c.Args); t == InvalidRequest {
			line := make([][]byte, 0, len(args)+1)
			if len(c.Args) > 0 {
				line = append(line, c.Args[0])
			}
			return &Command{Type: CustomCommand, Args: append(line, args...)}
		}
	}
	return &Command{Type: t, Args: args}
}

// lookup returns the request table entry and the arguments after the name.
func (c *Command) lookup() (requestInfo, [][]byte) {
	if c.Type != CustomCommand {
		return c.Type.info(), c.Args
	}
	t, n := RequestTypeByName(c.Args)
	if t == InvalidRequest {
		// unknown commands are routed by their first argument
		if len(c.Args) > 1 {
			return requestInfo{keys: key1}, c.Args[1:]
		}
		return requestInfo{keys: noKeys}, nil
	}
	return t.info(), c.Args[n:]
}

// Line is the full command line as sent to the server.
func (c *Command) Line() [][]byte {
	if c.Type == CustomCommand {
		return c.Args
	}
	info := c.Type.info()
	line := make([][]byte, 0, len(info.name)+len(c.Args))
	for _, n := range info.name {
		line = append(line, []byte(n))
	}
	return append(line, c.Args...)
}

func (c *Command) Name() string {
	if c.Type == CustomCommand {
		if len(c.Args) == 0 {
			return ""
		}
		return strings.ToUpper(string(c.Args[0]))
	}
	return c.Type.String()
}

func (c *Command) ReadOnly() bool {
	info, _ := c.lookup()
	return info.flags&readOnly != 0
}

// Keys returns the key arguments.
func (c *Command) Keys() [][]byte {
	info, args := c.lookup()
	return info.keys.extract(args)
}

func (ks keySpec) extract(args [][]byte) [][]byte {
	if ks.streams {
		for i, a := range args {
			if strings.EqualFold(string(a), "STREAMS") {
				rest := args[i+1:]
				return rest[:len(rest)/2]
			}
		}
		return nil
	}
	var out [][]byte
	if ks.counted {
		if ks.first >= 0 && ks.first < len(args) && ks.first < ks.numKeysAt {
			out = append(out, args[ks.first])
		}
		if ks.numKeysAt >= len(args) {
			return out
		}
		n, err := strconv.Atoi(string(args[ks.numKeysAt]))
		if err != nil || n < 0 {
			return out
		}
		start := ks.numKeysAt + 1
		n = min(n, len(args)-start)
		return append(out, args[start:start+n]...)
	}
	if ks.first < 0 || ks.first >= len(args) {
		return nil
	}
	last := ks.last
	if last < 0 {
		last += len(args)
	}
	last = min(last, len(args)-1)
	step := max(ks.step, 1)
	for i := ks.first; i <= last; i += step {
		out = append(out, args[i])
	}
	return out
}

// Server side timeouts beyond what a time.Duration holds are treated as
// blocking forever.
const (
	maxBlockMillis  = int64(math.MaxInt64 / time.Millisecond)
	maxBlockSeconds = float64(math.MaxInt64 / time.Second)
)

// blockingTimeout reports whether the command blocks server side and for
// how long. Zero means forever.
func (c *Command) blockingTimeout() (time.Duration, bool) {
	info, args := c.lookup()
	var raw []byte
	switch info.block {
	case notBlocking:
		return 0, false
	case blockLastArg:
		if len(args) > 0 {
			raw = args[len(args)-1]
		}
	case blockFirstArg:
		if len(args) > 0 {
			raw = args[0]
		}
	case blockOption:
		for i := 0; i+1 < len(args); i++ {
			if strings.EqualFold(string(args[i]), "BLOCK") {
				ms, err := strconv.ParseInt(string(args[i+1]), 10, 64)
				if err != nil || ms < 0 || ms > maxBlockMillis {
					return 0, true
				}
				return time.Duration(ms) * time.Millisecond, true
			}
		}
		return 0, false
	}
	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || secs <= 0 || secs >= maxBlockSeconds || math.IsNaN(secs) {
		return 0, true
	}
	return time.Duration(secs * float64(time.Second)), true
}
