package glide

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

type LogLevel string

const (
	LogError LogLevel = "error"
	LogWarn  LogLevel = "warn"
	LogInfo  LogLevel = "info"
	LogDebug LogLevel = "debug"
	LogTrace LogLevel = "trace"
	LogOff   LogLevel = "off"
)

// LoggerConfig selects the client's log level and destination. An empty
// Level means warn; an empty File logs to stderr.
type LoggerConfig struct {
	Level LogLevel `mapstructure:"level"`
	File  string   `mapstructure:"file"`

	// Logger, when set, is used as is and the other fields are ignored.
	Logger hclog.Logger `mapstructure:"-"`
}

func (lc LoggerConfig) level() (hclog.Level, error) {
	if lc.Level == "" {
		return hclog.Warn, nil
	}
	l := hclog.LevelFromString(strings.ToLower(string(lc.Level)))
	if l == hclog.NoLevel {
		return l, &ConfigError{Field: "Logger.Level", Reason: fmt.Sprintf("unknown level %q", lc.Level)}
	}
	return l, nil
}

// build creates the logger a client owns. The returned closer releases
// the log file, if any.
func (lc LoggerConfig) build() (hclog.Logger, io.Closer, error) {
	if lc.Logger != nil {
		return lc.Logger, nil, nil
	}
	level, err := lc.level()
	if err != nil {
		return nil, nil, err
	}
	if level == hclog.Off {
		return hclog.NewNullLogger(), nil, nil
	}
	var out io.Writer = os.Stderr
	var closer io.Closer
	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out, closer = f, f
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "glide",
		Level:  level,
		Output: out,
		Color:  hclog.ColorOff,
	}), closer, nil
}
