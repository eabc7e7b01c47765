// Package log configures the process-wide structured logger.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var base zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Configure sets the global level from LOG_LEVEL/DEBUG, mirroring the
// original settings.py precedence: DEBUG=True forces debug level regardless
// of LOG_LEVEL.
func Configure(levelName string, debug bool) {
	level := zerolog.WarnLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(levelName)); err == nil {
		level = parsed
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// SetOutput redirects the base logger's writer; used by tests to capture
// output instead of writing to stdout.
func SetOutput(w io.Writer) {
	base = zerolog.New(w).With().Timestamp().Logger()
}

// Base returns the package-level logger. Request-scoped fields are attached
// via With() on top of this, never by mutating it.
func Base() *zerolog.Logger {
	return &base
}

// ProcessVersion is stamped into every access-log record's IpFilterVersion
// field (original_source/asim_formatter.py's get_package_version). main may
// overwrite it at startup; the default "dev" is fine for tests.
var ProcessVersion = "dev"
