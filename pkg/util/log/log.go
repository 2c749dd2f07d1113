// Package log holds the process-wide go-kit logger used by every
// traced component, initialized once from the server/CLI config.
package log

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the package-wide logger. It defaults to a logfmt logger at
// info level so that libraries and tests that never call InitLogger
// still produce readable output; InitLogger replaces it once the
// process config is known.
var Logger log.Logger = newDefault()

func newDefault() log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
	return level.NewFilter(l, level.AllowInfo())
}

// Level controls which severities InitLogger admits.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// InitLogger installs the process-wide Logger at the given level. Called
// once at process startup after the config has been parsed.
func InitLogger(lvl Level) {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))

	var option level.Option
	switch lvl {
	case LevelDebug:
		option = level.AllowDebug()
	case LevelWarn:
		option = level.AllowWarn()
	case LevelError:
		option = level.AllowError()
	default:
		option = level.AllowInfo()
	}

	Logger = level.NewFilter(l, option)
}
