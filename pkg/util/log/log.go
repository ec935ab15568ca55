package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is a shared go-kit logger. Components should prefer a logger passed
// through their constructor; this exists for paths that predate that.
var Logger = kitlog.NewNopLogger()

// InitLogger builds the global logger from string settings. An empty format
// falls back to logfmt, an empty level to info.
func InitLogger(format, lvl string) (kitlog.Logger, error) {
	if format == "" {
		format = dslog.LogfmtFormat
	}
	if lvl == "" {
		lvl = "info"
	}

	var logLevel dslog.Level
	if err := logLevel.Set(lvl); err != nil {
		return nil, err
	}

	logger := dslog.NewGoKitWithWriter(format, kitlog.NewSyncWriter(os.Stderr))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// Must put the level filter last for efficiency.
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger, nil
}
