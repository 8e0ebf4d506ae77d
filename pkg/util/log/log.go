package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the global logger for the process. It defaults to logfmt on
// stderr until InitLogger is called with the configured level.
var Logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))

// InitLogger replaces the global logger honoring the requested level.
// Accepted levels are debug, info, warn and error; anything else means info.
func InitLogger(logLevel string) {
	l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))

	var opt level.Option
	switch logLevel {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}

	l = level.NewFilter(l, opt)
	Logger = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC)
}
