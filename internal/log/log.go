// Package log sets up the process-wide logrus logger the way dendrite does:
// stdemuxerhook splits level-based output between stdout and stderr, and an
// optional file hook rolls daily logs via dugong.
package log

import (
	"os"
	"strings"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"
)

// Config mirrors the logging section of setup/config.
type Config struct {
	Level     string // "trace","debug","info","warn","error"
	Dir       string // if non-empty, dugong rolls daily files here
	Component string // attached to every entry as "component"
}

// Setup installs the demuxer hook and, if configured, the rolling-file hook
// on logrus's standard logger, and returns a component-scoped entry.
func Setup(cfg Config) *logrus.Entry {
	logrus.SetOutput(os.Stdout)
	logrus.AddHook(stdemuxerhook.NewHook(logrus.StandardLogger()))

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if cfg.Dir != "" {
		logrus.AddHook(dugong.NewFSHook(
			cfg.Dir+"/grapevine.log",
			&logrus.TextFormatter{DisableColors: true, FullTimestamp: true},
			&dugong.DailyRotationScheme{},
		))
	}

	entry := logrus.NewEntry(logrus.StandardLogger())
	if cfg.Component != "" {
		entry = entry.WithField("component", cfg.Component)
	}
	return entry
}
