// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup sets the global level and formatter. format is "json" or "text".
func Setup(level, format string) error {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

// For returns a logger tagged with the component name.
func For(component string) *log.Entry {
	return log.WithField("component", component)
}

// StdLogger bridges a stdlib *log.Logger onto logrus at info level, for
// libraries that only accept the stdlib type.
func StdLogger(component string) *stdlog.Logger {
	return stdlog.New(For(component).WriterLevel(log.InfoLevel), "", 0)
}
