package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Config defines logging configuration for balsam processes.
type Config struct {
	// Log level, e.g. info, debug
	Level string
	// Logging format, either text or json
	Format string
}

func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return errors.WithStack(err)
	}
	if !validLogFormats[strings.ToLower(c.Format)] {
		formats := maps.Keys(validLogFormats)
		slices.Sort(formats)
		return errors.Errorf("unknown log format %q, valid formats are %s", c.Format, strings.Join(formats, ", "))
	}
	return nil
}

// ConfigureLogging sets up the standard logger with defaults suitable for running from a terminal.
// Called before configuration has been loaded.
func ConfigureLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	logrus.SetOutput(os.Stdout)
}

// Configure applies the loaded logging configuration to the standard logger.
func Configure(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	level, _ := logrus.ParseLevel(c.Level)
	logrus.SetLevel(level)
	if strings.ToLower(c.Format) == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: RFC3339Milli})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli})
	}
	return nil
}

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"
