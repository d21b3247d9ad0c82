package logging

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger. format is one of
// "text", "json" or "color".
func Setup(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)

	switch format {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "color":
		f := NewColoredFormatter()
		f.DisableColors = color.NoColor
		logrus.SetFormatter(f)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}
