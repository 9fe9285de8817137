// Package logging builds the shared logrus.Logger used across the Master,
// chunkserver and client binaries.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// componentHook stamps every entry with a fixed "component" field, since
// logrus.Logger itself has no notion of permanent fields.
type componentHook struct{ component string }

func (h componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h componentHook) Fire(e *logrus.Entry) error {
	e.Data["component"] = h.component
	return nil
}

// New returns a text-formatted logger writing to stderr at the given
// level ("debug", "info", "warn", "error"; invalid values fall back to
// info), with every entry tagged with component.
func New(component, level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.AddHook(componentHook{component: component})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}
