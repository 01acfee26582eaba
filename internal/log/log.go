// Package log configures the process-wide logging backend. Packages
// obtain their own module logger with logging.MustGetLogger and this
// package decides where and how the records land.
package log

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/op/go-logging.v1"
)

var format = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
)

// Setup installs a formatted stderr backend at the requested level for
// all modules.
func Setup(level string) error {
	lvl, err := logging.LogLevel(strings.ToUpper(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}
