// Package log owns the process-wide hclog root. Components receive
// named sub-loggers from it instead of constructing their own.
package log

import (
	"github.com/hashicorp/go-hclog"
)

var root hclog.Logger = hclog.Default()

// Init configures the root logger. level accepts the hclog level names
// (trace, debug, info, warn, error); anything unparseable means info.
func Init(name string, level string, jsonFormat bool) {
	root = hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(level),
		JSONFormat: jsonFormat,
	})
	hclog.SetDefault(root)
}

// Base returns the root logger.
func Base() hclog.Logger {
	return root
}

// Named returns a child of the root logger with the given name.
func Named(name string) hclog.Logger {
	return root.Named(name)
}
