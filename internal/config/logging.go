// Package config holds the flag-parsing conventions shared by the three
// command entrypoints, so each binary's main() stays a thin
// parse-build-run-log shell like the teacher's own loadConfig().
package config

import "gbnxfer/pkg/logger"

// ApplyLogFlags maps a binary's --log-level/--log-json flag values onto
// the shared logger, used identically by cmd/mediator, cmd/sender, and
// cmd/receiver.
func ApplyLogFlags(level string, json bool) {
	switch level {
	case "debug":
		logger.SetLevel(logger.LevelDebug)
	case "warn":
		logger.SetLevel(logger.LevelWarn)
	case "error":
		logger.SetLevel(logger.LevelError)
	default:
		logger.SetLevel(logger.LevelInfo)
	}
	logger.SetJSON(json)
}
