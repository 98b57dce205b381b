package main

import (
	"os"

	"github.com/troupe-dev/troupe/pkg/logger"
)

const (
	// LogLevelEnvVar overrides the log level when no CLI flag is given.
	LogLevelEnvVar = "TROUPE_LOG_LEVEL"
	// LogFileEnvVar overrides the log file when no CLI flag is given.
	LogFileEnvVar = "TROUPE_LOG_FILE"
)

// initLogger wires slog from CLI flags and environment variables.
// Priority: CLI flags > env vars > defaults.
func initLogger(cliLevel, cliFile, cliFormat string) (func(), error) {
	levelName := cliLevel
	if levelName == "" {
		levelName = os.Getenv(LogLevelEnvVar)
	}

	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}

	logFile := cliFile
	if logFile == "" {
		logFile = os.Getenv(LogFileEnvVar)
	}

	output := os.Stderr
	var cleanup func()
	if logFile != "" {
		file, cleanupFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, err
		}
		output = file
		cleanup = cleanupFn
	}

	logger.Init(level, output, cliFormat)
	return cleanup, nil
}
