package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/lightninglabs/trampolinerelay/relay"
	"github.com/lightninglabs/trampolinerelay/store"
)

// log is the daemon's own logger, wired in setupLogging.
var log btclog.Logger = btclog.Disabled

// setupLogging builds one logging backend writing to stdout and a rotating
// log file, and hands per-subsystem loggers to every package that logs.
func setupLogging(logFile, level string) (func(), error) {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create log dir: %w", err)
	}

	logRotator, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return nil, fmt.Errorf("unable to create log rotator: %w",
			err)
	}

	pr, pw := io.Pipe()
	go logRotator.Run(pr)

	backend := btclog.NewBackend(io.MultiWriter(os.Stdout, pw))

	logLevel, ok := btclog.LevelFromString(level)
	if !ok {
		logRotator.Close()
		return nil, fmt.Errorf("invalid debug level %q", level)
	}

	newLogger := func(tag string) btclog.Logger {
		logger := backend.Logger(tag)
		logger.SetLevel(logLevel)
		return logger
	}

	log = newLogger("TRLD")
	relay.UseLogger(newLogger("RLAY"))
	store.UseLogger(newLogger("STOR"))

	return func() {
		logRotator.Close()
	}, nil
}
