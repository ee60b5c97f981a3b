package store

import "github.com/btcsuite/btclog"

// log is the package-level logger, disabled until wired by the daemon.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
