package relay

import "github.com/btcsuite/btclog"

// log is the package-level logger used by the relay state machine. It is
// disabled by default; callers wire it up via UseLogger the same way every
// lnd subsystem does.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
