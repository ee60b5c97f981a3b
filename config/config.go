// Package config holds the node-level configuration of the trampoline relay
// daemon, parsed from command line flags and defaults.
package config

import (
	"fmt"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

const (
	// DefaultMaxPaymentAttempts bounds outbound executor retries.
	DefaultMaxPaymentAttempts = 5

	// DefaultChannelExpiryDelta is the minimum cltv delta between the
	// incoming and outgoing expiry of a relayed payment.
	DefaultChannelExpiryDelta = 144

	// DefaultAsyncHoldBlocks is the maximum async-payment hold window.
	DefaultAsyncHoldBlocks = 1008

	// DefaultAsyncCancelSafetyDelta is the number of blocks before the
	// upstream expiry at which a held async payment is canceled, leaving
	// room to fail back in time.
	DefaultAsyncCancelSafetyDelta = 144

	// DefaultBaseFeeMsat is the default flat trampoline fee.
	DefaultBaseFeeMsat = 1000

	// DefaultFeeRatePpm is the default proportional trampoline fee in
	// parts per million.
	DefaultFeeRatePpm = 100

	defaultDataDirname = "data"
	defaultLogDirname  = "logs"
	defaultLogFilename = "trampolinerelayd.log"
)

// Fees configures the trampoline fee schedule this hop enforces.
type Fees struct {
	BaseFeeMsat uint64 `long:"basefeemsat" description:"The flat fee in millisatoshi charged for every relayed payment."`
	FeeRatePpm  uint32 `long:"feerateppm" description:"The proportional fee in parts per million of the forwarded amount."`
}

// Protocol houses optional protocol features of the relay.
type Protocol struct {
	AsyncPayments bool `long:"async-payments" description:"Advertise the async payment feature and hold async trampoline payments until the recipient is reachable."`
}

// AdvertisesAsyncPayments returns true if the async payment feature should
// be advertised.
func (p Protocol) AdvertisesAsyncPayments() bool {
	return p.AsyncPayments
}

// DB selects and configures the pending-commands storage backend.
type DB struct {
	Backend string `long:"backend" description:"The database backend for pending settlement commands." choice:"bolt" choice:"sqlite" choice:"postgres"`

	Sqlite struct {
		DSN string `long:"dsn" description:"The sqlite connection string."`
	} `group:"sqlite" namespace:"sqlite"`

	Postgres struct {
		DSN string `long:"dsn" description:"The postgres connection string."`
	} `group:"postgres" namespace:"postgres"`
}

// Config is the top-level daemon configuration.
type Config struct {
	DataDir    string `long:"datadir" description:"The directory to store the embedded database in."`
	LogDir     string `long:"logdir" description:"The directory to write log files to."`
	DebugLevel string `long:"debuglevel" description:"Logging level (trace, debug, info, warn, error, critical)."`

	MetricsAddr string `long:"metricsaddr" description:"The address to serve prometheus metrics on. Empty disables the listener."`

	MaxPaymentAttempts     int    `long:"maxpaymentattempts" description:"The maximum number of attempts for an outgoing relayed payment."`
	ChannelExpiryDelta     uint32 `long:"channelexpirydelta" description:"The minimum cltv delta required between incoming and outgoing expiry."`
	AsyncHoldBlocks        uint32 `long:"asyncholdblocks" description:"The maximum number of blocks an async payment is held."`
	AsyncCancelSafetyDelta uint32 `long:"asynccancelsafetydelta" description:"The number of blocks before the upstream expiry at which a held async payment is canceled."`

	Fees     Fees     `group:"fees" namespace:"fees"`
	Protocol Protocol `group:"protocol" namespace:"protocol"`
	DB       DB       `group:"db" namespace:"db"`
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:                defaultDataDirname,
		LogDir:                 defaultLogDirname,
		DebugLevel:             "info",
		MetricsAddr:            "localhost:9735",
		MaxPaymentAttempts:     DefaultMaxPaymentAttempts,
		ChannelExpiryDelta:     DefaultChannelExpiryDelta,
		AsyncHoldBlocks:        DefaultAsyncHoldBlocks,
		AsyncCancelSafetyDelta: DefaultAsyncCancelSafetyDelta,
		Fees: Fees{
			BaseFeeMsat: DefaultBaseFeeMsat,
			FeeRatePpm:  DefaultFeeRatePpm,
		},
		DB: DB{
			Backend: "bolt",
		},
	}
}

// Load parses command line flags over the defaults and validates the
// result.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects inconsistent configurations.
func (c *Config) Validate() error {
	if c.MaxPaymentAttempts < 1 {
		return fmt.Errorf("maxpaymentattempts must be positive")
	}

	if c.ChannelExpiryDelta == 0 {
		return fmt.Errorf("channelexpirydelta must be positive")
	}

	switch c.DB.Backend {
	case "bolt":

	case "sqlite":
		if c.DB.Sqlite.DSN == "" {
			return fmt.Errorf("db.sqlite.dsn is required for " +
				"the sqlite backend")
		}

	case "postgres":
		if c.DB.Postgres.DSN == "" {
			return fmt.Errorf("db.postgres.dsn is required for " +
				"the postgres backend")
		}

	default:
		return fmt.Errorf("unknown db backend %q", c.DB.Backend)
	}

	return nil
}

// LogFile returns the daemon's log file path.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}
