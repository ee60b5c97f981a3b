// trampolinerelayd hosts the durable side of the trampoline relay
// subsystem: it owns the pending settlement command store, reports at
// startup how many commands still await register acknowledgement, and
// serves the subsystem's prometheus collectors. It has no channel register
// of its own and does not replay those commands. The relay core itself is embedded
// by the node through the relay package, wired to this process's store and
// metrics.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightninglabs/trampolinerelay/config"
	"github.com/lightninglabs/trampolinerelay/metrics"
	"github.com/lightninglabs/trampolinerelay/relay"
	"github.com/lightninglabs/trampolinerelay/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trampolinerelayd: %v\n", err)
		os.Exit(1)
	}
}

// pendingStore is the union of the two store backends' surfaces the daemon
// relies on.
type pendingStore interface {
	relay.PendingCommandStore

	Pending() ([]*store.PendingCommand, error)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cleanupLogging, err := setupLogging(cfg.LogFile(), cfg.DebugLevel)
	if err != nil {
		return err
	}
	defer cleanupLogging()

	log.Infof("trampolinerelayd starting, db backend %v",
		cfg.DB.Backend)

	commands, cleanupStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanupStore()

	pending, err := commands.Pending()
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		log.Warnf("%d settlement command(s) await register "+
			"acknowledgement", len(pending))
	}

	registry := prometheus.NewRegistry()
	if _, err := metrics.New(registry); err != nil {
		return fmt.Errorf("unable to register metrics: %w", err)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			registry, promhttp.HandlerOpts{},
		))

		server := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: mux,
		}
		go func() {
			log.Infof("serving metrics on %v", cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil &&
				err != http.ErrServerClosed {

				log.Errorf("metrics server: %v", err)
			}
		}()
		defer server.Close()
	}

	if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		log.Debugf("systemd notify: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown

	log.Infof("received %v, shutting down", sig)

	return nil
}

// openStore opens the configured pending-commands backend.
func openStore(cfg *config.Config) (pendingStore, func(), error) {
	switch cfg.DB.Backend {
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, nil, fmt.Errorf("unable to create data "+
				"dir: %w", err)
		}

		backend, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
			DBPath:     cfg.DataDir,
			DBFileName: "pendingcommands.db",
			DBTimeout:  10 * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("unable to open bolt "+
				"backend: %w", err)
		}

		commands, err := store.NewKVStore(backend)
		if err != nil {
			backend.Close()
			return nil, nil, err
		}

		return commands, func() {
			backend.Close()
		}, nil

	case "sqlite":
		commands, err := store.NewSQLStore(
			store.DriverSqlite, cfg.DB.Sqlite.DSN,
		)
		if err != nil {
			return nil, nil, err
		}

		return commands, func() {
			commands.Close()
		}, nil

	case "postgres":
		commands, err := store.NewSQLStore(
			store.DriverPostgres, cfg.DB.Postgres.DSN,
		)
		if err != nil {
			return nil, nil, err
		}

		return commands, func() {
			commands.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown db backend %q",
			cfg.DB.Backend)
	}
}
