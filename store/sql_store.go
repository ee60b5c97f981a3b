package store

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lightningnetwork/lnd/lnwire"

	_ "github.com/lib/pq"  // registers the postgres driver
	_ "modernc.org/sqlite" // registers the sqlite driver

	"github.com/lightninglabs/trampolinerelay/relay"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// rebind translates the postgres-style $N placeholders our queries are
// written with into the ? placeholders sqlite expects.
func rebind(driver, query string) string {
	if driver != DriverSqlite {
		return query
	}

	for i := 9; i >= 1; i-- {
		query = strings.ReplaceAll(
			query, fmt.Sprintf("$%d", i), "?",
		)
	}

	return query
}

const (
	// DriverPostgres selects the lib/pq postgres driver.
	DriverPostgres = "postgres"

	// DriverSqlite selects the modernc sqlite driver.
	DriverSqlite = "sqlite"
)

// SQLStore implements relay.PendingCommandStore on a SQL database.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens the database behind driver/dsn and applies any pending
// schema migrations.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open %v database: %w",
			driver, err)
	}

	if err := migrateUp(driver, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// migrateUp applies the embedded migrations.
func migrateUp(driver string, db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("unable to load migrations: %w", err)
	}

	var target database.Driver
	switch driver {
	case DriverPostgres:
		target, err = migratepg.WithInstance(
			db, &migratepg.Config{},
		)

	case DriverSqlite:
		target, err = migratesqlite.WithInstance(
			db, &migratesqlite.Config{},
		)

	default:
		return fmt.Errorf("unknown sql driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("unable to create migration driver: %w",
			err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, target)
	if err != nil {
		return fmt.Errorf("unable to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("unable to apply migrations: %w", err)
	}

	return nil
}

// SafeSendFulfill persists the command, hands it to the register, and
// removes the row once acknowledged.
func (s *SQLStore) SafeSendFulfill(reg relay.Register,
	cmd relay.FulfillHtlcCmd) error {

	command := &PendingCommand{
		ChannelID: cmd.ChannelID,
		HtlcID:    cmd.HtlcID,
		kind:      kindFulfill,
		preimage:  cmd.Preimage,
	}

	return s.safeSend(reg, command)
}

// SafeSendFail persists the command, hands it to the register, and removes
// the row once acknowledged.
func (s *SQLStore) SafeSendFail(reg relay.Register,
	cmd relay.FailHtlcCmd) error {

	command := &PendingCommand{
		ChannelID: cmd.ChannelID,
		HtlcID:    cmd.HtlcID,
		kind:      kindFail,
		failure:   cmd.Reason,
	}

	return s.safeSend(reg, command)
}

func (s *SQLStore) safeSend(reg relay.Register,
	command *PendingCommand) error {

	if err := s.persist(command); err != nil {
		return fmt.Errorf("unable to persist settlement command: %w",
			err)
	}

	if err := command.send(reg); err != nil {
		// Not acknowledged: the row stays for replay.
		return fmt.Errorf("settlement command for htlc %d on %v "+
			"persisted but not acknowledged: %w", command.HtlcID,
			command.ChannelID, err)
	}

	return s.ack(command.ChannelID, command.HtlcID)
}

func (s *SQLStore) persist(command *PendingCommand) error {
	var (
		preimage    sql.NullString
		failureCode sql.NullInt32
		failureDesc sql.NullString
	)

	switch command.kind {
	case kindFulfill:
		preimage.Valid = true
		preimage.String = hex.EncodeToString(command.preimage[:])

	case kindFail:
		failureCode.Valid = true
		failureCode.Int32 = int32(command.failure.Code())
		failureDesc.Valid = true
		failureDesc.String = command.failure.Error()
	}

	_, err := s.db.Exec(rebind(s.driver, `
		INSERT INTO pending_settlement_commands
			(channel_id, htlc_id, kind, preimage, failure_code,
			 failure_desc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (channel_id, htlc_id) DO UPDATE SET
			kind = excluded.kind,
			preimage = excluded.preimage,
			failure_code = excluded.failure_code,
			failure_desc = excluded.failure_desc`),
		int64(command.ChannelID.ToUint64()), int64(command.HtlcID),
		int16(command.kind), preimage, failureCode, failureDesc,
		time.Now().Unix(),
	)

	return err
}

func (s *SQLStore) ack(channelID lnwire.ShortChannelID, htlcID uint64) error {
	_, err := s.db.Exec(rebind(s.driver, `
		DELETE FROM pending_settlement_commands
		WHERE channel_id = $1 AND htlc_id = $2`),
		int64(channelID.ToUint64()), int64(htlcID),
	)

	return err
}

// Pending lists all unacknowledged commands.
func (s *SQLStore) Pending() ([]*PendingCommand, error) {
	rows, err := s.db.Query(`
		SELECT channel_id, htlc_id, kind, preimage, failure_code,
		       failure_desc
		FROM pending_settlement_commands
		ORDER BY channel_id, htlc_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []*PendingCommand
	for rows.Next() {
		var (
			channelID   int64
			htlcID      int64
			kind        int16
			preimage    sql.NullString
			failureCode sql.NullInt32
			failureDesc sql.NullString
		)

		err := rows.Scan(
			&channelID, &htlcID, &kind, &preimage, &failureCode,
			&failureDesc,
		)
		if err != nil {
			return nil, err
		}

		command := &PendingCommand{
			ChannelID: lnwire.NewShortChanIDFromInt(
				uint64(channelID),
			),
			HtlcID: uint64(htlcID),
			kind:   commandKind(kind),
		}

		switch command.kind {
		case kindFulfill:
			raw, err := hex.DecodeString(preimage.String)
			if err != nil {
				return nil, fmt.Errorf("invalid persisted "+
					"preimage: %w", err)
			}
			copy(command.preimage[:], raw)

		case kindFail:
			command.failure = &storedFailure{
				code: lnwire.FailCode(failureCode.Int32),
				desc: failureDesc.String,
			}

		default:
			return nil, fmt.Errorf("unknown persisted command "+
				"kind %d", kind)
		}

		commands = append(commands, command)
	}

	return commands, rows.Err()
}

// ResendAll replays every unacknowledged command against the register,
// removing the ones it acknowledges.
func (s *SQLStore) ResendAll(reg relay.Register) error {
	commands, err := s.Pending()
	if err != nil {
		return err
	}

	for _, command := range commands {
		if err := command.send(reg); err != nil {
			log.Warnf("replayed settlement command for htlc %d "+
				"on %v not acknowledged: %v", command.HtlcID,
				command.ChannelID, err)
			continue
		}

		if err := s.ack(command.ChannelID, command.HtlcID); err != nil {
			return err
		}
	}

	log.Infof("replayed %d pending settlement command(s)", len(commands))

	return nil
}
