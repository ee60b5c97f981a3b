package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/lightninglabs/trampolinerelay/relay"
)

// pendingCommandsBucket holds one record per unacknowledged settlement
// command, keyed by (channel id, htlc id).
var pendingCommandsBucket = []byte("pending-settlement-commands")

// KVStore implements relay.PendingCommandStore on an embedded kvdb backend.
type KVStore struct {
	db kvdb.Backend
}

// NewKVStore opens the store on the given backend, creating its bucket if
// needed.
func NewKVStore(db kvdb.Backend) (*KVStore, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(pendingCommandsBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create pending commands "+
			"bucket: %w", err)
	}

	return &KVStore{db: db}, nil
}

// SafeSendFulfill persists the command, hands it to the register, and
// removes the record once the register acknowledges it. On a register
// error the record stays behind for replay.
func (s *KVStore) SafeSendFulfill(reg relay.Register,
	cmd relay.FulfillHtlcCmd) error {

	record, err := encodeFulfill(cmd)
	if err != nil {
		return err
	}

	return s.safeSend(reg, cmd.ChannelID, cmd.HtlcID, record)
}

// SafeSendFail persists the command, hands it to the register, and removes
// the record once acknowledged.
func (s *KVStore) SafeSendFail(reg relay.Register,
	cmd relay.FailHtlcCmd) error {

	record, err := encodeFail(cmd)
	if err != nil {
		return err
	}

	return s.safeSend(reg, cmd.ChannelID, cmd.HtlcID, record)
}

func (s *KVStore) safeSend(reg relay.Register,
	channelID lnwire.ShortChannelID, htlcID uint64,
	record []byte) error {

	key := commandKey(channelID, htlcID)

	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		return tx.ReadWriteBucket(pendingCommandsBucket).Put(
			key, record,
		)
	}, func() {})
	if err != nil {
		return fmt.Errorf("unable to persist settlement command: %w",
			err)
	}

	command, err := decodeCommand(key, record)
	if err != nil {
		return err
	}

	if err := command.send(reg); err != nil {
		// Not acknowledged: the record stays for replay.
		return fmt.Errorf("settlement command for htlc %d on %v "+
			"persisted but not acknowledged: %w", htlcID,
			channelID, err)
	}

	return s.ack(key)
}

// ack removes an acknowledged command.
func (s *KVStore) ack(key []byte) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		return tx.ReadWriteBucket(pendingCommandsBucket).Delete(key)
	}, func() {})
}

// Pending lists all unacknowledged commands.
func (s *KVStore) Pending() ([]*PendingCommand, error) {
	var commands []*PendingCommand

	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(pendingCommandsBucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(key, value []byte) error {
			command, err := decodeCommand(key, value)
			if err != nil {
				return err
			}

			commands = append(commands, command)
			return nil
		})
	}, func() {
		commands = nil
	})
	if err != nil {
		return nil, err
	}

	return commands, nil
}

// ResendAll replays every unacknowledged command against the register,
// removing the ones it acknowledges. Commands the register still rejects
// stay behind for the next replay.
func (s *KVStore) ResendAll(reg relay.Register) error {
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

		key := commandKey(command.ChannelID, command.HtlcID)
		if err := s.ack(key); err != nil {
			return err
		}
	}

	log.Infof("replayed %d pending settlement command(s)", len(commands))

	return nil
}

// commandKey is channel id || htlc id, both big endian.
func commandKey(channelID lnwire.ShortChannelID, htlcID uint64) []byte {
	var key [16]byte
	binary.BigEndian.PutUint64(key[:8], channelID.ToUint64())
	binary.BigEndian.PutUint64(key[8:], htlcID)

	return key[:]
}

// encodeFulfill serializes a fulfill command's value record.
func encodeFulfill(cmd relay.FulfillHtlcCmd) ([]byte, error) {
	var b bytes.Buffer
	if err := b.WriteByte(byte(kindFulfill)); err != nil {
		return nil, err
	}
	if _, err := b.Write(cmd.Preimage[:]); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// encodeFail serializes a fail command's value record: the wire code plus
// the length-prefixed description.
func encodeFail(cmd relay.FailHtlcCmd) ([]byte, error) {
	var b bytes.Buffer
	if err := b.WriteByte(byte(kindFail)); err != nil {
		return nil, err
	}

	err := binary.Write(&b, binary.BigEndian, uint16(cmd.Reason.Code()))
	if err != nil {
		return nil, err
	}

	desc := []byte(cmd.Reason.Error())
	err = binary.Write(&b, binary.BigEndian, uint16(len(desc)))
	if err != nil {
		return nil, err
	}
	if _, err := b.Write(desc); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeCommand reconstructs a pending command from its key and value.
func decodeCommand(key, value []byte) (*PendingCommand, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("invalid command key length %d",
			len(key))
	}

	command := &PendingCommand{
		ChannelID: lnwire.NewShortChanIDFromInt(
			binary.BigEndian.Uint64(key[:8]),
		),
		HtlcID: binary.BigEndian.Uint64(key[8:]),
	}

	r := bytes.NewReader(value)

	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	command.kind = commandKind(kind)

	switch command.kind {
	case kindFulfill:
		if _, err := io.ReadFull(r, command.preimage[:]); err != nil {
			return nil, err
		}

	case kindFail:
		var code uint16
		if err := binary.Read(r, binary.BigEndian, &code); err != nil {
			return nil, err
		}

		var descLen uint16
		err := binary.Read(r, binary.BigEndian, &descLen)
		if err != nil {
			return nil, err
		}

		desc := make([]byte, descLen)
		if _, err := io.ReadFull(r, desc); err != nil {
			return nil, err
		}

		command.failure = &storedFailure{
			code: lnwire.FailCode(code),
			desc: string(desc),
		}

	default:
		return nil, fmt.Errorf("unknown persisted command kind %d",
			kind)
	}

	return command, nil
}
