package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"

	"github.com/lightninglabs/trampolinerelay/relay"
	"github.com/lightninglabs/trampolinerelay/relay/relaytest"
)

// newTestSQLStore opens a SQLStore on a throwaway sqlite database.
func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:%s", filepath.Join(t.TempDir(), "pending.db"),
	)

	store, err := NewSQLStore(DriverSqlite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

// TestSQLStoreSafeSend mirrors the kv contract on the sql backend.
func TestSQLStoreSafeSend(t *testing.T) {
	t.Parallel()

	store := newTestSQLStore(t)
	register := relaytest.NewRegister()

	fulfill := relay.FulfillHtlcCmd{
		ChannelID: lnwire.NewShortChanIDFromInt(1),
		HtlcID:    7,
		Preimage:  lntypes.Preimage{0x01},
		Commit:    true,
	}
	require.NoError(t, store.SafeSendFulfill(register, fulfill))

	require.Len(t, register.Fulfills(), 1)
	require.Equal(t, lntypes.Preimage{0x01},
		register.Fulfills()[0].Preimage)

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

// TestSQLStoreReplay checks replay of rejected commands, including the
// preimage surviving the round trip.
func TestSQLStoreReplay(t *testing.T) {
	t.Parallel()

	store := newTestSQLStore(t)

	broken := relaytest.NewRegister()
	broken.FulfillErr = errors.New("register down")
	broken.FailErr = errors.New("register down")

	fulfill := relay.FulfillHtlcCmd{
		ChannelID: lnwire.NewShortChanIDFromInt(2),
		HtlcID:    3,
		Preimage:  lntypes.Preimage{0x09},
		Commit:    true,
	}
	require.Error(t, store.SafeSendFulfill(broken, fulfill))

	fail := relay.FailHtlcCmd{
		ChannelID: lnwire.NewShortChanIDFromInt(2),
		HtlcID:    4,
		Reason:    relay.UnknownNextPeer(),
		Commit:    true,
	}
	require.Error(t, store.SafeSendFail(broken, fail))

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	register := relaytest.NewRegister()
	require.NoError(t, store.ResendAll(register))

	fulfills := register.Fulfills()
	require.Len(t, fulfills, 1)
	require.Equal(t, lntypes.Preimage{0x09}, fulfills[0].Preimage)

	fails := register.Fails()
	require.Len(t, fails, 1)
	require.Equal(t, relay.UnknownNextPeer().Code(),
		fails[0].Reason.Code())

	pending, err = store.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}
