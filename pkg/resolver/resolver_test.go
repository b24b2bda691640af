package resolver

import (
	"testing"

	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/stretchr/testify/assert"
)

func conflictAt(clientMs, serverMs int64) protocol.Conflict {
	return protocol.Conflict{
		Collection: "notes",
		EntityID:   "n1",
		ClientOp: protocol.SyncOperation{
			OpID:          1,
			DBID:          "db",
			DeviceID:      "device-a",
			Collection:    "notes",
			EntityID:      "n1",
			OpType:        protocol.OpUpsert,
			EntityVersion: 2,
			EntityCBOR:    []byte{0xC0},
			TimestampMs:   clientMs,
		},
		ServerState: protocol.ServerEntityState{
			EntityVersion:  2,
			EntityCBOR:     []byte{0xB0},
			LastModifiedMs: serverMs,
		},
	}
}

func TestServerWins(t *testing.T) {
	t.Parallel()

	res := ServerWins().Resolve(conflictAt(100, 1))
	assert.Equal(t, TakeServer, res.Decision)
	assert.Nil(t, res.MergedCBOR)
}

func TestClientWins(t *testing.T) {
	t.Parallel()

	res := ClientWins().Resolve(conflictAt(1, 100))
	assert.Equal(t, TakeClient, res.Decision)
}

func TestLastWriteWins(t *testing.T) {
	t.Parallel()

	t.Run("ClientNewer", func(t *testing.T) {
		res := LastWriteWins().Resolve(conflictAt(200, 100))
		assert.Equal(t, TakeClient, res.Decision)
	})

	t.Run("ServerNewer", func(t *testing.T) {
		res := LastWriteWins().Resolve(conflictAt(100, 200))
		assert.Equal(t, TakeServer, res.Decision)
	})

	t.Run("TieGoesToServer", func(t *testing.T) {
		res := LastWriteWins().Resolve(conflictAt(100, 100))
		assert.Equal(t, TakeServer, res.Decision)
	})
}

func TestCustomFunc(t *testing.T) {
	t.Parallel()

	merged := []byte{0xDE, 0xAD}
	strategy := Func(func(protocol.Conflict) Resolution {
		return Resolution{Decision: Merged, MergedCBOR: merged}
	})

	res := strategy.Resolve(conflictAt(1, 2))
	assert.Equal(t, Merged, res.Decision)
	assert.Equal(t, merged, res.MergedCBOR)
}

func TestFromName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, TakeClient, FromName("client-wins").Resolve(conflictAt(1, 2)).Decision)
	assert.Equal(t, TakeServer, FromName("server-wins").Resolve(conflictAt(1, 2)).Decision)
	assert.Equal(t, TakeServer, FromName("").Resolve(conflictAt(1, 2)).Decision)
	assert.Equal(t, TakeServer, FromName("bogus").Resolve(conflictAt(1, 2)).Decision)
	assert.Equal(t, TakeClient, FromName("last-write-wins").Resolve(conflictAt(9, 2)).Decision)
}

func TestDecisionString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "takeServer", TakeServer.String())
	assert.Equal(t, "takeClient", TakeClient.String())
	assert.Equal(t, "merged", Merged.String())
}
