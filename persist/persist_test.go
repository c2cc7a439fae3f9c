package persist

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "flashmq-persist-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Round-trip property: saving then loading retained messages yields the
// same (topic, payload, qos) triples, independent of insertion order.
func TestRetainedRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := []RetainedRecord{
		{Topic: "a/b", Payload: []byte("hello"), QoS: 1},
		{Topic: "a/c", Payload: []byte("world"), QoS: 0},
	}
	require.NoError(t, s.SaveRetained(in))

	out, err := s.LoadRetained()
	require.NoError(t, err)
	assert.ElementsMatch(t, in, out)
}

// SaveRetained replaces the whole set: a topic dropped from a later save
// must not survive in LoadRetained.
func TestSaveRetainedReplacesPriorSet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveRetained([]RetainedRecord{
		{Topic: "a/b", Payload: []byte("1"), QoS: 0},
		{Topic: "a/c", Payload: []byte("2"), QoS: 0},
	}))
	require.NoError(t, s.SaveRetained([]RetainedRecord{
		{Topic: "a/b", Payload: []byte("1"), QoS: 0},
	}))

	out, err := s.LoadRetained()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a/b", out[0].Topic)
}

// Round-trip property: saving then loading sessions preserves clientID,
// expiry, subscriptions, and queued packets.
func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := []SessionRecord{
		{
			ClientID:              "client-1",
			ProtocolVersion:       5,
			SessionExpiryInterval: int64(3600),
			Subscriptions: []SubscriptionRecord{
				{Filter: "a/+", QoS: 1},
				{Filter: "a/#", QoS: 2, SubscriptionID: 7},
			},
			QueuedPackets: []QueuedPacketRecord{
				{PacketType: 3, QoS: 1, Payload: []byte("payload-bytes")},
			},
		},
	}
	require.NoError(t, s.SaveSessions(in))

	out, err := s.LoadSessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, in, out)
}

func TestLoadOnEmptyStoreReturnsEmpty(t *testing.T) {
	s := newTestStore(t)

	retained, err := s.LoadRetained()
	require.NoError(t, err)
	assert.Empty(t, retained)

	sessions, err := s.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDecodeRecordRejectsUnknownFormatVersion(t *testing.T) {
	var rec RetainedRecord
	err := decodeRecord([]byte{99, '{', '}'}, &rec)
	assert.Error(t, err)
}
