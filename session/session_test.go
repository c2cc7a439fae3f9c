package session

import (
	"testing"
	"time"

	"github.com/flashmq/flashmq/wire"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	generation uuid.UUID
	written    []wire.MqttPacket
	failNext   bool
	disconnect bool
}

func newFakeConn() *fakeConn { return &fakeConn{generation: uuid.New()} }

func (f *fakeConn) WriteMqttPacketAndBlameThisClient(pkt wire.MqttPacket) error {
	if f.failNext {
		return assert.AnError
	}
	f.written = append(f.written, pkt)
	return nil
}

func (f *fakeConn) MarkAsDisconnecting() { f.disconnect = true }
func (f *fakeConn) Generation() uuid.UUID { return f.generation }

func TestEnqueuePacketDeliversToLiveConnection(t *testing.T) {
	s := New("c1", 4, time.Hour, 10)
	conn := newFakeConn()
	s.BindConnection(conn)

	s.EnqueuePacket(wire.MqttPacket{PacketType: wire.TypePublish, QoS: 0})

	require.Len(t, conn.written, 1)
	assert.Equal(t, 0, s.QueuedPacketCount())
}

func TestEnqueuePacketQueuesOfflineAndTailDrops(t *testing.T) {
	s := New("c1", 4, time.Hour, 2)

	s.EnqueuePacket(wire.MqttPacket{PacketType: wire.TypePublish, QoS: 1})
	s.EnqueuePacket(wire.MqttPacket{PacketType: wire.TypePublish, QoS: 1})
	assert.Equal(t, 2, s.QueuedPacketCount())

	s.EnqueuePacket(wire.MqttPacket{PacketType: wire.TypePublish, QoS: 1})
	assert.Equal(t, 2, s.QueuedPacketCount(), "queue must tail-drop at maxQosPackets")
}

func TestBoundConnectionGoesStaleAfterRebindElsewhere(t *testing.T) {
	s := New("c1", 4, time.Hour, 10)
	first := newFakeConn()
	s.BindConnection(first)

	second := newFakeConn()
	s.BindConnection(second)

	s.EnqueuePacket(wire.MqttPacket{PacketType: wire.TypePublish, QoS: 0})
	assert.Empty(t, first.written)
	assert.Len(t, second.written, 1)
}

func TestEnqueuePacketFailureDisconnectsRecipientNotPublisher(t *testing.T) {
	s := New("c1", 4, time.Hour, 10)
	conn := newFakeConn()
	conn.failNext = true
	s.BindConnection(conn)

	s.EnqueuePacket(wire.MqttPacket{PacketType: wire.TypePublish, QoS: 1})

	assert.True(t, conn.disconnect)
}

func TestPacketIDAllocationSkipsZeroAndInUse(t *testing.T) {
	s := New("c1", 4, time.Hour, 100)
	a := s.nextID()
	s.inflight[a] = struct{}{}
	b := s.nextID()

	assert.NotZero(t, a)
	assert.NotZero(t, b)
	assert.NotEqual(t, a, b)
}

func TestDestroyInvalidatesGeneration(t *testing.T) {
	s := New("c1", 4, time.Hour, 10)
	before := s.Generation()
	s.Destroy()
	assert.True(t, s.Destroyed())
	assert.NotEqual(t, before, s.Generation())
}

func TestExpiredRespectsSessionExpiryInterval(t *testing.T) {
	s := New("c1", 4, time.Second, 10)
	s.Touch(time.Now().Add(-2 * time.Second))
	assert.True(t, s.Expired(time.Now()))

	s2 := New("c2", 4, 0, 10)
	s2.Touch(time.Now().Add(-time.Hour))
	assert.False(t, s2.Expired(time.Now()), "zero interval never expires")
}

func TestRedeliverPendingFlushesOfflineQueueInOrder(t *testing.T) {
	s := New("c1", 4, time.Hour, 10)
	s.EnqueuePacket(wire.MqttPacket{PacketType: wire.TypePublish, QoS: 1, Payload: []byte("1")})
	s.EnqueuePacket(wire.MqttPacket{PacketType: wire.TypePublish, QoS: 1, Payload: []byte("2")})

	conn := newFakeConn()
	s.BindConnection(conn)
	s.RedeliverPending()

	require.Len(t, conn.written, 2)
	assert.Equal(t, []byte("1"), conn.written[0].Payload)
	assert.Equal(t, []byte("2"), conn.written[1].Payload)
	assert.Equal(t, 0, s.QueuedPacketCount())
}
