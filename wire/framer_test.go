package wire

import (
	"testing"

	"github.com/flashmq/flashmq/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedPublish(topic string, payload []byte) []byte {
	var varHeader []byte
	varHeader = append(varHeader, byte(len(topic)>>8), byte(len(topic)))
	varHeader = append(varHeader, topic...)
	varHeader = append(varHeader, payload...)

	pkt := MqttPacket{PacketType: TypePublish, QoS: 0, Payload: varHeader}
	return pkt.Encode()
}

func TestDecodeOneNeedsMoreBytesForShortHeader(t *testing.T) {
	buf := ringbuf.New(64)
	require.NoError(t, buf.Write([]byte{0x30}, 1<<20))

	_, err := DecodeOne(buf, true, 1<<20)
	assert.ErrorIs(t, err, ErrNeedMoreBytes)
	assert.Equal(t, 1, buf.UsedBytes(), "buffer must be untouched on need-more")
}

func TestDecodeOneFramesACompletePublish(t *testing.T) {
	raw := encodedPublish("a/b", []byte("hello"))
	buf := ringbuf.New(64)
	require.NoError(t, buf.Write(raw, 1<<20))

	pkt, err := DecodeOne(buf, true, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, TypePublish, pkt.PacketType)
	assert.Equal(t, 0, buf.UsedBytes())
}

func TestDrainAllFramesMultiplePackets(t *testing.T) {
	buf := ringbuf.New(256)
	raw := append(encodedPublish("a", []byte("1")), encodedPublish("b", []byte("2"))...)
	require.NoError(t, buf.Write(raw, 1<<20))

	pkts, err := DrainAll(buf, true, 1<<20, nil)
	require.NoError(t, err)
	assert.Len(t, pkts, 2)
	assert.Equal(t, 0, buf.UsedBytes())
}

func TestDecodeOneRejectsOversizedPreAuthPacket(t *testing.T) {
	buf := ringbuf.New(8)
	// Fixed header claiming a ~2MiB remaining length, well past the pre-auth cap.
	require.NoError(t, buf.Write([]byte{0x30, 0xFF, 0xFF, 0x7F}, 1<<20))

	_, err := DecodeOne(buf, false, 1<<20)
	assert.ErrorIs(t, err, ErrProtocolError)
}

func TestDecodeOneRejectsMalformedVBI(t *testing.T) {
	buf := ringbuf.New(8)
	require.NoError(t, buf.Write([]byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF}, 1<<20))

	_, err := DecodeOne(buf, true, 1<<20)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}
