package wire

import (
	"errors"

	"github.com/flashmq/flashmq/ringbuf"
)

// ErrNeedMoreBytes signals that the buffer does not yet hold a complete
// fixed header or packet; the caller should stop and wait for more bytes.
var ErrNeedMoreBytes = errors.New("wire: need more bytes")

// ErrMalformedPacket covers a varint that overruns 4 bytes.
var ErrMalformedPacket = errors.New("wire: malformed packet")

// ErrProtocolError covers an oversized packet: either beyond the
// unauthenticated pre-auth cap, or beyond the absolute maximum.
var ErrProtocolError = errors.New("wire: protocol error")

// PreAuthMaxPacketSize is the cap applied to packets from an unauthenticated
// client, intended to reject obvious garbage before a CONNECT completes.
const PreAuthMaxPacketSize = 1 << 20 // 1 MiB

// AbsoluteMaxPacketSize is the compile-time ceiling on any packet,
// authenticated or not.
const AbsoluteMaxPacketSize = 256 << 20 // 256 MiB

type fixedHeader struct {
	packetType      PacketType
	dup             bool
	qos             byte
	retain          bool
	remainingLength int
	headerLen       int
}

// decodeFixedHeader peeks at buf without consuming anything. It returns
// ErrNeedMoreBytes if buf does not yet hold a complete fixed header.
func decodeFixedHeader(buf *ringbuf.Buffer) (fixedHeader, error) {
	var fh fixedHeader

	used := buf.UsedBytes()
	if used < 2 {
		return fh, ErrNeedMoreBytes
	}

	first := buf.PeekAhead(0)
	fh.packetType = PacketType(first >> 4)
	fh.dup = (first>>3)&0x01 > 0
	fh.qos = (first >> 1) & 0x03
	fh.retain = first&0x01 > 0

	var vbi uint32
	var multiplier uint32
	offset := 1
	// The loop bound of 4 is itself the enforcement of MQTT's VBI cap: a
	// continuation bit still set on the 4th byte falls through to
	// ErrMalformedPacket below rather than reading a 5th byte.
	for i := 0; i < 4; i++ {
		if offset >= used {
			return fh, ErrNeedMoreBytes
		}
		b := buf.PeekAhead(offset)
		offset++
		vbi |= uint32(b&0x7F) << multiplier
		if b&0x80 == 0 {
			fh.remainingLength = int(vbi)
			fh.headerLen = offset
			return fh, nil
		}
		multiplier += 7
	}
	return fh, ErrMalformedPacket
}

// DecodeOne attempts to frame a single MqttPacket from the front of buf.
// It returns ErrNeedMoreBytes if the buffer does not yet hold a complete
// packet, in which case the buffer is left untouched. On success it
// advances buf's tail past the consumed packet.
//
// authenticated gates the 1 MiB pre-auth cap; maxPacketSize further caps
// authenticated clients (it must not exceed AbsoluteMaxPacketSize).
func DecodeOne(buf *ringbuf.Buffer, authenticated bool, maxPacketSize int) (MqttPacket, error) {
	fh, err := decodeFixedHeader(buf)
	if err != nil {
		return MqttPacket{}, err
	}

	totalLength := fh.headerLen + fh.remainingLength

	if !authenticated && totalLength >= PreAuthMaxPacketSize {
		return MqttPacket{}, ErrProtocolError
	}
	limit := maxPacketSize
	if limit <= 0 || limit > AbsoluteMaxPacketSize {
		limit = AbsoluteMaxPacketSize
	}
	if totalLength > limit {
		return MqttPacket{}, ErrProtocolError
	}

	if buf.UsedBytes() < totalLength {
		return MqttPacket{}, ErrNeedMoreBytes
	}

	payload := make([]byte, fh.remainingLength)
	for i := range payload {
		payload[i] = buf.PeekAhead(fh.headerLen + i)
	}
	buf.AdvanceTail(totalLength)

	return MqttPacket{
		PacketType:      fh.packetType,
		Dup:             fh.dup,
		QoS:             fh.qos,
		Retain:          fh.retain,
		RemainingLength: fh.remainingLength,
		Payload:         payload,
	}, nil
}

// DrainAll frames as many complete packets as currently sit in buf,
// appending them to out. It stops at the first ErrNeedMoreBytes, which is
// not itself an error condition for the caller. Any other error aborts the
// drain and is returned.
func DrainAll(buf *ringbuf.Buffer, authenticated bool, maxPacketSize int, out []MqttPacket) ([]MqttPacket, error) {
	for {
		pkt, err := DecodeOne(buf, authenticated, maxPacketSize)
		if err != nil {
			if errors.Is(err, ErrNeedMoreBytes) {
				return out, nil
			}
			return out, err
		}
		out = append(out, pkt)
	}
}
