// Package conn implements the per-socket Connection (§C3): its read/write
// circular buffers, keepalive and will state, and the non-blocking I/O loop
// that drives them.
package conn

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flashmq/flashmq/obs"
	"github.com/flashmq/flashmq/ringbuf"
	"github.com/flashmq/flashmq/session"
	"github.com/flashmq/flashmq/wire"
	"github.com/google/uuid"
)

// State is the Connection's lifecycle state.
type State int

const (
	StateNew State = iota
	StateConnectedUnauthenticated
	StateConnectedAuthenticated
	StateDisconnecting
	StateClosed
)

// preAuthKeepAliveGrace is how long an unauthenticated client has to send
// CONNECT before keepalive expiry kicks it.
const preAuthKeepAliveGrace = 20 * time.Second

// Will is the last-will publish a client pre-registers at CONNECT time.
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
	QoS     byte
	Delay   time.Duration
}

// Connection owns one socket's read/write buffers and protocol state. Its
// read path is pinned to a single worker goroutine by convention (callers
// must not call ReadFdIntoBuffer/BufferToMqttPackets concurrently); its
// write buffer is protected by a mutex because any worker may enqueue a
// packet here during publish fan-out.
type Connection struct {
	io IOWrapper

	readBuf  *ringbuf.Buffer
	writeMu  sync.Mutex
	writeBuf *ringbuf.Buffer

	maxPacketSize int

	generation uuid.UUID

	clientID        string
	username        string
	protocolVersion byte
	keepalive       time.Duration
	cleanSession    bool

	will *Will

	// Session is a strong reference: as long as this Connection is
	// reachable it keeps its Session reachable too. The reverse link
	// (Session -> Connection) is weak, via session.ConnWriter+generation.
	Session *session.Session

	mu                         sync.Mutex
	state                      State
	readyForReading            bool
	readyForWriting            bool
	disconnectWhenBytesWritten bool
	lastActivity               time.Time

	onDisconnect func(graceful bool)

	metrics *obs.Metrics
}

// New creates a Connection around an IOWrapper, with the given initial
// buffer size (power of two) and packet-size growth cap.
func New(io IOWrapper, initialBufferSize, maxPacketSize int) *Connection {
	return &Connection{
		io:              io,
		readBuf:         ringbuf.New(initialBufferSize),
		writeBuf:        ringbuf.New(initialBufferSize),
		maxPacketSize:   maxPacketSize,
		generation:      uuid.New(),
		state:           StateNew,
		readyForReading: true,
		lastActivity:    time.Now(),
	}
}

// SetMetrics attaches a metrics recorder. Nil (the default) disables
// recording rather than requiring every caller to construct one.
func (c *Connection) SetMetrics(m *obs.Metrics) {
	c.metrics = m
}

// Generation identifies this binding instance; it lets a Session's weak
// reference detect that a different Connection has since taken its place.
func (c *Connection) Generation() uuid.UUID { return c.generation }

// ClientID returns the connection's identified client ID, if any.
func (c *Connection) ClientID() string { return c.clientID }

// SetIdentity records the identity fields learned from CONNECT.
func (c *Connection) SetIdentity(clientID, username string, protocolVersion byte, keepalive time.Duration, cleanSession bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = clientID
	c.username = username
	c.protocolVersion = protocolVersion
	c.keepalive = keepalive
	c.cleanSession = cleanSession
}

// SetWill records the last-will to deliver on ungraceful disconnect.
func (c *Connection) SetWill(w *Will) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.will = w
}

// Will returns the connection's registered will, or nil.
func (c *Connection) Will() *Will {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.will
}

// MarkAuthenticated transitions to the authenticated state, changing the
// keepalive grace period and the pre-auth packet-size cap.
func (c *Connection) MarkAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNew || c.state == StateConnectedUnauthenticated {
		c.state = StateConnectedAuthenticated
	}
}

func (c *Connection) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnectedAuthenticated
}

// MarkAsDisconnecting is the one-way transition to Disconnecting. It is
// idempotent. Once disconnecting, ReadFdIntoBuffer fails with
// ErrDisconnected; WriteMqttPacket, WritePingResp and WriteBufIntoFd do not
// check this state and keep buffering and flushing bytes.
func (c *Connection) MarkAsDisconnecting() {
	c.mu.Lock()
	if c.state == StateDisconnecting || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	cb := c.onDisconnect
	c.mu.Unlock()

	if cb != nil {
		cb(false)
	}
}

func (c *Connection) disconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDisconnecting || c.state == StateClosed
}

// SetOnDisconnect registers the callback invoked once, on the first
// transition to Disconnecting (graceful=false) or, failing that, to Closed
// (graceful=true).
func (c *Connection) SetOnDisconnect(fn func(graceful bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Close performs a graceful shutdown, notifying onDisconnect with
// graceful=true rather than through MarkAsDisconnecting's false path.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasDisconnecting := c.state == StateDisconnecting
	c.state = StateClosed
	cb := c.onDisconnect
	c.mu.Unlock()

	if cb != nil && !wasDisconnecting {
		cb(true)
	}
	return c.io.Close()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// KeepAliveExpired implements §4.3's two keepalive formulas: a flat 20s
// grace before authentication, and keepalive*10/5 (i.e. 2x) after.
func (c *Connection) KeepAliveExpired(now time.Time) bool {
	c.mu.Lock()
	authenticated := c.state == StateConnectedAuthenticated
	keepalive := c.keepalive
	last := c.lastActivity
	c.mu.Unlock()

	if !authenticated {
		return now.Sub(last) >= preAuthKeepAliveGrace
	}
	if keepalive <= 0 {
		return false
	}
	expiry := time.Duration(keepalive.Nanoseconds() * 10 / 5)
	return now.Sub(last) >= expiry
}

// readyState reports the current readiness flags, for the event loop's
// interest-set bookkeeping.
func (c *Connection) readyState() (read, write bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	write = c.readyForWriting || c.io.ReadWantsWrite()
	return c.readyForReading, write
}

// ReadyForReading/ReadyForWriting expose the readiness flags an event loop
// must mirror in its interest set.
func (c *Connection) ReadyForReading() bool {
	r, _ := c.readyState()
	return r
}

func (c *Connection) ReadyForWriting() bool {
	_, w := c.readyState()
	return w
}

// ReadFdIntoBuffer performs the non-blocking read loop: it reads into the
// read buffer until WouldBlock, growing the buffer on backpressure up to
// maxPacketSize, or disabling read-readiness if that cap is reached.
func (c *Connection) ReadFdIntoBuffer() error {
	if c.disconnecting() {
		return ErrDisconnected
	}

	for {
		if c.readBuf.FreeSpace() == 0 {
			if 2*c.readBuf.Size() <= c.maxPacketSize {
				c.readBuf.DoubleSize()
			} else {
				c.mu.Lock()
				c.readyForReading = false
				c.mu.Unlock()
				return nil
			}
		}

		n, err := c.io.Read(c.readBuf.HeadPtr())
		if n > 0 {
			c.readBuf.AdvanceHead(n)
			c.touch()
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrInterrupted):
				continue
			case errors.Is(err, ErrWouldBlock):
				return nil
			case errors.Is(err, ErrDisconnected):
				return ErrDisconnected
			default:
				return err
			}
		}
		if n == 0 {
			return nil
		}
	}
}

// WriteBufIntoFd tries to drain the write buffer to the socket. It uses a
// try-lock on the write-buffer mutex: under contention it leaves the
// connection write-ready and returns, trusting whichever worker already
// holds the mutex to finish the drain. This avoids a lock-ordering
// deadlock against a caller holding the Store's tree rwlock while trying
// to lock this same write buffer.
func (c *Connection) WriteBufIntoFd() error {
	if !c.writeMu.TryLock() {
		return nil
	}
	defer c.writeMu.Unlock()

	for c.writeBuf.UsedBytes() > 0 || c.io.WantsWrite() {
		n, err := c.io.Write(c.writeBuf.TailPtr())
		if n > 0 {
			c.writeBuf.AdvanceTail(n)
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrInterrupted):
				continue
			case errors.Is(err, ErrWouldBlock):
				break
			case errors.Is(err, ErrDisconnected):
				return ErrDisconnected
			default:
				return err
			}
			break
		}
		if n == 0 {
			break
		}
	}

	c.mu.Lock()
	c.readyForWriting = c.writeBuf.UsedBytes() > 0 || c.io.WantsWrite()
	shouldClose := c.disconnectWhenBytesWritten && c.writeBuf.UsedBytes() == 0
	c.mu.Unlock()

	if shouldClose {
		return c.Close()
	}
	return nil
}

// WriteMqttPacket serializes pkt into the write buffer. A QoS0 PUBLISH that
// still does not fit after growth is dropped without returning an error (it
// is logged and counted in metrics); pings and QoS>0
// packets are never dropped here (their flow control happens upstream in
// session queues).
func (c *Connection) WriteMqttPacket(pkt wire.MqttPacket) error {
	encoded := pkt.Encode()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	maxGrow := len(encoded) * 1000
	if maxGrow > c.maxPacketSize {
		maxGrow = c.maxPacketSize
	}

	if err := c.writeBuf.EnsureFreeSpace(len(encoded), maxGrow); err != nil {
		if pkt.PacketType == wire.TypePublish && pkt.QoS == 0 {
			slog.Warn("dropping QoS0 publish, write buffer cannot grow enough",
				"client_id", c.clientID, "packet_size", len(encoded))
			if c.metrics != nil {
				c.metrics.RecordQoS0Drop()
			}
			return nil
		}
		return err
	}

	if err := c.writeBuf.Write(encoded, maxGrow); err != nil {
		return err
	}

	c.mu.Lock()
	c.readyForWriting = true
	if pkt.PacketType == wire.TypeDisconnect {
		c.disconnectWhenBytesWritten = true
	}
	c.mu.Unlock()
	return nil
}

// WriteMqttPacketAndBlameThisClient is WriteMqttPacket, but on failure the
// error is contained by disconnecting this connection rather than
// propagating to whatever publisher's fan-out triggered the write. Session
// uses this exclusively to deliver to its bound Connection.
func (c *Connection) WriteMqttPacketAndBlameThisClient(pkt wire.MqttPacket) error {
	if err := c.WriteMqttPacket(pkt); err != nil {
		c.MarkAsDisconnecting()
		return err
	}
	return nil
}

// WritePingResp appends the literal two-byte PINGRESP packet.
func (c *Connection) WritePingResp() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.writeBuf.Write(wire.PINGRESP[:], c.maxPacketSize); err != nil {
		return err
	}
	c.mu.Lock()
	c.readyForWriting = true
	c.mu.Unlock()
	return nil
}

// BufferToMqttPackets frames as many complete packets as currently sit in
// the read buffer and re-enables read-readiness if space opened up.
func (c *Connection) BufferToMqttPackets(out []wire.MqttPacket) ([]wire.MqttPacket, error) {
	out, err := wire.DrainAll(c.readBuf, c.authenticated(), c.maxPacketSize, out)

	c.mu.Lock()
	if c.readBuf.FreeSpace() > 0 {
		c.readyForReading = true
	}
	c.mu.Unlock()

	return out, err
}

// RemoteAddr reports the underlying socket's remote address, when the
// IOWrapper is backed by a net.Conn.
func (c *Connection) RemoteAddr() net.Addr {
	type addressed interface{ RemoteAddr() net.Addr }
	if a, ok := c.io.(addressed); ok {
		return a.RemoteAddr()
	}
	return nil
}
