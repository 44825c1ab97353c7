package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultBuffer is the outbound frame capacity of a connection.
const DefaultBuffer = 256

// Conn is the registry's view of one live duplex connection. The transport
// task owning the socket drains Outbound and watches Done; everyone else
// talks to the connection only by handing frames to Registry.Deliver.
type Conn struct {
	id          string
	UserID      string
	DeviceID    string
	ConnectedAt time.Time

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	lastSeen  atomic.Int64
}

// NewConn creates a connection for userID in the given device slot. An empty
// deviceID gives the connection a slot of its own.
func NewConn(userID, deviceID string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	now := time.Now()
	c := &Conn{
		id:          uuid.NewString(),
		UserID:      userID,
		DeviceID:    deviceID,
		ConnectedAt: now,
		outbound:    make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

func (c *Conn) ID() string { return c.id }

// Outbound is the frame queue the transport writer drains.
func (c *Conn) Outbound() <-chan []byte { return c.outbound }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close marks the connection dead. It is safe to call more than once.
// Outbound is never closed so late deliveries cannot panic.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// LastSeen is the time of the last heartbeat.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Conn) touch(t time.Time) {
	for {
		cur := c.lastSeen.Load()
		next := t.UnixNano()
		if next <= cur {
			return
		}
		if c.lastSeen.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (c *Conn) sameSlot(other *Conn) bool {
	return c.DeviceID != "" && c.UserID == other.UserID && c.DeviceID == other.DeviceID
}
