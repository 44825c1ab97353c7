// Package registry maps user identities to their live connections.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mensageria/internal/errs"
	"mensageria/internal/shard"
)

// Config tunes sharding and heartbeat expiry.
type Config struct {
	Shards int
	// HeartbeatTimeout is how long a connection may stay silent before it is
	// treated as disconnected. Zero disables expiry.
	HeartbeatTimeout time.Duration
	// SweepInterval defaults to half the heartbeat timeout.
	SweepInterval time.Duration
}

// Registry is the only owner of the user → connections mapping.
type Registry struct {
	cfg    Config
	byUser *shard.Map[[]*Conn]
	byID   *shard.Map[*Conn]
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.SweepInterval <= 0 && cfg.HeartbeatTimeout > 0 {
		cfg.SweepInterval = cfg.HeartbeatTimeout / 2
	}
	return &Registry{
		cfg:    cfg,
		byUser: shard.New[[]*Conn](cfg.Shards),
		byID:   shard.New[*Conn](cfg.Shards),
		now:    time.Now,
		logger: logger.With("component", "registry"),
	}
}

// Register adds c for userID and returns its connection id. Other devices of
// the same user keep their connections; a previous connection in the same
// device slot is evicted and closed.
func (r *Registry) Register(userID string, c *Conn) string {
	c.UserID = userID
	c.touch(r.now())

	var evicted []*Conn
	r.byUser.Update(userID, func(cur []*Conn, _ bool) ([]*Conn, bool) {
		next := make([]*Conn, 0, len(cur)+1)
		for _, e := range cur {
			if e.sameSlot(c) {
				evicted = append(evicted, e)
				continue
			}
			next = append(next, e)
		}
		return append(next, c), true
	})
	r.byID.Set(c.ID(), c)

	for _, e := range evicted {
		r.byID.Delete(e.ID())
		e.Close()
		r.logger.Info("connection evicted", "user_id", userID, "device_id", e.DeviceID, "conn_id", e.ID())
	}
	r.logger.Info("connection registered", "user_id", userID, "device_id", c.DeviceID, "conn_id", c.ID())
	return c.ID()
}

// Unregister removes the connection. It reports whether this call removed it.
func (r *Registry) Unregister(connID string) bool {
	c, ok := r.byID.Get(connID)
	if !ok || !r.byID.Delete(connID) {
		return false
	}
	r.byUser.Update(c.UserID, func(cur []*Conn, ok bool) ([]*Conn, bool) {
		if !ok {
			return nil, false
		}
		next := make([]*Conn, 0, len(cur))
		for _, e := range cur {
			if e.ID() != connID {
				next = append(next, e)
			}
		}
		return next, len(next) > 0
	})
	r.logger.Info("connection unregistered", "user_id", c.UserID, "conn_id", connID)
	return true
}

// ConnectionsFor returns the live connections of userID, possibly none.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	cur, _ := r.byUser.Get(userID)
	out := make([]*Conn, 0, len(cur))
	for _, c := range cur {
		if !c.Closed() {
			out = append(out, c)
		}
	}
	return out
}

// Slot returns the live connection in (userID, deviceID), if any.
func (r *Registry) Slot(userID, deviceID string) *Conn {
	if deviceID == "" {
		return nil
	}
	for _, c := range r.ConnectionsFor(userID) {
		if c.DeviceID == deviceID {
			return c
		}
	}
	return nil
}

// Online reports whether userID has at least one live connection.
func (r *Registry) Online(userID string) bool {
	return len(r.ConnectionsFor(userID)) > 0
}

// Lookup returns a registered connection by id.
func (r *Registry) Lookup(connID string) (*Conn, bool) {
	return r.byID.Get(connID)
}

// Count is the number of registered connections.
func (r *Registry) Count() int {
	return r.byID.Len()
}

// Touch records a heartbeat.
func (r *Registry) Touch(connID string) bool {
	c, ok := r.byID.Get(connID)
	if !ok {
		return false
	}
	c.touch(r.now())
	return true
}

// Deliver makes one attempt to hand frame to c. It fails with
// errs.ErrTransport when the connection is closed or the outbound buffer
// stays full until ctx is done. Retrying is the caller's decision.
func (r *Registry) Deliver(ctx context.Context, c *Conn, frame []byte) error {
	if c.Closed() {
		return fmt.Errorf("%w: connection %s closed", errs.ErrTransport, c.ID())
	}
	select {
	case c.outbound <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection %s closed", errs.ErrTransport, c.ID())
	case <-ctx.Done():
		return fmt.Errorf("%w: connection %s: %v", errs.ErrTransport, c.ID(), ctx.Err())
	}
}

// Run expires connections whose heartbeat is older than the configured
// timeout until ctx is done. Each expired connection is unregistered, closed
// and passed to onExpire.
func (r *Registry) Run(ctx context.Context, onExpire func(*Conn)) {
	if r.cfg.HeartbeatTimeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(onExpire)
		}
	}
}

// Sweep runs one expiry pass and returns the number of expired connections.
func (r *Registry) Sweep(onExpire func(*Conn)) int {
	if r.cfg.HeartbeatTimeout <= 0 {
		return 0
	}
	deadline := r.now().Add(-r.cfg.HeartbeatTimeout)

	var stale []*Conn
	r.byID.Range(func(_ string, c *Conn) bool {
		if c.LastSeen().Before(deadline) {
			stale = append(stale, c)
		}
		return true
	})

	n := 0
	for _, c := range stale {
		if !r.Unregister(c.ID()) {
			continue
		}
		n++
		c.Close()
		r.logger.Warn("heartbeat timeout", "user_id", c.UserID, "conn_id", c.ID(), "last_seen", c.LastSeen())
		if onExpire != nil {
			onExpire(c)
		}
	}
	return n
}
