package hub

import (
	"context"
	"log/slog"
	"time"

	"mensageria/internal/protocol"
	"mensageria/internal/registry"
	"mensageria/internal/shard"
)

const presenceTimeout = time.Second

// Presence fans online/offline transitions out to subscribed connections.
// Notifications are best effort and never part of delivery guarantees.
type Presence struct {
	reg    *registry.Registry
	subs   *shard.Map[map[string]*registry.Conn]
	logger *slog.Logger
}

func NewPresence(reg *registry.Registry, logger *slog.Logger) *Presence {
	return &Presence{
		reg:    reg,
		subs:   shard.New[map[string]*registry.Conn](0),
		logger: logger.With("component", "presence"),
	}
}

// Subscribe registers c for transitions of userID and returns its current
// state.
func (p *Presence) Subscribe(userID string, c *registry.Conn) bool {
	p.subs.Update(userID, func(cur map[string]*registry.Conn, ok bool) (map[string]*registry.Conn, bool) {
		if !ok {
			cur = make(map[string]*registry.Conn)
		}
		cur[c.ID()] = c
		return cur, true
	})
	return p.reg.Online(userID)
}

func (p *Presence) Unsubscribe(userID string, c *registry.Conn) {
	p.subs.Update(userID, func(cur map[string]*registry.Conn, ok bool) (map[string]*registry.Conn, bool) {
		if !ok {
			return nil, false
		}
		delete(cur, c.ID())
		return cur, len(cur) > 0
	})
}

// Publish implements the router's presence sink. It does not block.
func (p *Presence) Publish(userID string, online bool) {
	var targets []*registry.Conn
	p.subs.Update(userID, func(cur map[string]*registry.Conn, ok bool) (map[string]*registry.Conn, bool) {
		for id, c := range cur {
			if c.Closed() {
				delete(cur, id)
				continue
			}
			targets = append(targets, c)
		}
		return cur, len(cur) > 0
	})
	if len(targets) == 0 {
		return
	}

	frame, err := protocol.Encode(protocol.TypePresence, protocol.Presence{UserID: userID, Online: online})
	if err != nil {
		p.logger.Error("encode presence", "error", err)
		return
	}
	go func() {
		for _, c := range targets {
			ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
			if err := p.reg.Deliver(ctx, c, frame); err != nil {
				p.logger.Debug("presence not delivered", "user_id", userID, "conn_id", c.ID(), "error", err)
			}
			cancel()
		}
	}()
}
