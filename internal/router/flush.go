package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"mensageria/internal/database"
	"mensageria/internal/errs"
	"mensageria/internal/registry"
)

// Connect registers c for userID and opens a flush window: until
// OnReconnect drains the queue, new messages for userID are queued behind
// the backlog instead of overtaking it. A connection already holding the
// same device slot is detached first.
func (r *Router) Connect(userID string, c *registry.Conn) string {
	rs := r.lockRecipient(userID)
	if old := r.reg.Slot(userID, c.DeviceID); old != nil && old != c {
		r.detachLocked(rs, old)
	}
	id := r.reg.Register(userID, c)
	rs.flushers++
	announce := !rs.online
	rs.online = true
	r.unlockRecipient(userID, rs)

	if announce {
		r.presence.Publish(userID, true)
	}
	return id
}

// OnReconnect flushes userID's offline queue into c in enqueue order and
// closes the window opened by Connect. Messages queued while the flush runs
// are delivered in follow-up rounds to every live connection. It returns
// the number of messages handed over.
func (r *Router) OnReconnect(ctx context.Context, userID string, c *registry.Conn) (int, error) {
	n, err := r.drain(ctx, userID, []*registry.Conn{c})
	if err != nil {
		r.logger.Warn("flush interrupted", "user_id", userID, "conn_id", c.ID(), "flushed", n, "error", err)
		return n, err
	}
	if n > 0 {
		r.logger.Info("queue flushed", "user_id", userID, "conn_id", c.ID(), "flushed", n)
	}
	return n, nil
}

// Resync flushes userID's queue into all live connections. It is the
// manual recovery path for messages left queued by exhausted deliveries.
func (r *Router) Resync(ctx context.Context, userID string) (int, error) {
	rs := r.lockRecipient(userID)
	if !r.reg.Online(userID) {
		r.unlockRecipient(userID, rs)
		return 0, fmt.Errorf("%w: %s", errs.ErrRecipientOffline, userID)
	}
	rs.flushers++
	r.unlockRecipient(userID, rs)

	return r.drain(ctx, userID, nil)
}

// drain runs snapshot rounds until a round finds nothing new, then closes
// the flush window under the recipient lock so that no enqueue slips in
// between the last check and the window closing. The caller must have
// incremented flushers.
func (r *Router) drain(ctx context.Context, userID string, first []*registry.Conn) (int, error) {
	total := 0
	var cursor uint64
	targets := first

	for {
		if len(targets) == 0 {
			targets = r.reg.ConnectionsFor(userID)
		}
		if len(targets) == 0 {
			r.closeWindow(userID, false)
			return total, nil
		}

		delivered, seen, last, err := r.flushRound(ctx, userID, cursor, targets)
		total += delivered
		if err != nil {
			r.closeWindow(userID, true)
			return total, err
		}
		cursor = max(cursor, last)

		if seen == 0 {
			rs := r.lockRecipient(userID)
			more, err := r.queue.HasAfter(ctx, userID, cursor)
			if err != nil {
				rs.flushers--
				if r.reg.Online(userID) {
					rs.backlog = true
					r.recoverLocked(userID, rs)
				}
				r.unlockRecipient(userID, rs)
				return total, fmt.Errorf("%w: %v", errs.ErrStore, err)
			}
			if !more {
				rs.flushers--
				if rs.flushers == 0 {
					rs.backlog = false
				}
				r.unlockRecipient(userID, rs)
				return total, nil
			}
			r.unlockRecipient(userID, rs)
		}
		targets = nil
	}
}

func (r *Router) closeWindow(userID string, backlog bool) {
	rs := r.lockRecipient(userID)
	rs.flushers--
	if backlog && r.reg.Online(userID) {
		rs.backlog = true
		r.recoverLocked(userID, rs)
	}
	r.unlockRecipient(userID, rs)
}

// flushRound delivers one snapshot of the queue after cursor. seen counts
// entries read, delivered those handed to a connection, last the position
// of the last entry processed.
func (r *Router) flushRound(ctx context.Context, userID string, cursor uint64, targets []*registry.Conn) (delivered, seen int, last uint64, err error) {
	last = cursor
	for e, ferr := range r.queue.Flush(ctx, userID, cursor) {
		if ferr != nil {
			return delivered, seen, last, fmt.Errorf("%w: %v", errs.ErrStore, ferr)
		}
		seen++

		if r.cfg.MaxFlushAttempts > 0 && e.Attempts > r.cfg.MaxFlushAttempts {
			r.fail(ctx, e)
			last = e.ID
			continue
		}
		if !r.push(ctx, e.Message, targets, true) {
			return delivered, seen, last, fmt.Errorf("%w: flush to %s stopped at %s", errs.ErrTransport, userID, e.MessageID)
		}
		delivered++
		last = e.ID
	}
	return delivered, seen, last, nil
}

func (r *Router) fail(ctx context.Context, e database.QueueEntry) {
	r.advance(ctx, e.MessageID, database.StateFailed)
	if err := r.queue.Drop(ctx, e.RecipientID, e.MessageID); err != nil {
		r.logger.Error("drop failed entry", "message_id", e.MessageID, "error", err)
	}
	r.logger.Warn("message failed", "message_id", e.MessageID, "recipient_id", e.RecipientID, "attempts", e.Attempts)
}

// Detach handles a disconnect or heartbeat expiry of c. Messages handed
// only to c and not acknowledged are queued again.
func (r *Router) Detach(c *registry.Conn) {
	rs := r.lockRecipient(c.UserID)
	requeued := r.detachLocked(rs, c)
	online := r.reg.Online(c.UserID)
	resync := requeued > 0 && online && rs.flushers == 0
	if resync {
		rs.backlog = true
	}
	announce := !online && rs.online
	if announce {
		rs.online = false
	}
	if !online {
		// The next Connect flushes whatever is queued.
		rs.backlog = false
	}
	r.unlockRecipient(c.UserID, rs)

	if requeued > 0 {
		r.logger.Info("in-flight messages requeued", "user_id", c.UserID, "conn_id", c.ID(), "count", requeued)
	}
	if resync {
		r.resyncAsync(c.UserID)
	}
	if announce {
		r.presence.Publish(c.UserID, false)
	}
}

// detachLocked must hold rs.mu.
func (r *Router) detachLocked(rs *recipientState, c *registry.Conn) (requeued int) {
	r.reg.Unregister(c.ID())
	c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
	defer cancel()
	for id, f := range rs.inflight {
		if _, ok := f.conns[c.ID()]; !ok {
			continue
		}
		delete(f.conns, c.ID())
		if len(f.conns) > 0 {
			continue
		}
		delete(rs.inflight, id)
		// Flushed entries are still in the queue until acked.
		if !f.queued {
			r.enqueue(ctx, f.msg)
			requeued++
		}
	}
	return requeued
}

func (r *Router) resyncAsync(userID string) {
	r.spawn(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, r.cfg.FlushTimeout)
		defer cancel()
		if _, err := r.Resync(ctx, userID); err != nil && !errors.Is(err, errs.ErrRecipientOffline) {
			r.logger.Warn("background resync", "user_id", userID, "error", err)
		}
	})
}

// recoverLocked starts the backlog recovery loop for userID unless one is
// running or the backlog is gone. Must hold rs.mu.
func (r *Router) recoverLocked(userID string, rs *recipientState) {
	if rs.recovering || !rs.backlog {
		return
	}
	rs.recovering = true
	if !r.spawn(func(ctx context.Context) { r.recoverBacklog(ctx, userID) }) {
		rs.recovering = false
	}
}

// recoverBacklog flushes userID's backlog to every live connection after a
// growing delay until the queue drains, the user goes offline or the router
// closes. Later messages for the user stay queued until then.
func (r *Router) recoverBacklog(ctx context.Context, userID string) {
	b := retry.WithCappedDuration(r.cfg.MaxRecoveryDelay, retry.NewExponential(r.cfg.RecoveryDelay))
	for {
		delay, _ := b.Next()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.stopRecovery(userID)
			return
		case <-timer.C:
		}

		rs := r.lockRecipient(userID)
		switch {
		case !rs.backlog || !r.reg.Online(userID):
			rs.recovering = false
			if !r.reg.Online(userID) {
				rs.backlog = false
			}
			r.unlockRecipient(userID, rs)
			return
		case rs.flushers > 0:
			// The running flush clears the backlog when it drains.
			r.unlockRecipient(userID, rs)
			continue
		}
		rs.flushers++
		r.unlockRecipient(userID, rs)

		flushCtx, cancel := context.WithTimeout(ctx, r.cfg.FlushTimeout)
		n, err := r.drain(flushCtx, userID, nil)
		cancel()
		if err != nil {
			r.logger.Debug("backlog recovery failed", "user_id", userID, "flushed", n, "error", err)
			continue
		}
		r.logger.Info("backlog recovered", "user_id", userID, "flushed", n)
	}
}

func (r *Router) stopRecovery(userID string) {
	rs := r.lockRecipient(userID)
	rs.recovering = false
	r.unlockRecipient(userID, rs)
}
