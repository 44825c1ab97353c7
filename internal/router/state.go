package router

import (
	"sync"

	"mensageria/internal/database"
	"mensageria/internal/registry"
)

// pairState serializes sequence allocation for one sender → recipient pair.
// refs counts the Send calls holding it; the entry is dropped at zero and the
// next Send reloads the last sequence from the store.
type pairState struct {
	mu     sync.Mutex
	refs   int
	loaded bool
	last   uint64
}

// recipientState guards routing decisions for one recipient. While a flush
// runs (flushers > 0) or a backlog is known to sit in the queue, new messages
// are queued behind it instead of overtaking it.
type recipientState struct {
	mu       sync.Mutex
	flushers int
	backlog  bool
	// recovering is set while a background loop retries the backlog.
	recovering bool
	// online is the last presence state published for the recipient.
	online   bool
	inflight map[string]*inflight
	// evicted marks a state removed from the map; holders must look it up again.
	evicted bool
}

// inflight is a message handed to connections but not yet acknowledged.
type inflight struct {
	msg    database.Message
	conns  map[string]struct{}
	queued bool
}

func pairKey(senderID, recipientID string) string {
	return senderID + "\x00" + recipientID
}

func (r *Router) acquirePair(key string) *pairState {
	var p *pairState
	r.pairs.Update(key, func(cur *pairState, ok bool) (*pairState, bool) {
		if !ok {
			cur = &pairState{}
		}
		cur.refs++
		p = cur
		return cur, true
	})
	return p
}

func (r *Router) releasePair(key string) {
	r.pairs.Update(key, func(cur *pairState, ok bool) (*pairState, bool) {
		if !ok {
			return cur, false
		}
		cur.refs--
		return cur, cur.refs > 0
	})
}

// lockRecipient returns the locked state of userID.
func (r *Router) lockRecipient(userID string) *recipientState {
	for {
		rs := r.recipients.GetOrCreate(userID, func() *recipientState {
			return &recipientState{inflight: make(map[string]*inflight)}
		})
		rs.mu.Lock()
		if !rs.evicted {
			return rs
		}
		rs.mu.Unlock()
	}
}

// unlockRecipient releases rs, dropping it from the map first when it no
// longer carries anything for an offline user.
func (r *Router) unlockRecipient(userID string, rs *recipientState) {
	if rs.idle() && !r.reg.Online(userID) {
		rs.evicted = true
		r.recipients.Delete(userID)
	}
	rs.mu.Unlock()
}

func (rs *recipientState) idle() bool {
	return rs.flushers == 0 && !rs.backlog && !rs.recovering && !rs.online && len(rs.inflight) == 0
}

// track records that m is being handed to conns. Must hold rs.mu.
func (rs *recipientState) track(m database.Message, conns []*registry.Conn, queued bool) *inflight {
	f, ok := rs.inflight[m.ID]
	if !ok {
		f = &inflight{msg: m, conns: make(map[string]struct{}, len(conns))}
		rs.inflight[m.ID] = f
	}
	f.queued = f.queued || queued
	for _, c := range conns {
		f.conns[c.ID()] = struct{}{}
	}
	return f
}

// forget removes connID from m's receivers and drops the record when no
// receiver is left. Must hold rs.mu.
func (rs *recipientState) forget(messageID, connID string) {
	f, ok := rs.inflight[messageID]
	if !ok {
		return
	}
	delete(f.conns, connID)
	if len(f.conns) == 0 {
		delete(rs.inflight, messageID)
	}
}

// flushing reports whether new messages must be queued. Must hold rs.mu.
func (rs *recipientState) flushing() bool {
	return rs.flushers > 0 || rs.backlog
}
