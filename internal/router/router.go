// Package router sequences outgoing messages, fans them out to the
// recipient's live connections and falls back to the offline queue.
package router

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"mensageria/internal/database"
	"mensageria/internal/errs"
	"mensageria/internal/protocol"
	"mensageria/internal/registry"
	"mensageria/internal/shard"
)

const (
	DefaultDeliveryAttempts = 3
	DefaultBackoffBase      = 50 * time.Millisecond
	DefaultAttemptTimeout   = 2 * time.Second
	DefaultFlushTimeout     = time.Minute
	DefaultRecoveryDelay    = 100 * time.Millisecond
	DefaultMaxRecoveryDelay = 5 * time.Second
)

// Config tunes delivery.
type Config struct {
	// DeliveryAttempts bounds hand-off attempts per connection.
	DeliveryAttempts int
	// BackoffBase is the first retry delay; it doubles on each retry.
	BackoffBase time.Duration
	// AttemptTimeout bounds a single hand-off attempt.
	AttemptTimeout time.Duration
	// FlushTimeout bounds background flushes and disconnect requeues.
	FlushTimeout time.Duration
	// MaxFlushAttempts marks a queued message Failed and drops it from the
	// queue once it has been flushed that many times without an ack.
	// Zero keeps messages queued forever.
	MaxFlushAttempts int
	// RecoveryDelay is the wait before a backlog left by failed deliveries
	// is flushed again; it doubles up to MaxRecoveryDelay while the flush
	// keeps failing.
	RecoveryDelay    time.Duration
	MaxRecoveryDelay time.Duration
	Shards           int
}

func (c *Config) setDefaults() {
	if c.DeliveryAttempts <= 0 {
		c.DeliveryAttempts = DefaultDeliveryAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = DefaultRecoveryDelay
	}
	if c.MaxRecoveryDelay < c.RecoveryDelay {
		c.MaxRecoveryDelay = max(DefaultMaxRecoveryDelay, c.RecoveryDelay)
	}
}

// Store is the durable message log.
type Store interface {
	Append(ctx context.Context, m *database.Message) error
	Get(ctx context.Context, id string) (database.Message, error)
	LastSequence(ctx context.Context, senderID, recipientID string) (uint64, error)
	Advance(ctx context.Context, id string, next database.State) (bool, error)
}

// Queue is the per-recipient offline queue.
type Queue interface {
	// Admit appends m to the log and queues it in one transaction.
	Admit(ctx context.Context, m *database.Message) error
	Enqueue(ctx context.Context, m database.Message) error
	Flush(ctx context.Context, recipientID string, after uint64) iter.Seq2[database.QueueEntry, error]
	HasAfter(ctx context.Context, recipientID string, after uint64) (bool, error)
	Ack(ctx context.Context, recipientID, messageID string) error
	Drop(ctx context.Context, recipientID, messageID string) error
}

// Presence receives online/offline transitions. Implementations must not block.
type Presence interface {
	Publish(userID string, online bool)
}

type Option func(*Router)

func WithPresence(p Presence) Option {
	return func(r *Router) { r.presence = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

type nopPresence struct{}

func (nopPresence) Publish(string, bool) {}

type Router struct {
	cfg        Config
	store      Store
	queue      Queue
	reg        *registry.Registry
	presence   Presence
	pairs      *shard.Map[*pairState]
	recipients *shard.Map[*recipientState]
	now        func() time.Time
	logger     *slog.Logger

	// ctx is cancelled by Close and bounds background flushes.
	ctx    context.Context
	cancel context.CancelFunc
	bgMu   sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, store Store, queue Queue, reg *registry.Registry, logger *slog.Logger, opts ...Option) *Router {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		store:      store,
		queue:      queue,
		reg:        reg,
		presence:   nopPresence{},
		pairs:      shard.New[*pairState](cfg.Shards),
		recipients: shard.New[*recipientState](cfg.Shards),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With("component", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send assigns the next sequence of the sender → recipient pair, durably
// appends the message and then delivers or queues it. A nil error means the
// message is recorded; delivery problems are never reported to the sender.
func (r *Router) Send(ctx context.Context, senderID, recipientID string, ciphertext, nonce []byte) (database.Message, error) {
	if senderID == "" || recipientID == "" || len(ciphertext) == 0 {
		return database.Message{}, fmt.Errorf("%w: incomplete message", errs.ErrMalformedUpload)
	}

	key := pairKey(senderID, recipientID)
	p := r.acquirePair(key)
	defer r.releasePair(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		last, err := r.store.LastSequence(ctx, senderID, recipientID)
		if err != nil {
			return database.Message{}, fmt.Errorf("%w: %v", errs.ErrStore, err)
		}
		p.last, p.loaded = last, true
	}

	m := database.Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Sequence:    p.last + 1,
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		State:       database.StateQueued,
		CreatedAt:   r.now(),
	}

	queued, err := r.admit(ctx, &m)
	if err != nil {
		r.logger.Error("append failed", "sender_id", senderID, "recipient_id", recipientID, "sequence", m.Sequence, "error", err)
		return database.Message{}, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	if queued {
		p.last = m.Sequence
		return m, nil
	}

	if err := r.store.Append(ctx, &m); err != nil {
		r.logger.Error("append failed", "sender_id", senderID, "recipient_id", recipientID, "sequence", m.Sequence, "error", err)
		return database.Message{}, fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	p.last = m.Sequence

	if r.route(ctx, m) {
		m.State = database.StateDelivered
	}
	return m, nil
}

// admit records m together with its queue entry when the recipient has no
// live connection or a flush is in progress. It reports whether it did.
func (r *Router) admit(ctx context.Context, m *database.Message) (bool, error) {
	rs := r.lockRecipient(m.RecipientID)
	defer r.unlockRecipient(m.RecipientID, rs)

	if len(r.reg.ConnectionsFor(m.RecipientID)) > 0 && !rs.flushing() {
		return false, nil
	}
	if err := r.queue.Admit(ctx, m); err != nil {
		return false, err
	}
	return true, nil
}

// route delivers an appended m directly or queues it. It reports whether any
// live connection accepted the frame.
func (r *Router) route(ctx context.Context, m database.Message) bool {
	rs := r.lockRecipient(m.RecipientID)
	conns := r.reg.ConnectionsFor(m.RecipientID)
	if len(conns) == 0 || rs.flushing() {
		r.enqueue(ctx, m)
		r.unlockRecipient(m.RecipientID, rs)
		return false
	}
	r.unlockRecipient(m.RecipientID, rs)

	if r.push(ctx, m, conns, false) {
		return true
	}

	rs = r.lockRecipient(m.RecipientID)
	r.enqueue(ctx, m)
	if len(r.reg.ConnectionsFor(m.RecipientID)) > 0 {
		rs.backlog = true
		r.recoverLocked(m.RecipientID, rs)
	}
	r.unlockRecipient(m.RecipientID, rs)
	r.logger.Warn("delivery exhausted, message queued", "message_id", m.ID, "recipient_id", m.RecipientID)
	return false
}

// push hands m to every connection in conns, retrying each independently,
// and marks it Delivered once at least one accepted it.
func (r *Router) push(ctx context.Context, m database.Message, conns []*registry.Conn, queued bool) bool {
	if len(conns) == 0 {
		return false
	}
	frame, err := protocol.EncodeMessage(m)
	if err != nil {
		r.logger.Error("encode message", "message_id", m.ID, "error", err)
		return false
	}

	rs := r.lockRecipient(m.RecipientID)
	rs.track(m, conns, queued)
	r.unlockRecipient(m.RecipientID, rs)

	results := make([]error, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.deliver(ctx, c, frame)
		}()
	}
	wg.Wait()

	delivered := 0
	rs = r.lockRecipient(m.RecipientID)
	for i, c := range conns {
		if results[i] != nil {
			rs.forget(m.ID, c.ID())
			r.logger.Debug("delivery failed", "message_id", m.ID, "conn_id", c.ID(), "error", results[i])
			continue
		}
		delivered++
	}
	r.unlockRecipient(m.RecipientID, rs)

	if delivered == 0 {
		return false
	}
	r.advance(ctx, m.ID, database.StateDelivered)
	return true
}

// deliver makes up to DeliveryAttempts hand-offs with exponential backoff.
// A closed connection is not retried.
func (r *Router) deliver(ctx context.Context, c *registry.Conn, frame []byte) error {
	b := retry.WithMaxRetries(uint64(r.cfg.DeliveryAttempts-1), retry.NewExponential(r.cfg.BackoffBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
		err := r.reg.Deliver(attemptCtx, c, frame)
		if err == nil || c.Closed() {
			return err
		}
		return retry.RetryableError(err)
	})
}

// OnAck records the recipient's acknowledgement of messageID. One ack from
// any device is enough; repeated acks are no-ops.
func (r *Router) OnAck(ctx context.Context, userID, messageID string) error {
	m, err := r.store.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	if m.RecipientID != userID {
		return fmt.Errorf("%w: message %s", errs.ErrNotFound, messageID)
	}

	// Delivered first so an ack that overtakes the delivery bookkeeping still
	// passes through Delivered.
	if _, err := r.store.Advance(ctx, messageID, database.StateDelivered); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	acked, err := r.store.Advance(ctx, messageID, database.StateAcked)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStore, err)
	}
	if err := r.queue.Ack(ctx, userID, messageID); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStore, err)
	}

	rs := r.lockRecipient(userID)
	delete(rs.inflight, messageID)
	resync := rs.backlog && rs.flushers == 0
	r.unlockRecipient(userID, rs)

	if acked {
		r.logger.Debug("message acked", "message_id", messageID, "recipient_id", userID)
	}
	if resync {
		r.resyncAsync(userID)
	}
	return nil
}

// Close stops background flushes and waits for them. Call it once no
// connection can reach the router any more.
func (r *Router) Close() {
	r.bgMu.Lock()
	r.closed = true
	r.bgMu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// spawn runs fn in a tracked goroutine unless the router is closed.
func (r *Router) spawn(fn func(ctx context.Context)) bool {
	r.bgMu.Lock()
	defer r.bgMu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
	return true
}

func (r *Router) enqueue(ctx context.Context, m database.Message) {
	// Only reached for messages already in the log; a failed enqueue leaves
	// them recoverable through history.
	if err := r.queue.Enqueue(context.WithoutCancel(ctx), m); err != nil {
		r.logger.Error("enqueue failed", "message_id", m.ID, "recipient_id", m.RecipientID, "error", err)
	}
}

func (r *Router) advance(ctx context.Context, id string, next database.State) {
	if _, err := r.store.Advance(context.WithoutCancel(ctx), id, next); err != nil {
		r.logger.Error("advance state", "message_id", id, "state", next, "error", err)
	}
}
