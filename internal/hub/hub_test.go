package hub

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"mensageria/internal/auth"
	"mensageria/internal/database"
	"mensageria/internal/keys"
	"mensageria/internal/protocol"
	"mensageria/internal/queue"
	"mensageria/internal/registry"
	"mensageria/internal/router"
	"mensageria/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	srv      *httptest.Server
	hub      *Hub
	cancel   context.CancelFunc
	auth     *auth.Manager
	messages *store.Messages
	queue    *queue.Offline
	clock    *testClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Now().UTC()}
	mgr, err := auth.NewManager(db, auth.Config{
		Secret:     "hub-test",
		TTL:        time.Hour,
		BcryptCost: bcrypt.MinCost,
	}, logger, auth.WithClock(clock.Now))
	require.NoError(t, err)

	reg := registry.New(registry.Config{}, logger)
	presence := NewPresence(reg, logger)
	messages := store.NewMessages(db, 0)
	offline := queue.NewOffline(db, 0)
	rt := router.New(router.Config{
		BackoffBase:    time.Millisecond,
		AttemptTimeout: 100 * time.Millisecond,
	}, messages, offline, reg, logger, router.WithPresence(presence))

	ctx, cancel := context.WithCancel(context.Background())
	h := New(ctx, Config{AuthTimeout: time.Second}, mgr, keys.NewDirectory(db, logger), rt, messages, reg, presence, logger)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		h.Wait()
		rt.Close()
	})
	return &env{srv: srv, hub: h, cancel: cancel, auth: mgr, messages: messages, queue: offline, clock: clock}
}

func (e *env) login(t *testing.T, username string) (string, string) {
	t.Helper()
	ctx := context.Background()
	u, err := e.auth.Register(ctx, username, "pwd", "")
	require.NoError(t, err)
	s, err := e.auth.Authenticate(ctx, auth.Credentials{Username: username, Password: "pwd"})
	require.NoError(t, err)
	return u.ID, s.Token
}

func (e *env) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// connect dials and authenticates, failing the test unless auth-ok arrives.
func (e *env) connect(t *testing.T, token, deviceID string) *websocket.Conn {
	t.Helper()
	ws := e.dial(t)
	send(t, ws, protocol.TypeAuth, protocol.Auth{Token: token, DeviceID: deviceID})
	expect(t, ws, protocol.TypeAuthOK, &protocol.AuthOK{})
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func expect(t *testing.T, ws *websocket.Conn, typ string, v any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.Decode(data)
	require.NoError(t, err)
	require.Equal(t, typ, frame.Type, "frame: %s", data)
	if v != nil {
		require.NoError(t, protocol.DecodePayload(frame, v))
	}
}

func TestAuth_RefusesExpiredToken(t *testing.T) {
	e := newEnv(t)
	_, token := e.login(t, "bob")
	e.clock.Advance(2 * time.Hour)

	ws := e.dial(t)
	send(t, ws, protocol.TypeAuth, protocol.Auth{Token: token})
	var fail protocol.AuthFail
	expect(t, ws, protocol.TypeAuthFail, &fail)
	assert.Equal(t, "expired", fail.Reason)

	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestAuth_FirstFrameMustBeAuth(t *testing.T) {
	e := newEnv(t)
	ws := e.dial(t)
	send(t, ws, protocol.TypePing, nil)

	var fail protocol.AuthFail
	expect(t, ws, protocol.TypeAuthFail, &fail)
	assert.Equal(t, "invalid", fail.Reason)
}

func TestAuth_BadToken(t *testing.T) {
	e := newEnv(t)
	ws := e.dial(t)
	send(t, ws, protocol.TypeAuth, protocol.Auth{Token: "garbage"})
	expect(t, ws, protocol.TypeAuthFail, nil)
}

func TestKeysAndMessaging(t *testing.T) {
	e := newEnv(t)
	aliceID, aliceToken := e.login(t, "alice")
	bobID, bobToken := e.login(t, "bob")

	bob := e.connect(t, bobToken, "phone")
	alice := e.connect(t, aliceToken, "laptop")

	send(t, alice, protocol.TypeKeyUpload, protocol.KeyUpload{PublicKey: []byte("alice-pub")})
	var ack protocol.KeyAck
	expect(t, alice, protocol.TypeKeyAck, &ack)
	assert.EqualValues(t, 1, ack.Version)

	send(t, bob, protocol.TypeKeyLookup, protocol.KeyLookup{UserID: aliceID})
	var key protocol.KeyResult
	expect(t, bob, protocol.TypeKeyResult, &key)
	assert.Equal(t, []byte("alice-pub"), key.PublicKey)

	send(t, bob, protocol.TypeKeyLookup, protocol.KeyLookup{UserID: "nobody"})
	expect(t, bob, protocol.TypeKeyNotFound, nil)

	send(t, alice, protocol.TypeMessage, protocol.SendMessage{
		RecipientID: bobID,
		Ciphertext:  []byte("sealed"),
		Nonce:       []byte("nonce"),
		ClientRef:   "r1",
	})
	var accepted protocol.MessageAccepted
	expect(t, alice, protocol.TypeMessageAccepted, &accepted)
	assert.EqualValues(t, 1, accepted.Sequence)
	assert.Equal(t, "r1", accepted.ClientRef)

	var got protocol.Message
	expect(t, bob, protocol.TypeMessage, &got)
	assert.Equal(t, accepted.MessageID, got.MessageID)
	assert.Equal(t, aliceID, got.SenderID)
	assert.Equal(t, []byte("sealed"), got.Ciphertext)

	send(t, bob, protocol.TypeMessageAck, protocol.MessageAck{MessageID: got.MessageID})
	assert.Eventually(t, func() bool {
		m, err := e.messages.Get(context.Background(), got.MessageID)
		return err == nil && m.State == database.StateAcked
	}, 3*time.Second, 10*time.Millisecond)

	send(t, bob, protocol.TypeHistory, protocol.History{PeerID: aliceID})
	var hist protocol.HistoryResult
	expect(t, bob, protocol.TypeHistoryResult, &hist)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, got.MessageID, hist.Messages[0].MessageID)
}

func TestOfflineRecipient_FlushedOnConnect(t *testing.T) {
	e := newEnv(t)
	_, aliceToken := e.login(t, "alice")
	bobID, bobToken := e.login(t, "bob")

	alice := e.connect(t, aliceToken, "laptop")
	for _, text := range []string{"C1", "C2"} {
		send(t, alice, protocol.TypeMessage, protocol.SendMessage{RecipientID: bobID, Ciphertext: []byte(text), Nonce: []byte("n")})
		expect(t, alice, protocol.TypeMessageAccepted, nil)
	}

	bob := e.connect(t, bobToken, "phone")
	var first, second protocol.Message
	expect(t, bob, protocol.TypeMessage, &first)
	expect(t, bob, protocol.TypeMessage, &second)
	assert.Equal(t, "C1", string(first.Ciphertext))
	assert.Equal(t, "C2", string(second.Ciphertext))
}

func TestPresenceAndPing(t *testing.T) {
	e := newEnv(t)
	_, aliceToken := e.login(t, "alice")
	bobID, bobToken := e.login(t, "bob")

	alice := e.connect(t, aliceToken, "laptop")
	send(t, alice, protocol.TypePing, nil)
	expect(t, alice, protocol.TypePong, nil)

	send(t, alice, protocol.TypePresence, protocol.Presence{UserID: bobID})
	var p protocol.Presence
	expect(t, alice, protocol.TypePresence, &p)
	assert.False(t, p.Online)

	e.connect(t, bobToken, "phone")
	expect(t, alice, protocol.TypePresence, &p)
	assert.Equal(t, bobID, p.UserID)
	assert.True(t, p.Online)
}

func TestUnknownFrame(t *testing.T) {
	e := newEnv(t)
	_, token := e.login(t, "alice")
	ws := e.connect(t, token, "")

	send(t, ws, "teleport", nil)
	var perr protocol.Error
	expect(t, ws, protocol.TypeError, &perr)
	assert.Equal(t, protocol.CodeBadFrame, perr.Code)

	send(t, ws, protocol.TypeMessage, protocol.SendMessage{RecipientID: "bob", ClientRef: "r9"})
	expect(t, ws, protocol.TypeError, &perr)
	assert.Equal(t, protocol.CodeMalformed, perr.Code)
	assert.Equal(t, "r9", perr.Ref)
}

func TestWait_RequeuesUnackedBeforeReturning(t *testing.T) {
	e := newEnv(t)
	_, aliceToken := e.login(t, "alice")
	bobID, bobToken := e.login(t, "bob")

	bob := e.connect(t, bobToken, "phone")
	alice := e.connect(t, aliceToken, "laptop")
	send(t, alice, protocol.TypeMessage, protocol.SendMessage{RecipientID: bobID, Ciphertext: []byte("unacked"), Nonce: []byte("n")})
	expect(t, alice, protocol.TypeMessageAccepted, nil)
	expect(t, bob, protocol.TypeMessage, nil)

	e.cancel()
	e.hub.Wait()

	n, err := e.queue.Pending(context.Background(), bobID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the unacked message is queued again once Wait returns")

	late := e.dial(t)
	require.NoError(t, late.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
