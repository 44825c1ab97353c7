// Package auth issues and validates session credentials bound to a user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"mensageria/internal/database"
	"mensageria/internal/errs"
	"mensageria/internal/shard"
)

// Config controls token signing and lifetimes.
type Config struct {
	// Secret is the HS256 secret used when KeyFile is empty.
	Secret string
	// KeyFile is an optional PEM private key; when set tokens are signed with
	// RS256, ES256 or EdDSA depending on the key type.
	KeyFile    string
	Issuer     string
	TTL        time.Duration
	CacheTTL   time.Duration
	BcryptCost int
}

// Credentials is a username/password login attempt.
type Credentials struct {
	Username string
	Password string
}

// Session is an issued credential.
type Session struct {
	Token     string    `json:"token"`
	ID        string    `json:"-"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type cachedSession struct {
	userID    string
	expiresAt time.Time
	cachedAt  time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the session authority. It owns the session table.
type Manager struct {
	db       *gorm.DB
	key      signingKey
	signer   jose.Signer
	issuer   string
	ttl      time.Duration
	cacheTTL time.Duration
	cost     int
	cache    *shard.Map[cachedSession]
	now      func() time.Time
	logger   *slog.Logger

	// dummyHash keeps unknown-user logins as slow as wrong-password ones.
	dummyHash []byte
}

func NewManager(db *gorm.DB, cfg Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("auth: db is nil")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("auth: session ttl must be positive")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}

	var key signingKey
	switch {
	case cfg.KeyFile != "":
		k, err := readSigningKey(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		key = k
	case cfg.Secret != "":
		key = hmacKey(cfg.Secret)
	default:
		return nil, errors.New("auth: either a secret or a key file is required")
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: key.alg, Key: key.sign},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: build signer: %w", err)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("mensageria"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	m := &Manager{
		db:        db,
		key:       key,
		signer:    signer,
		issuer:    cfg.Issuer,
		ttl:       cfg.TTL,
		cacheTTL:  cfg.CacheTTL,
		cost:      cfg.BcryptCost,
		cache:     shard.New[cachedSession](0),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "auth"),
		dummyHash: dummy,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Register creates a user with a bcrypt password hash.
func (m *Manager) Register(ctx context.Context, username, password, displayName string) (database.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return database.User{}, fmt.Errorf("%w: empty username/password", errs.ErrInvalidCredentials)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return database.User{}, fmt.Errorf("hash password: %w", err)
	}
	if displayName == "" {
		displayName = username
	}
	u := database.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		DisplayName:  displayName,
	}
	if err := database.Create(ctx, m.db, &u); err != nil {
		return database.User{}, fmt.Errorf("register %q: %w", username, err)
	}
	m.logger.Info("user registered", "user_id", u.ID)
	return u, nil
}

// Authenticate verifies credentials and issues a new session.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) (Session, error) {
	u, err := database.First[database.User](ctx, m.db, "username = ?", creds.Username)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			return Session{}, fmt.Errorf("load user: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(m.dummyHash, []byte(creds.Password))
		return Session{}, errs.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(creds.Password)); err != nil {
		return Session{}, errs.ErrInvalidCredentials
	}

	now := m.now()
	row := database.Session{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	token, err := m.sign(row)
	if err != nil {
		return Session{}, err
	}
	if err := database.Create(ctx, m.db, &row); err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}

	m.logger.Info("session issued", "user_id", u.ID, "expires_at", row.ExpiresAt)
	return Session{
		Token:     token,
		ID:        row.ID,
		UserID:    u.ID,
		Username:  u.Username,
		IssuedAt:  row.IssuedAt,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

func (m *Manager) sign(row database.Session) (string, error) {
	claims := jwt.Claims{
		ID:       row.ID,
		Subject:  row.UserID,
		Issuer:   m.issuer,
		IssuedAt: jwt.NewNumericDate(row.IssuedAt),
		Expiry:   jwt.NewNumericDate(row.ExpiresAt),
	}
	token, err := jwt.Signed(m.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// parse checks the signature and returns the claims without validating time.
func (m *Manager) parse(token string) (jwt.Claims, error) {
	var claims jwt.Claims
	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{m.key.alg})
	if err != nil {
		return claims, errs.ErrInvalidToken
	}
	if err := tok.Claims(m.key.verify, &claims); err != nil {
		return claims, errs.ErrInvalidToken
	}
	if claims.ID == "" || claims.Subject == "" {
		return claims, errs.ErrInvalidToken
	}
	return claims, nil
}

// Validate resolves a token to its user id.
func (m *Manager) Validate(ctx context.Context, token string) (string, error) {
	claims, err := m.parse(token)
	if err != nil {
		return "", err
	}

	now := m.now()
	if err := claims.ValidateWithLeeway(jwt.Expected{Issuer: m.issuer, Time: now}, 0); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return "", errs.ErrExpiredSession
		}
		return "", errs.ErrInvalidToken
	}

	if c, ok := m.cache.Get(claims.ID); ok && now.Sub(c.cachedAt) < m.cacheTTL {
		if !now.Before(c.expiresAt) {
			return "", errs.ErrExpiredSession
		}
		return c.userID, nil
	}

	row, err := database.First[database.Session](ctx, m.db, "id = ?", claims.ID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", errs.ErrInvalidToken
		}
		return "", fmt.Errorf("load session: %w", err)
	}
	if row.RevokedAt != nil || row.UserID != claims.Subject {
		return "", errs.ErrInvalidToken
	}
	if !now.Before(row.ExpiresAt) {
		return "", errs.ErrExpiredSession
	}

	if m.cacheTTL > 0 {
		m.cache.Set(row.ID, cachedSession{userID: row.UserID, expiresAt: row.ExpiresAt, cachedAt: now})
	}
	return row.UserID, nil
}

// Invalidate revokes the session behind token. Revoking an unknown, expired
// or already revoked session is a no-op.
func (m *Manager) Invalidate(ctx context.Context, token string) error {
	claims, err := m.parse(token)
	if err != nil {
		return err
	}
	m.cache.Delete(claims.ID)

	now := m.now()
	res := m.db.WithContext(ctx).
		Model(&database.Session{}).
		Where("id = ? AND revoked_at IS NULL", claims.ID).
		Update("revoked_at", now)
	if res.Error != nil {
		return fmt.Errorf("revoke session: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		m.logger.Info("session revoked", "user_id", claims.Subject)
	}
	return nil
}

// PruneExpired deletes sessions that expired before now.
func (m *Manager) PruneExpired(ctx context.Context) (int64, error) {
	res := m.db.WithContext(ctx).Where("expires_at < ?", m.now()).Delete(&database.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
