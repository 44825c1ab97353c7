// Package config holds the server settings. Values come from defaults, then
// MSG_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	Addr string
	DSN  string

	TokenSecret     string
	TokenKeyFile    string
	TokenIssuer     string
	SessionTTL      time.Duration
	SessionCacheTTL time.Duration

	HeartbeatTimeout time.Duration
	PingPeriod       time.Duration
	SendBuffer       int

	DeliveryAttempts int
	BackoffBase      time.Duration
	AttemptTimeout   time.Duration
	QueuePageSize    int
	MaxFlushAttempts int

	AllowedOrigins []string

	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// LoadDefaults fills c with development defaults. TokenSecret has none.
func (c *Config) LoadDefaults() {
	c.Addr = ":8080"
	c.DSN = "mensageria.db"
	c.TokenIssuer = "mensageria"
	c.SessionTTL = 24 * time.Hour
	c.SessionCacheTTL = 30 * time.Second
	c.HeartbeatTimeout = 60 * time.Second
	c.PingPeriod = 50 * time.Second
	c.SendBuffer = 256
	c.DeliveryAttempts = 3
	c.BackoffBase = 50 * time.Millisecond
	c.AttemptTimeout = 2 * time.Second
	c.QueuePageSize = 64
	c.AllowedOrigins = []string{"*"}
	c.S3Region = "us-east-1"
	c.LogLevel = "info"
	c.LogFormat = "text"
	c.ShutdownTimeout = 10 * time.Second
}

// LoadEnv overlays MSG_* variables. lookup is usually os.LookupEnv.
func (c *Config) LoadEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("MSG_ADDR", &c.Addr)
	str("MSG_DSN", &c.DSN)
	str("MSG_TOKEN_SECRET", &c.TokenSecret)
	str("MSG_TOKEN_KEY_FILE", &c.TokenKeyFile)
	str("MSG_TOKEN_ISSUER", &c.TokenIssuer)
	dur("MSG_SESSION_TTL", &c.SessionTTL)
	dur("MSG_SESSION_CACHE_TTL", &c.SessionCacheTTL)
	dur("MSG_HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)
	dur("MSG_PING_PERIOD", &c.PingPeriod)
	num("MSG_SEND_BUFFER", &c.SendBuffer)
	num("MSG_DELIVERY_ATTEMPTS", &c.DeliveryAttempts)
	dur("MSG_BACKOFF_BASE", &c.BackoffBase)
	dur("MSG_ATTEMPT_TIMEOUT", &c.AttemptTimeout)
	num("MSG_QUEUE_PAGE_SIZE", &c.QueuePageSize)
	num("MSG_MAX_FLUSH_ATTEMPTS", &c.MaxFlushAttempts)
	if v, ok := lookup("MSG_ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitList(v)
	}
	str("MSG_S3_ENDPOINT", &c.S3Endpoint)
	str("MSG_S3_BUCKET", &c.S3Bucket)
	str("MSG_S3_REGION", &c.S3Region)
	str("MSG_S3_ACCESS_KEY", &c.S3AccessKey)
	str("MSG_S3_SECRET_KEY", &c.S3SecretKey)
	str("MSG_LOG_LEVEL", &c.LogLevel)
	str("MSG_LOG_FORMAT", &c.LogFormat)
	dur("MSG_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	return errors.Join(errs...)
}

// BindFlags registers a flag per setting, defaulting to the current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.DSN, "dsn", c.DSN, "SQLite database file or DSN")
	fs.StringVar(&c.TokenSecret, "token-secret", c.TokenSecret, "HMAC secret for session tokens")
	fs.StringVar(&c.TokenKeyFile, "token-key-file", c.TokenKeyFile, "PEM private key for session tokens (RSA, P-256 or Ed25519)")
	fs.StringVar(&c.TokenIssuer, "token-issuer", c.TokenIssuer, "session token issuer")
	fs.DurationVar(&c.SessionTTL, "session-ttl", c.SessionTTL, "session lifetime")
	fs.DurationVar(&c.SessionCacheTTL, "session-cache-ttl", c.SessionCacheTTL, "how long a validated session is served from memory")
	fs.DurationVar(&c.HeartbeatTimeout, "heartbeat-timeout", c.HeartbeatTimeout, "silence after which a connection is dropped")
	fs.DurationVar(&c.PingPeriod, "ping-period", c.PingPeriod, "interval between server pings")
	fs.IntVar(&c.SendBuffer, "send-buffer", c.SendBuffer, "outbound frames buffered per connection")
	fs.IntVar(&c.DeliveryAttempts, "delivery-attempts", c.DeliveryAttempts, "hand-off attempts per connection")
	fs.DurationVar(&c.BackoffBase, "backoff-base", c.BackoffBase, "first retry delay")
	fs.DurationVar(&c.AttemptTimeout, "attempt-timeout", c.AttemptTimeout, "timeout of a single hand-off attempt")
	fs.IntVar(&c.QueuePageSize, "queue-page-size", c.QueuePageSize, "offline queue entries read per query")
	fs.IntVar(&c.MaxFlushAttempts, "max-flush-attempts", c.MaxFlushAttempts, "flushes without ack before a message fails (0 = never)")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "allowed CORS and WebSocket origins")
	fs.StringVar(&c.S3Endpoint, "s3-endpoint", c.S3Endpoint, "S3 compatible endpoint for attachments")
	fs.StringVar(&c.S3Bucket, "s3-bucket", c.S3Bucket, "attachment bucket; empty disables attachments")
	fs.StringVar(&c.S3Region, "s3-region", c.S3Region, "attachment bucket region")
	fs.StringVar(&c.S3AccessKey, "s3-access-key", c.S3AccessKey, "attachment storage access key")
	fs.StringVar(&c.S3SecretKey, "s3-secret-key", c.S3SecretKey, "attachment storage secret key")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "grace period for open requests on shutdown")
}

func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if c.TokenSecret == "" && c.TokenKeyFile == "" {
		errs = append(errs, errors.New("token-secret or token-key-file is required"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session-ttl must be positive"))
	}
	if c.HeartbeatTimeout > 0 && c.PingPeriod >= c.HeartbeatTimeout {
		errs = append(errs, errors.New("ping-period must be shorter than heartbeat-timeout"))
	}
	if c.DeliveryAttempts < 1 {
		errs = append(errs, errors.New("delivery-attempts must be at least 1"))
	}
	if c.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("attempt-timeout must be positive"))
	}
	if c.MaxFlushAttempts < 0 {
		errs = append(errs, errors.New("max-flush-attempts must not be negative"))
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		errs = append(errs, errors.New("s3-region is required with s3-bucket"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log-format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
