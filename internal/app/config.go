package app

import (
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless the database is configured and
	// reachable.
	ReadinessRequireDB bool

	// Lifetime of one-time realtime tickets.
	TicketTTL time.Duration

	// DevTokens is a "token:account" list for the dev access-token resolver.
	// Empty means any non-empty Bearer token resolves to itself, which is
	// enough for local smoke runs.
	DevTokens map[string]string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("CHATWIRE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("CHATWIRE_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("CHATWIRE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHATWIRE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHATWIRE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHATWIRE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHATWIRE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("CHATWIRE_DATABASE_URL", ""),
		DBSchema:    EnvString("CHATWIRE_DB_SCHEMA", "chatwire"),
		DBMaxConns:  EnvInt32("CHATWIRE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CHATWIRE_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("CHATWIRE_READINESS_REQUIRE_DB", false),

		TicketTTL: EnvDuration("CHATWIRE_TICKET_TTL", 30*time.Second),

		DevTokens: parseDevTokens(EnvString("CHATWIRE_DEV_TOKENS", "")),
	}
}

// parseDevTokens parses "token:account,token2:account2". Malformed entries
// are skipped.
func parseDevTokens(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		token, account, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		token = strings.TrimSpace(token)
		account = strings.TrimSpace(account)
		if token == "" || account == "" {
			continue
		}
		out[token] = account
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
